package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/beaconevents/beacon/internal/usecase"
)

// AdminHandler exposes the moderation denylist.
type AdminHandler struct {
	moderation *usecase.ModerationService
}

// NewAdminHandler constructs an admin handler.
func NewAdminHandler(moderation *usecase.ModerationService) *AdminHandler {
	return &AdminHandler{moderation: moderation}
}

// RegisterRoutes wires the denylist endpoints onto the router group.
func (h *AdminHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/denylist", h.List)
	group.POST("/denylist", h.Block)
	group.DELETE("/denylist", h.Unblock)
}

// List returns denylist entries. Subjects come back hashed; the raw values
// are never stored.
func (h *AdminHandler) List(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.moderation.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to list denylist"))
		return
	}

	payloads := make([]DenylistEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, DenylistEntryPayload{
			SubjectHash: entry.Subject,
			Reason:      entry.Reason,
			UpdatedAt:   entry.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, DenylistResponse{Entries: payloads, Total: len(payloads)})
}

// Block adds a subject to the denylist.
func (h *AdminHandler) Block(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "subject is required"))
		return
	}

	if err := h.moderation.Block(c.Request.Context(), req.Subject, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to block subject"))
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "subject blocked"})
}

// Unblock removes a subject from the denylist.
func (h *AdminHandler) Unblock(c *gin.Context) {
	var req UnblockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "subject is required"))
		return
	}

	if err := h.moderation.Unblock(c.Request.Context(), req.Subject); err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to unblock subject"))
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "subject unblocked"})
}
