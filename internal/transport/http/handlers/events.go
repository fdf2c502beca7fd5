package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/beaconevents/beacon/internal/atproto"
	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/transport/http/middleware"
	"github.com/beaconevents/beacon/internal/usecase"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// EventHandler serves the indexed event and RSVP views plus the import and
// migration operations.
type EventHandler struct {
	records *usecase.RecordService
}

// NewEventHandler constructs an event handler.
func NewEventHandler(records *usecase.RecordService) *EventHandler {
	return &EventHandler{records: records}
}

// RegisterRoutes wires the read endpoints onto the router group.
func (h *EventHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/events", h.ListRecent)
	group.GET("/events/by-did/:did", h.ListByDID)
	group.GET("/event", h.Resolve)
	group.GET("/event/rsvps", h.Rsvps)
	group.GET("/event/counts", h.Counts)
	group.POST("/import/event", h.ImportEvent)
	group.POST("/import/rsvp", h.ImportRsvp)
}

// RegisterAuthedRoutes wires the endpoints that require a live session.
func (h *EventHandler) RegisterAuthedRoutes(group *gin.RouterGroup) {
	group.POST("/event/migrate", h.Migrate)
}

// ListRecent returns the newest indexed events.
func (h *EventHandler) ListRecent(c *gin.Context) {
	events, err := h.records.ListRecentEvents(c.Request.Context(), listLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to list events"))
		return
	}

	c.JSON(http.StatusOK, newEventListResponse(events))
}

// ListByDID returns an identity's indexed events.
func (h *EventHandler) ListByDID(c *gin.Context) {
	did := strings.TrimSpace(c.Param("did"))
	if did == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "did is required"))
		return
	}

	events, err := h.records.ListEventsByDID(c.Request.Context(), did, listLimit(c))
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrSubjectBlocked, Status: http.StatusNotFound, Message: "no events found"},
		}, http.StatusInternalServerError, "failed to list events")
		return
	}

	c.JSON(http.StatusOK, newEventListResponse(events))
}

// Resolve answers an event address under either schema version.
func (h *EventHandler) Resolve(c *gin.Context) {
	uri := strings.TrimSpace(c.Query("uri"))
	if uri == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "uri is required"))
		return
	}

	resolution, err := h.records.ResolveEvent(c.Request.Context(), uri)
	if err != nil {
		RespondWithMappedError(c, err, resolveErrorCases(), http.StatusInternalServerError, "failed to resolve event")
		return
	}

	c.JSON(http.StatusOK, newEventResolutionResponse(*resolution))
}

// Rsvps returns an event's RSVPs, one entry per responder.
func (h *EventHandler) Rsvps(c *gin.Context) {
	uri := strings.TrimSpace(c.Query("uri"))
	if uri == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "uri is required"))
		return
	}

	views, err := h.records.RsvpsForEvent(c.Request.Context(), uri)
	if err != nil {
		RespondWithMappedError(c, err, resolveErrorCases(), http.StatusInternalServerError, "failed to list rsvps")
		return
	}

	payloads := make([]RsvpViewPayload, 0, len(views))
	for _, view := range views {
		payloads = append(payloads, newRsvpViewPayload(view))
	}

	c.JSON(http.StatusOK, RsvpListResponse{Rsvps: payloads, Total: len(payloads)})
}

// Counts tallies RSVP statuses for an event, each responder counted once.
func (h *EventHandler) Counts(c *gin.Context) {
	uri := strings.TrimSpace(c.Query("uri"))
	if uri == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "uri is required"))
		return
	}

	counts, err := h.records.CountsForEvent(c.Request.Context(), uri)
	if err != nil {
		RespondWithMappedError(c, err, resolveErrorCases(), http.StatusInternalServerError, "failed to count rsvps")
		return
	}

	c.JSON(http.StatusOK, RsvpCountsResponse{
		Going:      counts[domain.RSVPStatusGoing],
		Interested: counts[domain.RSVPStatusInterested],
		NotGoing:   counts[domain.RSVPStatusNotGoing],
	})
}

// ImportEvent fetches an event record from its owner's repository and
// indexes it.
func (h *EventHandler) ImportEvent(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "uri is required"))
		return
	}

	event, err := h.records.ImportEvent(c.Request.Context(), req.URI)
	if err != nil {
		RespondWithMappedError(c, err, importErrorCases(), http.StatusInternalServerError, "failed to import event")
		return
	}

	c.JSON(http.StatusOK, newEventPayload(*event))
}

// ImportRsvp fetches an RSVP record from its owner's repository and indexes it.
func (h *EventHandler) ImportRsvp(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "uri is required"))
		return
	}

	rsvp, err := h.records.ImportRsvp(c.Request.Context(), req.URI)
	if err != nil {
		RespondWithMappedError(c, err, importErrorCases(), http.StatusInternalServerError, "failed to import rsvp")
		return
	}

	c.JSON(http.StatusOK, newRsvpPayload(*rsvp))
}

// Migrate rewrites the caller's legacy event under the current schema.
func (h *EventHandler) Migrate(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "session required"))
		return
	}

	var req MigrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "uri is required"))
		return
	}

	resolution, err := h.records.MigrateEvent(c.Request.Context(), *session, req.URI)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrNotMigratable, Status: http.StatusBadRequest, Message: "only legacy events can be migrated"},
			{Err: usecase.ErrNotRecordOwner, Status: http.StatusForbidden, Message: "record belongs to another repository"},
			{Err: usecase.ErrMigrationConflict, Status: http.StatusConflict, Message: "destination record already exists"},
			{Err: usecase.ErrRecordNotFound, Status: http.StatusNotFound, Message: "legacy record not found"},
			{Err: atproto.ErrInvalidURI, Status: http.StatusBadRequest, Message: "invalid record address"},
			{Err: atproto.ErrInvalidRecord, Status: http.StatusUnprocessableEntity, Message: "record failed validation"},
			{Err: atproto.ErrWriteRejected, Status: http.StatusBadGateway, Message: "repository rejected the write"},
			{Err: atproto.ErrUpstream, Status: http.StatusBadGateway, Message: "repository unavailable"},
		}, http.StatusInternalServerError, "failed to migrate event")
		return
	}

	c.JSON(http.StatusOK, newEventResolutionResponse(*resolution))
}

func resolveErrorCases() []ErrorCase {
	return []ErrorCase{
		{Err: usecase.ErrRecordNotFound, Status: http.StatusNotFound, Message: "event not found"},
		{Err: usecase.ErrNotAnEvent, Status: http.StatusBadRequest, Message: "address is not an event record"},
		{Err: usecase.ErrSubjectBlocked, Status: http.StatusNotFound, Message: "event not found"},
		{Err: usecase.ErrResolutionFailed, Status: http.StatusNotFound, Message: "could not resolve record owner"},
		{Err: atproto.ErrInvalidURI, Status: http.StatusBadRequest, Message: "invalid record address"},
		{Err: atproto.ErrUpstream, Status: http.StatusBadGateway, Message: "repository unavailable"},
	}
}

func importErrorCases() []ErrorCase {
	return []ErrorCase{
		{Err: usecase.ErrRecordNotFound, Status: http.StatusNotFound, Message: "record not found"},
		{Err: usecase.ErrNotAnEvent, Status: http.StatusBadRequest, Message: "address is not an event record"},
		{Err: usecase.ErrNotAnRsvp, Status: http.StatusBadRequest, Message: "address is not an rsvp record"},
		{Err: usecase.ErrSubjectBlocked, Status: http.StatusForbidden, Message: "subject is blocked"},
		{Err: usecase.ErrResolutionFailed, Status: http.StatusNotFound, Message: "could not resolve record owner"},
		{Err: atproto.ErrInvalidURI, Status: http.StatusBadRequest, Message: "invalid record address"},
		{Err: atproto.ErrInvalidRecord, Status: http.StatusUnprocessableEntity, Message: "record failed validation"},
		{Err: atproto.ErrUpstream, Status: http.StatusBadGateway, Message: "repository unavailable"},
	}
}

func newEventListResponse(events []domain.EventRecord) EventListResponse {
	payloads := make([]EventPayload, 0, len(events))
	for _, event := range events {
		payloads = append(payloads, newEventPayload(event))
	}
	return EventListResponse{Events: payloads, Total: len(payloads)}
}

func listLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
