package handlers

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/beaconevents/beacon/internal/core/domain"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	traceID, _ := c.Get("trace_id")
	traceIDStr, _ := traceID.(string)

	return ErrorResponse{
		Error:   errorMsg,
		TraceID: traceIDStr,
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// LoginRequest starts an authorization flow for a handle or DID.
type LoginRequest struct {
	Subject     string  `json:"subject" binding:"required"`
	Destination *string `json:"destination,omitempty"`
}

// LoginResponse carries the authorization URL the user agent goes to next.
type LoginResponse struct {
	AuthorizeURL string `json:"authorize_url"`
}

// CallbackResponse is returned once the authorization code was exchanged.
// The session group is the bearer credential for authenticated endpoints.
type CallbackResponse struct {
	Session     SessionPayload `json:"session"`
	Destination *string        `json:"destination,omitempty"`
}

// SessionPayload is the API view of an OAuth session. Tokens never leave the
// service; clients hold only the group identifier.
type SessionPayload struct {
	Group     string    `json:"group"`
	DID       string    `json:"did"`
	Issuer    string    `json:"issuer"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	NotAfter  time.Time `json:"not_after"`
}

// EventPayload is the API view of an indexed event record.
type EventPayload struct {
	URI        string          `json:"uri"`
	CID        string          `json:"cid"`
	DID        string          `json:"did"`
	Collection string          `json:"collection"`
	Name       string          `json:"name,omitempty"`
	Record     json.RawMessage `json:"record"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// EventResolutionResponse is the API view of resolving an event address
// across the current and legacy schemas.
type EventResolutionResponse struct {
	Event          EventPayload `json:"event"`
	IsLegacy       bool         `json:"is_legacy"`
	StandardExists bool         `json:"standard_exists"`
	UsingFallback  bool         `json:"using_fallback"`
	Migrated       bool         `json:"migrated"`
	LegacyURI      string       `json:"legacy_uri,omitempty"`
}

// EventListResponse wraps a list of indexed events.
type EventListResponse struct {
	Events []EventPayload `json:"events"`
	Total  int            `json:"total"`
}

// RsvpPayload is the API view of an indexed RSVP record.
type RsvpPayload struct {
	URI        string    `json:"uri"`
	CID        string    `json:"cid"`
	DID        string    `json:"did"`
	Collection string    `json:"collection"`
	EventURI   string    `json:"event_uri"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RsvpViewPayload pairs a responder's answer with their record under the
// other schema version when one exists.
type RsvpViewPayload struct {
	Rsvp        RsvpPayload  `json:"rsvp"`
	Counterpart *RsvpPayload `json:"counterpart,omitempty"`
}

// RsvpListResponse wraps an event's RSVPs, one entry per responder.
type RsvpListResponse struct {
	Rsvps []RsvpViewPayload `json:"rsvps"`
	Total int               `json:"total"`
}

// RsvpCountsResponse tallies RSVP statuses for an event.
type RsvpCountsResponse struct {
	Going      int64 `json:"going"`
	Interested int64 `json:"interested"`
	NotGoing   int64 `json:"notgoing"`
}

// ImportRequest names a record address to fetch and index.
type ImportRequest struct {
	URI string `json:"uri" binding:"required"`
}

// MigrateRequest names a legacy event address to rewrite under the current
// schema.
type MigrateRequest struct {
	URI string `json:"uri" binding:"required"`
}

// BlockRequest adds a subject to the moderation denylist.
type BlockRequest struct {
	Subject string `json:"subject" binding:"required"`
	Reason  string `json:"reason"`
}

// UnblockRequest removes a subject from the moderation denylist.
type UnblockRequest struct {
	Subject string `json:"subject" binding:"required"`
}

// DenylistEntryPayload is the API view of a denylist row. Subjects are
// stored hashed, so only the hash comes back.
type DenylistEntryPayload struct {
	SubjectHash string    `json:"subject_hash"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DenylistResponse wraps the denylist for the admin surface.
type DenylistResponse struct {
	Entries []DenylistEntryPayload `json:"entries"`
	Total   int                    `json:"total"`
}

// HealthResponse describes the service health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse describes readiness probe results with dependency checks.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func newSessionPayload(session domain.Session) SessionPayload {
	return SessionPayload{
		Group:     session.Group,
		DID:       session.DID,
		Issuer:    session.Issuer,
		CreatedAt: session.CreatedAt,
		ExpiresAt: session.ExpiresAt,
		NotAfter:  session.NotAfter,
	}
}

func newEventPayload(event domain.EventRecord) EventPayload {
	return EventPayload{
		URI:        event.URI,
		CID:        event.CID,
		DID:        event.DID,
		Collection: string(event.Collection),
		Name:       event.Name,
		Record:     event.Record,
		UpdatedAt:  event.UpdatedAt,
	}
}

func newRsvpPayload(rsvp domain.RsvpRecord) RsvpPayload {
	return RsvpPayload{
		URI:        rsvp.URI,
		CID:        rsvp.CID,
		DID:        rsvp.DID,
		Collection: string(rsvp.Collection),
		EventURI:   rsvp.EventURI,
		Status:     rsvp.Status,
		UpdatedAt:  rsvp.UpdatedAt,
	}
}

func newEventResolutionResponse(resolution domain.EventResolution) EventResolutionResponse {
	return EventResolutionResponse{
		Event:          newEventPayload(*resolution.Event),
		IsLegacy:       resolution.IsLegacy,
		StandardExists: resolution.StandardExists,
		UsingFallback:  resolution.UsingFallback,
		Migrated:       resolution.Migrated,
		LegacyURI:      resolution.LegacyURI,
	}
}

func newRsvpViewPayload(view domain.RsvpView) RsvpViewPayload {
	payload := RsvpViewPayload{Rsvp: newRsvpPayload(view.Rsvp)}
	if view.Counterpart != nil {
		counterpart := newRsvpPayload(*view.Counterpart)
		payload.Counterpart = &counterpart
	}
	return payload
}
