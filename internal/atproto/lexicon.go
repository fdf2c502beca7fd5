package atproto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/beaconevents/beacon/internal/core/domain"
)

// StrongRef is a CID-pinned reference to another record.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type eventEnvelope struct {
	Type      string `json:"$type"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
}

type rsvpEnvelope struct {
	Type      string    `json:"$type"`
	Subject   StrongRef `json:"subject"`
	Status    string    `json:"status"`
	CreatedAt string    `json:"createdAt"`
}

// ValidateEvent checks the payload against the collection's event shape and
// returns the denormalized display name.
func ValidateEvent(collection domain.Collection, raw json.RawMessage) (string, error) {
	if collection != domain.CollectionEvent && collection != domain.CollectionEventLegacy {
		return "", fmt.Errorf("%w: %s is not an event collection", ErrInvalidRecord, collection)
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if envelope.Type != string(collection) {
		return "", fmt.Errorf("%w: $type %q does not match collection %s", ErrInvalidRecord, envelope.Type, collection)
	}
	if strings.TrimSpace(envelope.Name) == "" {
		return "", fmt.Errorf("%w: event name is required", ErrInvalidRecord)
	}
	if envelope.CreatedAt != "" {
		if _, err := time.Parse(time.RFC3339, envelope.CreatedAt); err != nil {
			return "", fmt.Errorf("%w: createdAt: %v", ErrInvalidRecord, err)
		}
	}

	return envelope.Name, nil
}

// ValidateRsvp checks the payload against the collection's RSVP shape and
// returns the event reference plus the normalized status token.
func ValidateRsvp(collection domain.Collection, raw json.RawMessage) (StrongRef, string, error) {
	if collection != domain.CollectionRSVP && collection != domain.CollectionRSVPLegacy {
		return StrongRef{}, "", fmt.Errorf("%w: %s is not an rsvp collection", ErrInvalidRecord, collection)
	}

	var envelope rsvpEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return StrongRef{}, "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if envelope.Type != string(collection) {
		return StrongRef{}, "", fmt.Errorf("%w: $type %q does not match collection %s", ErrInvalidRecord, envelope.Type, collection)
	}

	subjectURI, err := ParseURI(envelope.Subject.URI)
	if err != nil {
		return StrongRef{}, "", fmt.Errorf("%w: subject: %v", ErrInvalidRecord, err)
	}
	subjectCollection := domain.Collection(subjectURI.Collection)
	if subjectCollection != domain.CollectionEvent && subjectCollection != domain.CollectionEventLegacy {
		return StrongRef{}, "", fmt.Errorf("%w: subject %s is not an event", ErrInvalidRecord, envelope.Subject.URI)
	}
	if strings.TrimSpace(envelope.Subject.CID) == "" {
		return StrongRef{}, "", fmt.Errorf("%w: subject cid is required", ErrInvalidRecord)
	}

	status, err := normalizeRsvpStatus(collection, envelope.Status)
	if err != nil {
		return StrongRef{}, "", err
	}

	return envelope.Subject, status, nil
}

// normalizeRsvpStatus reduces "…rsvp#going" tokens to their short form.
func normalizeRsvpStatus(collection domain.Collection, token string) (string, error) {
	status := token
	if idx := strings.IndexByte(token, '#'); idx >= 0 {
		prefix := token[:idx]
		if prefix != string(collection) {
			return "", fmt.Errorf("%w: status token %q does not belong to %s", ErrInvalidRecord, token, collection)
		}
		status = token[idx+1:]
	}

	switch status {
	case domain.RSVPStatusGoing, domain.RSVPStatusInterested, domain.RSVPStatusNotGoing:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown rsvp status %q", ErrInvalidRecord, token)
	}
}

type eventLink struct {
	Type string `json:"$type"`
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

type addressLocation struct {
	Type       string `json:"$type"`
	Country    string `json:"country"`
	PostalCode string `json:"postalCode,omitempty"`
	Region     string `json:"region,omitempty"`
	Locality   string `json:"locality,omitempty"`
	Street     string `json:"street,omitempty"`
	Name       string `json:"name,omitempty"`
}

type convertedEvent struct {
	Type        string            `json:"$type"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	CreatedAt   string            `json:"createdAt"`
	StartsAt    string            `json:"startsAt,omitempty"`
	EndsAt      string            `json:"endsAt,omitempty"`
	Mode        string            `json:"mode,omitempty"`
	Status      string            `json:"status,omitempty"`
	Locations   []addressLocation `json:"locations,omitempty"`
	URIs        []eventLink       `json:"uris,omitempty"`
}

var legacyModeMap = map[string]string{
	"events.smokesignal.calendar.event#inperson": "community.lexicon.calendar.event#inperson",
	"events.smokesignal.calendar.event#virtual":  "community.lexicon.calendar.event#virtual",
}

var legacyStatusMap = map[string]string{
	"events.smokesignal.calendar.event#scheduled":   "community.lexicon.calendar.event#scheduled",
	"events.smokesignal.calendar.event#cancelled":   "community.lexicon.calendar.event#cancelled",
	"events.smokesignal.calendar.event#postponed":   "community.lexicon.calendar.event#postponed",
	"events.smokesignal.calendar.event#rescheduled": "community.lexicon.calendar.event#rescheduled",
}

// ConvertLegacyEvent rewrites a legacy event payload under the current
// schema: text becomes description, mode/status enum tokens are remapped
// (unknown statuses default to scheduled), place locations become address
// locations, virtual locations become event links, and endsAt is lifted out
// of the legacy extras.
func ConvertLegacyEvent(raw json.RawMessage, now time.Time) (json.RawMessage, error) {
	var legacy map[string]any
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if legacy["$type"] != string(domain.CollectionEventLegacy) {
		return nil, fmt.Errorf("%w: not a legacy event payload", ErrInvalidRecord)
	}

	name, _ := legacy["name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: event name is required", ErrInvalidRecord)
	}

	converted := convertedEvent{
		Type:   string(domain.CollectionEvent),
		Name:   name,
		Status: "community.lexicon.calendar.event#scheduled",
	}

	if text, ok := legacy["text"].(string); ok {
		converted.Description = text
	}

	converted.CreatedAt = now.UTC().Format(time.RFC3339)
	if createdAt, ok := legacy["createdAt"].(string); ok {
		if _, err := time.Parse(time.RFC3339, createdAt); err == nil {
			converted.CreatedAt = createdAt
		}
	}
	if startsAt, ok := legacy["startsAt"].(string); ok {
		if _, err := time.Parse(time.RFC3339, startsAt); err == nil {
			converted.StartsAt = startsAt
		}
	}
	if endsAt, ok := legacy["endsAt"].(string); ok {
		if _, err := time.Parse(time.RFC3339, endsAt); err == nil {
			converted.EndsAt = endsAt
		}
	}

	if mode, ok := legacy["mode"].(string); ok {
		converted.Mode = legacyModeMap[mode]
	}
	if status, ok := legacy["status"].(string); ok {
		if mapped, ok := legacyStatusMap[status]; ok {
			converted.Status = mapped
		}
	}

	if locations, ok := legacy["location"].([]any); ok {
		for _, entry := range locations {
			loc, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			switch loc["$type"] {
			case "events.smokesignal.calendar.location#place":
				converted.Locations = append(converted.Locations, addressLocation{
					Type:       "community.lexicon.location.address",
					Country:    stringField(loc, "country"),
					PostalCode: stringField(loc, "postalCode"),
					Region:     stringField(loc, "region"),
					Locality:   stringField(loc, "locality"),
					Street:     stringField(loc, "street"),
					Name:       stringField(loc, "name"),
				})
			case "events.smokesignal.calendar.location#virtual":
				if uri := stringField(loc, "url"); uri != "" {
					converted.URIs = append(converted.URIs, eventLink{
						Type: "community.lexicon.calendar.event#uri",
						URI:  uri,
						Name: stringField(loc, "name"),
					})
				}
			}
		}
	}

	out, err := json.Marshal(converted)
	if err != nil {
		return nil, fmt.Errorf("marshal converted event: %w", err)
	}

	return out, nil
}

func stringField(m map[string]any, key string) string {
	value, _ := m[key].(string)
	return value
}
