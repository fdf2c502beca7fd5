package domain

import (
	"encoding/json"
	"time"
)

// Collection identifies the lexicon a record was written under.
type Collection string

const (
	CollectionEvent       Collection = "community.lexicon.calendar.event"
	CollectionRSVP        Collection = "community.lexicon.calendar.rsvp"
	CollectionEventLegacy Collection = "events.smokesignal.calendar.event"
	CollectionRSVPLegacy  Collection = "events.smokesignal.calendar.rsvp"
)

// Legacy reports whether the collection predates the community lexicon.
func (c Collection) Legacy() bool {
	return c == CollectionEventLegacy || c == CollectionRSVPLegacy
}

// EventCollections lists the event collections in resolution order: the
// current schema is always tried before the legacy one.
func EventCollections() []Collection {
	return []Collection{CollectionEvent, CollectionEventLegacy}
}

// RSVPCollections lists the RSVP collections in resolution order.
func RSVPCollections() []Collection {
	return []Collection{CollectionRSVP, CollectionRSVPLegacy}
}

// RSVP status values shared by both lexicon versions.
const (
	RSVPStatusGoing      = "going"
	RSVPStatusInterested = "interested"
	RSVPStatusNotGoing   = "notgoing"
)

// EventRecord mirrors the persisted representation in the events table.
// Record holds the full payload as fetched; Name is denormalized for listing.
type EventRecord struct {
	URI        string
	CID        string
	DID        string
	Collection Collection
	Record     json.RawMessage
	Name       string
	UpdatedAt  time.Time
}

// RsvpRecord mirrors the persisted representation in the rsvps table.
// EventURI/EventCID are denormalized from the record's subject reference.
type RsvpRecord struct {
	URI        string
	CID        string
	DID        string
	Collection Collection
	Record     json.RawMessage
	EventURI   string
	EventCID   string
	Status     string
	UpdatedAt  time.Time
}

// CreatedAt reports the record's own creation timestamp. Records written
// without one, or with one that does not parse, report zero.
func (r RsvpRecord) CreatedAt() time.Time {
	var payload struct {
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(r.Record, &payload); err != nil {
		return time.Time{}
	}
	created, err := time.Parse(time.RFC3339, payload.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return created
}

// EventResolution is the outcome of resolving an event address across the
// current and legacy collections.
type EventResolution struct {
	Event *EventRecord

	// IsLegacy is set when the returned record lives at the legacy address.
	IsLegacy bool
	// StandardExists is set when a current-schema record exists for the rkey,
	// whichever address was asked for.
	StandardExists bool
	// UsingFallback is set when the current address was requested but only
	// the legacy record exists.
	UsingFallback bool
	// Migrated is set when both addresses are populated; the legacy record is
	// kept for reference and the current one wins.
	Migrated bool

	// LegacyURI is the legacy address when a legacy record exists alongside
	// the returned one.
	LegacyURI string
}

// RsvpView pairs an RSVP with its owner's record under the other lexicon
// version for the same event, when one exists. Statuses are never merged;
// CreatedAt ordering decides which one reads as latest.
type RsvpView struct {
	Rsvp        RsvpRecord
	Counterpart *RsvpRecord
}
