package domain

import "time"

// SessionRevokedEvent represents the payload for beacon.session.revoked messages.
type SessionRevokedEvent struct {
	EventID   string
	Group     string
	DID       string
	Issuer    string
	Reason    string
	RevokedAt time.Time
	Metadata  map[string]any
}

// RecordIndexedEvent represents the payload for beacon.record.indexed messages.
type RecordIndexedEvent struct {
	EventID    string
	URI        string
	CID        string
	DID        string
	Collection string
	IndexedAt  time.Time
	Metadata   map[string]any
}
