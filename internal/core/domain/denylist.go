package domain

import "time"

// DenylistEntry mirrors the persisted representation in the denylist table.
// Subject holds the hashed subject key, never the raw DID or handle.
type DenylistEntry struct {
	Subject   string
	Reason    string
	UpdatedAt time.Time
}
