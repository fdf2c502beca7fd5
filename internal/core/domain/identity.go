package domain

import (
	"strings"
	"time"
)

// Identity mirrors the persisted representation in the handles table: a DID,
// its current handle, and the personal data server hosting its repository.
type Identity struct {
	DID       string
	Handle    string
	PDS       string
	Language  *string
	Timezone  *string
	CreatedAt time.Time
	UpdatedAt time.Time
	ActiveAt  *time.Time
}

// Stale reports whether the cached row is older than maxAge at the given instant.
func (i Identity) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(i.UpdatedAt) > maxAge
}

// IsDID reports whether the subject string is a DID rather than a handle.
func IsDID(subject string) bool {
	return strings.HasPrefix(subject, "did:")
}

// NormalizeSubject strips the decorations users paste in front of handles
// ("@alice.example.com", "at://alice.example.com") and lowercases handles.
// DIDs pass through with their method-specific identifier untouched.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	s = strings.TrimPrefix(s, "at://")
	s = strings.TrimPrefix(s, "@")
	if IsDID(s) {
		return s
	}
	return strings.ToLower(s)
}
