package port

import "context"

// ResolvedIdentity is a directory answer: the DID, its declared handle, and
// the personal data server endpoint from the DID document.
type ResolvedIdentity struct {
	DID    string
	Handle string
	PDS    string
}

// IdentityDirectory resolves handles and DIDs against the live network.
type IdentityDirectory interface {
	Resolve(ctx context.Context, subject string) (*ResolvedIdentity, error)
}
