package atproto

import "errors"

var (
	// ErrInvalidURI indicates a record address failed parsing or validation.
	ErrInvalidURI = errors.New("atproto: invalid record address")
	// ErrRecordMissing indicates the remote repository holds no record at the address.
	ErrRecordMissing = errors.New("atproto: record not found")
	// ErrInvalidRecord indicates the payload does not satisfy the collection's lexicon.
	ErrInvalidRecord = errors.New("atproto: record failed validation")
	// ErrUpstream indicates the remote store could not be reached or answered 5xx.
	ErrUpstream = errors.New("atproto: upstream unavailable")
	// ErrWriteRejected indicates the remote store refused a putRecord call.
	ErrWriteRejected = errors.New("atproto: write rejected")
	// ErrTokenRejected indicates the authorization server refused the presented grant.
	ErrTokenRejected = errors.New("atproto: token rejected")
	// ErrResolution indicates no directory source produced a usable answer.
	ErrResolution = errors.New("atproto: identity resolution failed")
	// ErrResolutionConflict indicates directory sources disagreed about the DID.
	ErrResolutionConflict = errors.New("atproto: directory sources disagree")
	// ErrUnsupportedAuthServer indicates the authorization server lacks a required capability.
	ErrUnsupportedAuthServer = errors.New("atproto: authorization server unsupported")
)
