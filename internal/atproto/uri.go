package atproto

import (
	"fmt"
	"strings"
)

const (
	maxRepoLength       = 253
	maxCollectionLength = 128
	maxRKeyLength       = 512
)

// URI is a parsed at:// record address.
type URI struct {
	Repo       string
	Collection string
	RKey       string
}

// String reassembles the canonical at:// form.
func (u URI) String() string {
	return fmt.Sprintf("at://%s/%s/%s", u.Repo, u.Collection, u.RKey)
}

// ParseURI parses and validates a full record address. Every component is
// user-controlled input that later lands in outbound URLs and SQL, so the
// character rules are strict.
func ParseURI(raw string) (URI, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(raw), "at://")
	if !ok {
		return URI{}, fmt.Errorf("%w: uri must start with at://: %q", ErrInvalidURI, raw)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return URI{}, fmt.Errorf("%w: uri must have repo/collection/rkey: %q", ErrInvalidURI, raw)
	}

	uri := URI{Repo: parts[0], Collection: parts[1], RKey: parts[2]}

	if err := validateRepo(uri.Repo); err != nil {
		return URI{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if err := ValidateCollection(uri.Collection); err != nil {
		return URI{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if err := ValidateRKey(uri.RKey); err != nil {
		return URI{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	return uri, nil
}

func validateRepo(repo string) error {
	if repo == "" {
		return fmt.Errorf("repo is required")
	}
	if len(repo) > maxRepoLength {
		return fmt.Errorf("repo exceeds %d characters", maxRepoLength)
	}

	if strings.HasPrefix(repo, "did:") {
		return validateDID(repo)
	}
	return validateHostname(repo)
}

func validateDID(did string) error {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return fmt.Errorf("malformed did: %q", did)
	}
	for _, r := range parts[1] {
		if r < 'a' || r > 'z' {
			return fmt.Errorf("did method must be lowercase alpha: %q", did)
		}
	}
	for _, r := range parts[2] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_' || r == ':' || r == '%':
		default:
			return fmt.Errorf("did contains invalid character %q", r)
		}
	}
	return nil
}

func validateHostname(host string) error {
	if !strings.Contains(host, ".") {
		return fmt.Errorf("hostname must be fully qualified: %q", host)
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return fmt.Errorf("hostname has empty label: %q", host)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("hostname label cannot start or end with hyphen: %q", host)
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			default:
				return fmt.Errorf("hostname contains invalid character %q", r)
			}
		}
	}
	return nil
}

// ValidateCollection checks an NSID-shaped collection component.
func ValidateCollection(collection string) error {
	if collection == "" {
		return fmt.Errorf("collection is required")
	}
	if len(collection) > maxCollectionLength {
		return fmt.Errorf("collection exceeds %d characters", maxCollectionLength)
	}
	for _, r := range collection {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return fmt.Errorf("collection contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateRKey checks a record key component.
func ValidateRKey(rkey string) error {
	if rkey == "" {
		return fmt.Errorf("rkey is required")
	}
	if len(rkey) > maxRKeyLength {
		return fmt.Errorf("rkey exceeds %d characters", maxRKeyLength)
	}
	if rkey == "." || rkey == ".." {
		return fmt.Errorf("rkey cannot be a path traversal component")
	}
	if strings.ContainsAny(rkey, "<>\"'`\\|*?#/ ") {
		return fmt.Errorf("rkey contains blocked character: %q", rkey)
	}
	return nil
}
