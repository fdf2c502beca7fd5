package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Key is a P-256 signing key with its JOSE key id. The same shape backs both
// the long-lived client-assertion keys and the per-session DPoP keys.
type Key struct {
	ID      string
	Private *ecdsa.PrivateKey
}

type jwkPayload struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid,omitempty"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

// GenerateKey creates a fresh P-256 key. An empty id gets a random UUID.
func GenerateKey(id string) (*Key, error) {
	if id == "" {
		id = uuid.NewString()
	}

	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p-256 key: %w", err)
	}

	return &Key{ID: id, Private: private}, nil
}

// MarshalPrivateJWK serializes the key as a private EC JWK.
func (k *Key) MarshalPrivateJWK() (string, error) {
	if k == nil || k.Private == nil {
		return "", fmt.Errorf("key is not initialized")
	}

	payload := jwkPayload{
		Kty: "EC",
		Crv: "P-256",
		Kid: k.ID,
		X:   base64.RawURLEncoding.EncodeToString(padCoord(k.Private.X)),
		Y:   base64.RawURLEncoding.EncodeToString(padCoord(k.Private.Y)),
		D:   base64.RawURLEncoding.EncodeToString(padCoord(k.Private.D)),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal private jwk: %w", err)
	}

	return string(raw), nil
}

// ParsePrivateJWK deserializes a private EC JWK produced by MarshalPrivateJWK.
func ParsePrivateJWK(raw string) (*Key, error) {
	var payload jwkPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal private jwk: %w", err)
	}
	if payload.Kty != "EC" || payload.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported jwk type %s/%s", payload.Kty, payload.Crv)
	}
	if payload.D == "" {
		return nil, fmt.Errorf("jwk carries no private component")
	}

	x, err := decodeCoord(payload.X)
	if err != nil {
		return nil, fmt.Errorf("decode jwk x: %w", err)
	}
	y, err := decodeCoord(payload.Y)
	if err != nil {
		return nil, fmt.Errorf("decode jwk y: %w", err)
	}
	d, err := decodeCoord(payload.D)
	if err != nil {
		return nil, fmt.Errorf("decode jwk d: %w", err)
	}

	private := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
		D:         d,
	}

	return &Key{ID: payload.Kid, Private: private}, nil
}

// PublicJWK returns the public half as the map embedded in DPoP proof headers.
func (k *Key) PublicJWK() map[string]any {
	return map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(padCoord(k.Private.X)),
		"y":   base64.RawURLEncoding.EncodeToString(padCoord(k.Private.Y)),
	}
}

// Thumbprint computes the RFC 7638 JWK thumbprint of the public key.
func (k *Key) Thumbprint() string {
	// Members in lexicographic order with no whitespace, per the RFC.
	canonical := fmt.Sprintf(`{"crv":"P-256","kty":"EC","x":"%s","y":"%s"}`,
		base64.RawURLEncoding.EncodeToString(padCoord(k.Private.X)),
		base64.RawURLEncoding.EncodeToString(padCoord(k.Private.Y)),
	)
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// padCoord left-pads a curve coordinate to the 32 bytes P-256 requires.
func padCoord(v *big.Int) []byte {
	buf := make([]byte, 32)
	v.FillBytes(buf)
	return buf
}

func decodeCoord(raw string) (*big.Int, error) {
	buf, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(buf), nil
}
