// Command crypto generates the ES256 client-assertion key the API signs
// OAuth requests with. The output is a private JWK suitable for the
// BEACON_OAUTH_SIGNING_KEY_JWK setting; the public half is served from
// /oauth/jwks.json.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/beaconevents/beacon/internal/infra/security"
)

func main() {
	kid := flag.String("kid", "", "key identifier to embed (default: random UUID)")
	flag.Parse()

	id := *kid
	if id == "" {
		id = uuid.NewString()
	}

	key, err := security.GenerateKey(id)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}

	jwk, err := key.MarshalPrivateJWK()
	if err != nil {
		log.Fatalf("marshal key: %v", err)
	}

	fmt.Println(jwk)
}
