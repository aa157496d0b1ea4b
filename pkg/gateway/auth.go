package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/talkingthreads/goblin/pkg/log"
)

// Network transports are guarded by one bearer token scoped to the gateway
// process. Operators pin a token through GOBLIN_AUTH_TOKEN when restarts and
// client configs must agree on it; otherwise a fresh one is minted per run
// and announced on startup.

const mintedTokenBytes = 24

type authToken struct {
	value  string
	minted bool
}

func resolveAuthToken() (authToken, error) {
	if v := os.Getenv("GOBLIN_AUTH_TOKEN"); v != "" {
		return authToken{value: v}, nil
	}

	buf := make([]byte, mintedTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return authToken{}, fmt.Errorf("minting auth token: %w", err)
	}
	return authToken{value: hex.EncodeToString(buf), minted: true}, nil
}

// announce tells the operator how to reach the gateway and which credential
// clients must present.
func (t authToken) announce(port int, endpoint string) {
	log.Logf("> Gateway URL: http://localhost:%d%s", port, endpoint)
	if t.minted {
		log.Logf("> Use Bearer token: Authorization: Bearer %s", t.value)
	} else {
		log.Logf("> Use Bearer token from GOBLIN_AUTH_TOKEN environment variable")
	}
}

// requireBearerToken rejects requests that do not present the gateway's
// token. /health stays open so probes work without credentials. Token
// comparison is constant-time.
func (g *Gateway) requireBearerToken(next http.Handler) http.Handler {
	expected := []byte(g.auth.value)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="goblin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
