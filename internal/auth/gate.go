// Package auth is the Authentication Gate (§4.5): resolving an incoming
// request's credential — agent API key, bearer API token, or admin
// session cookie — into an Identity, and defending the JWT-verification
// path against brute force.
package auth

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/config"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// agentKeyPrefix distinguishes an agent's long-lived API key from a JWT
// API token on the same Authorization header (§4.5).
const agentKeyPrefix = "agt_key_"

// Gate resolves credentials to Identities and tracks JWT auth failures.
type Gate struct {
	store store.Store
	clock clockwork.Clock
	log   logrus.FieldLogger

	jwt *hmacKey // nil when API tokens/sessions are disabled

	superAdminHashes map[string]struct{}

	limiter *ipFailureTracker
}

// NewGate builds a Gate from coordinator configuration. When
// cfg.APITokensEnabled is false, JWT API tokens and session cookies are
// never minted or verified and their resolvers always fail closed.
func NewGate(cfg *config.Config, st store.Store, clock clockwork.Clock, log logrus.FieldLogger) (*Gate, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	g := &Gate{
		store:            st,
		clock:            clock,
		log:              log,
		superAdminHashes: map[string]struct{}{},
	}
	for _, h := range cfg.SuperAdminEmailHashes {
		g.superAdminHashes[h] = struct{}{}
	}
	g.limiter = newIPFailureTracker(clock, cfg.JWTFailureWindow, cfg.JWTWarnThreshold,
		cfg.JWTBlockThreshold, cfg.JWTBlockCooldown, log.WithField("component", "auth-ratelimit"))

	if cfg.APITokensEnabled {
		key, err := newHMACKey(clock, cfg.JWTSigningKeyPEM)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		g.jwt = key
	}

	return g, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func hashEmail(email string) string {
	sum := sha256.Sum256([]byte(normalizeEmail(email)))
	return hex.EncodeToString(sum[:])
}

func normalizeEmail(email string) string {
	out := make([]byte, 0, len(email))
	for _, r := range email {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// IsSuperAdminEmail reports whether email's SHA-256 hash is present in
// the configured allowlist (§4.5).
func (g *Gate) IsSuperAdminEmail(email string) bool {
	_, ok := g.superAdminHashes[hashEmail(email)]
	return ok
}

// HashAdminEmail computes the SHA-256(lowercased email) value an operator
// places in the super-admin allowlist config. Exported so the value can
// be precomputed outside the running coordinator (e.g. a setup script).
func HashAdminEmail(email string) string {
	return hashEmail(email)
}
