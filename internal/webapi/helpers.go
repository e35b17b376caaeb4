package webapi

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gravitational/trace"
)

// randomSuffix generates the email-local-part suffix for a synthetic
// SYSTEM user created alongside a freshly issued API token.
func randomSuffix(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(b), nil
}
