// Package ids generates and parses the opaque external identifiers used
// throughout the coordinator: <prefix>_<26-char sortable id>.
//
// The sortable suffix is a ULID: lexicographic order on the string tracks
// creation order closely enough for FIFO claim ordering and for humans
// scanning a list to see recency at a glance, without leaking the internal
// auto-increment id an API must never expose.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/oklog/ulid/v2"
)

// Prefix is a GUID namespace tag. Each entity kind in the data model owns
// exactly one prefix.
type Prefix string

const (
	Tenant              Prefix = "tea"
	User                Prefix = "usr"
	Agent               Prefix = "agt"
	Job                 Prefix = "job"
	Connector           Prefix = "con"
	Collection          Prefix = "col"
	ApiToken            Prefix = "tok"
	RegistrationToken   Prefix = "art"
	ReleaseManifest     Prefix = "rel"
	ReleaseArtifact     Prefix = "fld"
)

// suffixLen is the length of a ULID's canonical string encoding.
const suffixLen = 26

// New generates a fresh GUID for the given prefix using the current time
// for the ULID's time component and fresh crypto-random entropy, so two
// GUIDs minted in the same millisecond are in no defined order
// (ulid.Monotonic would require a shared,
// non-concurrency-safe reader across goroutines, so callers that need
// strict intra-millisecond ordering should rely on created_at/priority
// ordering at the database layer instead, per §4.3 claim algorithm).
func New(p Prefix) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	return string(p) + "_" + id.String()
}

// Parse validates that s has the given prefix and a well-formed ULID
// suffix, returning trace.BadParameter otherwise. The coordinator never
// needs the decoded ULID value itself — GUIDs are opaque keys everywhere
// except in ordering assumptions documented at the call site.
func Parse(p Prefix, s string) error {
	want := string(p) + "_"
	if !strings.HasPrefix(s, want) {
		return trace.BadParameter("malformed id %q: expected prefix %q", s, want)
	}
	suffix := strings.TrimPrefix(s, want)
	if len(suffix) != suffixLen {
		return trace.BadParameter("malformed id %q: suffix must be %d characters", s, suffixLen)
	}
	if _, err := ulid.ParseStrict(suffix); err != nil {
		return trace.BadParameter("malformed id %q: %v", s, err)
	}
	return nil
}

// HasPrefix reports whether s looks like a GUID of kind p, without fully
// validating the ULID suffix. Useful for dispatching on GUID kind before
// a full Parse.
func HasPrefix(p Prefix, s string) bool {
	return strings.HasPrefix(s, string(p)+"_")
}
