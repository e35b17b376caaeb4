// Package registration implements the Registration & Attestation
// component (§4.1): minting single-use registration tokens and admitting
// new Agents against them.
package registration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/apierr"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// agentKeyPrefix is the fixed prefix on every generated agent API key (§4.1 step 4).
const agentKeyPrefix = "agt_key_"

// Service wires the store and clock needed to run the §4.1 algorithm.
// AttestationEnforced mirrors the config flag: when false, every
// registration is dev-mode unverified regardless of manifest state.
type Service struct {
	Store               store.Store
	Clock               clockwork.Clock
	AttestationEnforced bool
}

func New(st store.Store, clock clockwork.Clock, attestationEnforced bool) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{Store: st, Clock: clock, AttestationEnforced: attestationEnforced}
}

// CreateTokenRequest is the admin-auth "create registration token" input (§4.1).
type CreateTokenRequest struct {
	TenantID      int64
	CreatorUserID int64
	Name          string
	TTL           time.Duration // defaults to 24h when zero
}

// CreateToken mints a single-use registration token and returns its
// plaintext exactly once; only the SHA-256 hash is persisted.
func (s *Service) CreateToken(ctx context.Context, req CreateTokenRequest) (*store.RegistrationToken, string, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	tok := &store.RegistrationToken{
		TenantID:      req.TenantID,
		CreatorUserID: req.CreatorUserID,
		Name:          req.Name,
		ExpiresAt:     s.Clock.Now().Add(ttl),
	}
	return s.Store.CreateRegistrationToken(ctx, tok)
}

// RegisterRequest is the no-auth (token-gated) "register agent" input (§4.1).
type RegisterRequest struct {
	PlaintextToken  string
	Name            string
	Hostname        string
	OSInfo          string
	Capabilities    []string
	AuthorizedRoots []string
	Version         string
	BinaryChecksum  string
	Platform        string
}

// RegisterResult is returned exactly once: the caller must persist the
// plaintext API key, since it is never recoverable afterward.
type RegisterResult struct {
	AgentGUID    string
	PlaintextKey string
	Name         string
	TenantGUID   string
}

// Register runs the full §4.1 algorithm: token lookup, lifecycle checks,
// attestation, API key generation, SYSTEM user + Agent creation, and
// marking the token used, all as a single atomic sequence delegated to
// Store.CompleteRegistration.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.Name == "" {
		return nil, apierr.New(apierr.ValidationError, "agent name is required")
	}
	if err := validateAuthorizedRoots(req.AuthorizedRoots); err != nil {
		return nil, err
	}

	// Step 1: SHA-256 the plaintext, look up the token.
	hash := sha256Hex(req.PlaintextToken)
	tok, err := s.Store.GetRegistrationTokenByHash(ctx, hash)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, apierr.New(apierr.InvalidToken, "registration token is invalid")
		}
		return nil, trace.Wrap(err)
	}

	// Step 2: lifecycle checks.
	if tok.UsedAt != nil {
		return nil, apierr.New(apierr.TokenUsed, "registration token has already been used")
	}
	if !tok.ExpiresAt.IsZero() && !s.Clock.Now().Before(tok.ExpiresAt) {
		return nil, apierr.New(apierr.TokenExpired, "registration token has expired")
	}

	// SPEC_FULL.md supplement: reject registering under a name already
	// in use by another non-revoked agent in the same tenant, so two
	// live agents never share an identity in admin tooling.
	if _, err := s.Store.GetAgentByNameIfActive(ctx, tok.TenantID, req.Name); err == nil {
		return nil, apierr.New(apierr.Conflict, "an active agent named %q already exists in this tenant", req.Name)
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	// Step 3: attestation.
	verified, err := s.checkAttestation(ctx, req.BinaryChecksum, req.Platform)
	if err != nil {
		return nil, err
	}

	// Step 4: generate the API key.
	rawKey, hashedKey, keyPrefix, err := generateAgentKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Step 5: synthetic SYSTEM user.
	suffix, err := randomSuffix(8)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	systemUser := &store.User{
		Email:       "agent-" + suffix + "@system.local",
		DisplayName: "Agent: " + req.Name,
		TenantID:    tok.TenantID,
	}

	// Step 6: the Agent record, initial status OFFLINE (applied by the store).
	agent := &store.Agent{
		TenantID:        tok.TenantID,
		CreatorUserID:   tok.CreatorUserID,
		Name:            req.Name,
		Hostname:        req.Hostname,
		OSInfo:          req.OSInfo,
		Capabilities:    req.Capabilities,
		AuthorizedRoots: req.AuthorizedRoots,
		HashedAPIKey:    hashedKey,
		APIKeyPrefix:    keyPrefix,
		Version:         req.Version,
		BinaryChecksum:  req.BinaryChecksum,
		Verified:        verified,
	}

	// Step 7: atomic create + mark-used, delegated to the store.
	outAgent, _, err := s.Store.CompleteRegistration(ctx, tok.ID, systemUser, agent)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	tenant, err := s.Store.GetTenantByID(ctx, tok.TenantID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &RegisterResult{
		AgentGUID:    outAgent.GUID,
		PlaintextKey: rawKey,
		Name:         outAgent.Name,
		TenantGUID:   tenant.GUID,
	}, nil
}

// checkAttestation implements §4.1 step 3: bootstrap mode when no
// manifest exists at all, dev-mode skip when enforcement is disabled by
// configuration, otherwise require a matching active manifest/platform.
func (s *Service) checkAttestation(ctx context.Context, checksum, platform string) (verified bool, err error) {
	count, err := s.Store.CountManifests(ctx)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if count == 0 {
		return false, nil // bootstrap mode
	}
	if !s.AttestationEnforced {
		return false, nil // development-only disable switch
	}

	if checksum == "" || platform == "" {
		return false, apierr.New(apierr.AttestationRequired, "binary checksum and platform are required for attestation")
	}

	manifest, _, err := s.Store.GetActiveManifestByChecksum(ctx, checksum)
	if err != nil {
		if trace.IsNotFound(err) {
			return false, apierr.New(apierr.AttestationFailed, "no active release manifest matches this binary checksum")
		}
		return false, trace.Wrap(err)
	}
	for _, p := range manifest.Platforms {
		if p == platform {
			return true, nil
		}
	}
	return false, apierr.New(apierr.AttestationFailed, "release manifest %q does not list platform %q", manifest.GUID, platform)
}

func validateAuthorizedRoots(roots []string) error {
	for _, r := range roots {
		if strings.Contains(r, "..") {
			return apierr.New(apierr.ValidationError, "authorized root %q must not contain '..' components", r)
		}
	}
	return nil
}

func generateAgentKey() (raw, hashed, prefix string, err error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", "", "", trace.Wrap(err)
	}
	raw = agentKeyPrefix + hex.EncodeToString(entropy)
	hashed = sha256Hex(raw)
	prefix = raw
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return raw, hashed, prefix, nil
}

func randomSuffix(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(b), nil
}
