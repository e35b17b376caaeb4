package auth

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// hmacKey signs and verifies HS256 tokens with a single shared secret,
// the scheme §4.5 specifies for JWT API tokens; the admin session cookie
// reuses the same mechanism rather than introducing a second key type.
type hmacKey struct {
	clock  clockwork.Clock
	secret []byte
}

func newHMACKey(clock clockwork.Clock, secret []byte) (*hmacKey, error) {
	if len(secret) == 0 {
		return nil, trace.BadParameter("JWT signing secret is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &hmacKey{clock: clock, secret: secret}, nil
}

func (k *hmacKey) signer() (jose.Signer, error) {
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: k.secret},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sig, nil
}

func (k *hmacKey) sign(claims interface{}) (string, error) {
	sig, err := k.signer()
	if err != nil {
		return "", trace.Wrap(err)
	}
	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

func (k *hmacKey) verify(raw string, out interface{}) error {
	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := tok.Claims(k.secret, out); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// sessionIssuer and apiTokenIssuer distinguish the two claim shapes this
// coordinator signs with the same shared secret.
const (
	sessionIssuer  = "shuttersense-coordinator-session"
	apiTokenIssuer = "shuttersense-coordinator-api-token"
)

// SessionClaims are carried in the admin web session cookie: the User
// GUID identifying the interactive HUMAN account and the super-admin bit
// resolved once at sign time from the email-hash allowlist (§4.5), so
// every later request trusts the signed claim instead of re-hashing.
type SessionClaims struct {
	jwt.Claims
	UserGUID     string `json:"user_guid"`
	TenantGUID   string `json:"tenant_guid"`
	IsSuperAdmin bool   `json:"is_super_admin"`
}

func (k *hmacKey) signSession(userGUID, tenantGUID string, isSuperAdmin bool, ttl time.Duration) (string, error) {
	now := k.clock.Now()
	return k.sign(SessionClaims{
		Claims: jwt.Claims{
			Subject:   userGUID,
			Issuer:    sessionIssuer,
			NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
			IssuedAt:  jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		},
		UserGUID:     userGUID,
		TenantGUID:   tenantGUID,
		IsSuperAdmin: isSuperAdmin,
	})
}

func (k *hmacKey) verifySession(raw string) (*SessionClaims, error) {
	var out SessionClaims
	if err := k.verify(raw, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := out.Validate(jwt.Expected{Issuer: sessionIssuer, Time: k.clock.Now()}); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// APITokenClaims are the self-contained claims embedded in a bearer API
// token (§4.5, §6): type is always literally "api_token" so the gate can
// reject any other JWT shape outright, tenant/system-user identify the
// synthetic identity the token acts as, and scopes bound what it may do.
type APITokenClaims struct {
	jwt.Claims
	Type         string   `json:"type"`
	TenantID     int64    `json:"tenant_id"`
	SystemUserID int64    `json:"system_user_id"`
	Scopes       []string `json:"scopes"`
}

func (k *hmacKey) signAPIToken(subject string, tenantID, systemUserID int64, scopes []string, ttl time.Duration) (string, error) {
	now := k.clock.Now()
	return k.sign(APITokenClaims{
		Claims: jwt.Claims{
			Subject:   subject,
			Issuer:    apiTokenIssuer,
			NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
			IssuedAt:  jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:         "api_token",
		TenantID:     tenantID,
		SystemUserID: systemUserID,
		Scopes:       scopes,
	})
}

func (k *hmacKey) verifyAPIToken(raw string) (*APITokenClaims, error) {
	var out APITokenClaims
	if err := k.verify(raw, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := out.Validate(jwt.Expected{Issuer: apiTokenIssuer, Time: k.clock.Now()}); err != nil {
		return nil, trace.Wrap(err)
	}
	if out.Type != "api_token" {
		return nil, trace.BadParameter("unexpected jwt type %q", out.Type)
	}
	return &out, nil
}
