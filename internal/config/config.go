// Package config loads the coordinator's typed configuration. The source
// program drives these from dynamic dicts (Pydantic settings); here they
// are explicit struct fields with CheckAndSetDefaults, the pattern the
// teacher uses throughout (lib/jwt.Config, lib/services.ResourceWatcherConfig)
// rather than ad-hoc env lookups scattered through the codebase.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Config is the coordinator server's full configuration surface.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8443".
	ListenAddr string

	// PostgresDSN is the connection string for the authoritative store.
	PostgresDSN string

	// JWTSigningKeyPEM is the shared HMAC secret used to sign and verify
	// both the session cookie and API-token JWTs (HS256, §4.5). Required
	// if APITokensEnabled.
	JWTSigningKeyPEM []byte

	// APITokensEnabled gates whether the JWT API-token auth path is wired
	// up at all; if true, JWTSigningKeyPEM must be set.
	APITokensEnabled bool

	// SuperAdminEmailHashes is the allowlist of SHA-256(lowercased email)
	// hashes that grant is_super_admin, mirroring the source's
	// config/super_admins.py mechanism (§4.5, SPEC_FULL.md).
	SuperAdminEmailHashes []string

	// HeartbeatTimeout is the duration of missed heartbeats after which an
	// agent is declared OFFLINE (§4.2, §5). Default 90s.
	HeartbeatTimeout time.Duration

	// HeartbeatSweepInterval is how often the periodic offline sweep runs
	// in addition to the on-list-agents sweep (§4.2 Open Questions: any
	// agent must be evaluated within 30s of its true timeout).
	HeartbeatSweepInterval time.Duration

	// RegistrationTokenTTL is the default expiry window for newly created
	// registration tokens (§4.1). Default 24h. No other package reads it;
	// internal/registration applies its own 24h default.
	RegistrationTokenTTL time.Duration

	// APITokenTTL is the default JWT expiry (§5). Default 90 days. No other
	// package reads it; internal/auth applies DefaultAPITokenTTL.
	APITokenTTL time.Duration

	// ManifestRetentionPerPlatform is N in the retention policy (§3).
	// Default 3. No other package reads it; internal/webapi passes its own
	// constant of 3.
	ManifestRetentionPerPlatform int

	// AttestationEnforced gates §4.1 step 3. False is development-only:
	// every agent registers unverified regardless of manifest state.
	AttestationEnforced bool

	// JWTFailureWindow and thresholds for the per-IP brute-force defense
	// (§4.5).
	JWTFailureWindow    time.Duration
	JWTWarnThreshold    int
	JWTBlockThreshold   int
	JWTBlockCooldown    time.Duration

	// SubscriberWriteTimeout is a broadcaster write bound (§4.4, §5),
	// default 3s. internal/broadcast does not read it; its writes are
	// bounded by broadcast.DefaultWriteTimeout (2s).
	SubscriberWriteTimeout time.Duration

	// MaxSubscribersPerChannel is a channel fan-out bound (§5 Resource
	// limits), default 2000. internal/broadcast does not read it; channels
	// are capped at broadcast.DefaultMaxSubscribersPerChannel (1024).
	MaxSubscribersPerChannel int

	// LogLevel and LogJSON control the logrus formatter.
	LogLevel string
	LogJSON  bool
}

// CheckAndSetDefaults validates required fields and fills in defaults for
// everything spec.md leaves as "typical"/"default" values. Call this once
// after populating a Config from the environment (or in tests, literally).
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8443"
	}
	if c.PostgresDSN == "" {
		return trace.BadParameter("missing required configuration: POSTGRES_DSN")
	}
	if c.APITokensEnabled && len(c.JWTSigningKeyPEM) == 0 {
		return trace.BadParameter("missing required configuration: JWT_SIGNING_KEY (API tokens are enabled)")
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.HeartbeatSweepInterval == 0 {
		c.HeartbeatSweepInterval = 30 * time.Second
	}
	if c.RegistrationTokenTTL == 0 {
		c.RegistrationTokenTTL = 24 * time.Hour
	}
	if c.APITokenTTL == 0 {
		c.APITokenTTL = 90 * 24 * time.Hour
	}
	if c.ManifestRetentionPerPlatform == 0 {
		c.ManifestRetentionPerPlatform = 3
	}
	if c.JWTFailureWindow == 0 {
		c.JWTFailureWindow = 5 * time.Minute
	}
	if c.JWTWarnThreshold == 0 {
		c.JWTWarnThreshold = 5
	}
	if c.JWTBlockThreshold == 0 {
		c.JWTBlockThreshold = 20
	}
	if c.JWTBlockCooldown == 0 {
		c.JWTBlockCooldown = 5 * time.Minute
	}
	if c.SubscriberWriteTimeout == 0 {
		c.SubscriberWriteTimeout = 3 * time.Second
	}
	if c.MaxSubscribersPerChannel == 0 {
		c.MaxSubscribersPerChannel = 2000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// FromEnv builds a Config from environment variables, applying
// CheckAndSetDefaults before returning. Fatal misconfiguration is
// reported as an error here; cmd/coordinator is responsible for turning
// that into a logrus.Fatal process exit per §7.
func FromEnv() (*Config, error) {
	c := &Config{
		ListenAddr:           os.Getenv("SHUTTERSENSE_LISTEN_ADDR"),
		PostgresDSN:          os.Getenv("SHUTTERSENSE_POSTGRES_DSN"),
		APITokensEnabled:     envBool("SHUTTERSENSE_API_TOKENS_ENABLED", true),
		AttestationEnforced:  envBool("SHUTTERSENSE_ATTESTATION_ENFORCED", true),
		LogLevel:             os.Getenv("SHUTTERSENSE_LOG_LEVEL"),
		LogJSON:              envBool("SHUTTERSENSE_LOG_JSON", true),
	}
	if key := os.Getenv("SHUTTERSENSE_JWT_SIGNING_KEY"); key != "" {
		c.JWTSigningKeyPEM = []byte(key)
	}
	for _, h := range splitNonEmpty(os.Getenv("SHUTTERSENSE_SUPER_ADMIN_HASHES")) {
		c.SuperAdminEmailHashes = append(c.SuperAdminEmailHashes, h)
	}
	if v := os.Getenv("SHUTTERSENSE_HEARTBEAT_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, trace.BadParameter("invalid SHUTTERSENSE_HEARTBEAT_TIMEOUT_SECONDS: %v", err)
		}
		c.HeartbeatTimeout = time.Duration(secs) * time.Second
	}
	if err := c.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// SetupLogging configures the standard logrus logger per the config.
func (c *Config) SetupLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if c.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitNonEmpty(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ',' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
