package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Settings are the runtime knobs that can change while the server runs.
// New connections pick up the current values; open connections keep the
// ones they were accepted with.
type Settings struct {
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
}

// DefaultSettings returns the settings used when none are supplied.
func DefaultSettings() Settings {
	return Settings{
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

func sanitizeSettings(s Settings) Settings {
	def := DefaultSettings()
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = def.MaxMessageSize
	}
	if s.RateLimit.Burst <= 0 {
		s.RateLimit.Burst = def.RateLimit.Burst
	}
	if s.RateLimit.RefillInterval <= 0 {
		s.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	s.AllowedOrigins = append([]string(nil), s.AllowedOrigins...)
	return s
}

// runtimeSettings guards the active Settings together with the origin set
// derived from them.
type runtimeSettings struct {
	mu        sync.RWMutex
	active    Settings
	origins   map[string]struct{}
	allowAll  bool
	originLog zerolog.Logger
}

func newRuntimeSettings(s Settings, logger zerolog.Logger) *runtimeSettings {
	rs := &runtimeSettings{originLog: logger}
	rs.apply(s)
	return rs
}

func (rs *runtimeSettings) apply(s Settings) {
	s = sanitizeSettings(s)
	normalized, allowAll := normalizeOrigins(s.AllowedOrigins, rs.originLog)
	s.AllowedOrigins = normalized

	origins := make(map[string]struct{}, len(normalized))
	for _, origin := range normalized {
		origins[origin] = struct{}{}
	}

	rs.mu.Lock()
	rs.active = s
	rs.origins = origins
	rs.allowAll = allowAll
	rs.mu.Unlock()
}

func (rs *runtimeSettings) current() Settings {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	s := rs.active
	s.AllowedOrigins = append([]string(nil), s.AllowedOrigins...)
	return s
}

func (rs *runtimeSettings) originAllowed(normalized string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.allowAll {
		return true
	}
	_, ok := rs.origins[normalized]
	return ok
}
