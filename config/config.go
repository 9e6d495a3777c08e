// Package config implements the configuration surface of SPEC_FULL
// §11.4: a TOML file parsed with github.com/BurntSushi/toml into a
// versioned, atomically-swappable *Version, and the CLI flags parsed
// with github.com/spf13/pflag that select where that file lives and how
// the process runs.
package config

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
)

// ListenerConfig describes one socket the network thread should open
// (spec §6's "listener definitions").
type ListenerConfig struct {
	Role    string `toml:"role"` // "auth", "acct", or "proxy"
	Address string `toml:"address"`
	Clients []string `toml:"clients"` // allowed peer IPs; empty means "any"
}

// Raw is the on-disk TOML shape. Durations are plain seconds on disk
// (TOML has no native duration type); Version converts them.
type Raw struct {
	MaxRequests      int    `toml:"max_requests"`
	MaxRequestTime   int    `toml:"max_request_time"`
	CleanupDelay     int    `toml:"cleanup_delay"`
	ProxyRetryDelay  int    `toml:"proxy_retry_delay"`
	ProxyRetryCount  int    `toml:"proxy_retry_count"`
	ProxyDeadTime    int    `toml:"proxy_dead_time"`
	RejectDelay      int    `toml:"reject_delay"`
	StatusServer     bool   `toml:"status_server"`
	StatusServerAddr string `toml:"status_server_addr"`
	AllowCoreDumps   bool   `toml:"allow_core_dumps"`
	WakeAllIfAllDead bool   `toml:"wake_all_if_all_dead"`
	ProxySynchronous bool   `toml:"proxy_synchronous"`

	Listeners []ListenerConfig `toml:"listener"`
}

// Version is one immutable, fully-resolved configuration generation
// (spec §5: "Global configuration: versioned; reload creates a new
// version and marks the old one drainable. Requests carry a reference
// to the version they started under.").
type Version struct {
	Generation int64

	MaxRequests    int
	MaxRequestTime time.Duration
	CleanupDelay   time.Duration

	ProxyRetryDelay  time.Duration
	ProxyRetryCount  int
	ProxyDeadTime    time.Duration
	ProxySynchronous bool

	RejectDelay time.Duration

	StatusServer     bool
	StatusServerAddr string
	AllowCoreDumps   bool
	WakeAllIfAllDead bool

	Listeners []ListenerConfig
}

func durationOrDefault(seconds, def int) time.Duration {
	if seconds <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// Resolve applies defaults and converts Raw's plain-integer seconds
// fields into the Durations the rest of the engine consumes.
func (r Raw) Resolve(generation int64) *Version {
	maxRequests := r.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1 << 16
	}
	return &Version{
		Generation:       generation,
		MaxRequests:      maxRequests,
		MaxRequestTime:   durationOrDefault(r.MaxRequestTime, 30),
		CleanupDelay:     durationOrDefault(r.CleanupDelay, 30),
		ProxyRetryDelay:  durationOrDefault(r.ProxyRetryDelay, 5),
		ProxyRetryCount:  r.ProxyRetryCount,
		ProxyDeadTime:    durationOrDefault(r.ProxyDeadTime, 30),
		ProxySynchronous: r.ProxySynchronous,
		RejectDelay:      durationOrDefault(r.RejectDelay, 0),
		StatusServer:     r.StatusServer,
		StatusServerAddr: r.StatusServerAddr,
		AllowCoreDumps:   r.AllowCoreDumps,
		WakeAllIfAllDead: r.WakeAllIfAllDead,
		Listeners:        r.Listeners,
	}
}

// Load parses path as TOML and resolves it into a Version stamped with
// generation (the reload sequence number).
func Load(path string, generation int64) (*Version, error) {
	var raw Raw
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return raw.Resolve(generation), nil
}

// Store holds the currently-active Version behind an atomic pointer, so
// readers never observe a half-applied reload (spec §5's "atomically
// swaps the version pointer").
type Store struct {
	v atomic.Pointer[Version]
}

// NewStore seeds a Store with an initial version.
func NewStore(v *Version) *Store {
	s := &Store{}
	s.v.Store(v)
	return s
}

// Current returns the active version.
func (s *Store) Current() *Version { return s.v.Load() }

// Swap installs next as the active version and returns the version it
// replaced (the caller drains requests still referencing the old one).
func (s *Store) Swap(next *Version) *Version {
	return s.v.Swap(next)
}

// ClientAddrs resolves a ListenerConfig's string client list into
// netip.Addr, silently skipping any that fail to parse.
func (l ListenerConfig) ClientAddrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(l.Clients))
	for _, c := range l.Clients {
		if a, err := netip.ParseAddr(c); err == nil {
			out = append(out, a)
		}
	}
	return out
}
