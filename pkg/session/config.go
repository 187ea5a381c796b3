package session

import (
	"fmt"
	"time"

	"github.com/coriolis-automation/goeip/pkg/cip"
	"github.com/coriolis-automation/goeip/pkg/pccc"
)

// neverDisconnect is the "never" sentinel for AutoDisconnect (spec.md §6:
// "default 'never' — represented as a very large sentinel").
const neverDisconnect = 365 * 24 * time.Hour

// Config is the typed replacement for the attribute-string bag an
// external tag-name parser would otherwise hand the session (spec.md §6,
// §12.2). It is validated and defaulted in one place, the way the teacher
// defaults RegisterSessionData.
type Config struct {
	Gateway            string   // host[:port], default port 44818
	Path               cip.Path // CIP routing path to the target device
	ConnectionGroupID  int
	PlcKind            cip.PlcKind
	UseConnectedMsg    *bool // nil = derive from PlcKind
	ShareSession       bool
	AutoDisconnect     time.Duration // 0 = default (never)
	VendorID           uint16
	OriginatorSerialID uint32
	RegisterTimeout    time.Duration
	RequestTimeout     time.Duration
	ConnectTimeout     time.Duration

	// DHPRoute, set only for a PCCC-class PlcKind reached across a DH+
	// link attached to the gateway's backplane (spec.md §4.4, §9). A
	// zero-value DHPRoute addresses the gateway's own PCCC processor
	// directly.
	DHPRoute pccc.DHPRoute
}

// DefaultConfig returns a Config with the teacher's conventional defaults
// applied, matching eip.NewRegisterSessionData's "sensible defaults"
// pattern.
func DefaultConfig(gateway string) Config {
	return Config{
		Gateway:            gateway,
		ConnectionGroupID:  0,
		PlcKind:            cip.PlcLogix,
		ShareSession:       true,
		AutoDisconnect:     neverDisconnect,
		VendorID:           0x0001, // Rockwell Automation vendor id
		OriginatorSerialID: 0x00000001,
		RegisterTimeout:    5 * time.Second,
		RequestTimeout:     5 * time.Second,
		ConnectTimeout:     5 * time.Second,
	}
}

// normalize fills in zero-valued fields with defaults and validates the
// rest. Called once at session creation.
func (c *Config) normalize() error {
	if c.Gateway == "" {
		return fmt.Errorf("session: Config.Gateway is required")
	}
	if c.AutoDisconnect == 0 {
		c.AutoDisconnect = neverDisconnect
	}
	if c.RegisterTimeout == 0 {
		c.RegisterTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.VendorID == 0 {
		c.VendorID = 0x0001
	}
	return nil
}

// useConnectedMsg resolves the effective connected-vs-unconnected policy.
func (c *Config) useConnectedMsg() bool {
	return c.UseConnectedMessaging()
}

// UseConnectedMessaging resolves the effective connected-vs-unconnected
// policy: an explicit UseConnectedMsg override, or the PlcKind default.
// Exported so pkg/client can pick the right request.Kind without
// duplicating PlcKind's defaulting rule.
func (c *Config) UseConnectedMessaging() bool {
	if c.UseConnectedMsg != nil {
		return *c.UseConnectedMsg
	}
	return c.PlcKind.DefaultUseConnectedMsg()
}

// Key returns the registry dedup key for this config: (host, path,
// connection-group).
func (c *Config) Key() string {
	return fmt.Sprintf("%s|%x|%d", c.Gateway, []byte(c.Path), c.ConnectionGroupID)
}
