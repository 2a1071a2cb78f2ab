// Package config holds the top-level NetGuard daemon configuration,
// generalized from the teacher's rawtcp.Config / Validate() idiom
// (a plain struct, a DefaultConfig constructor, and a Validate method
// that also fills in any auto-derivable fields).
package config

import (
	"fmt"
	"time"

	"github.com/netguard-dev/netguard/internal/logging"
)

// Config is the full daemon configuration, as loaded from command-line
// flags by cmd/netguardd.
type Config struct {
	// Interface is the network interface to monitor/shape.
	Interface string

	// Backend selects the Platform Backend implementation:
	// "intercept" (user-space capture/reinject) or "kernelshape"
	// (kernel-pipe HTB shaping).
	Backend string

	// CaptureBackend selects the intercept backend's capture
	// mechanism: "auto", "pcap", or "afpacket". Ignored for kernelshape.
	CaptureBackend string

	// Mode is the Capture Engine's initial state: "monitor" or "enforce".
	Mode string

	// RulesPath is the path to the YAML rules file applied at startup.
	// Empty disables startup rule application.
	RulesPath string

	// SocketBuffer is the capture buffer size in bytes for the
	// intercept backend. 0 uses the backend's own default.
	SocketBuffer int

	// ResolverInterval is the Process-Endpoint Resolver's refresh
	// period. Default 500ms, per spec.md.
	ResolverInterval time.Duration

	// Logging controls the ambient logger.
	Logging logging.Config
}

// DefaultConfig returns a Config with spec.md's defaults: intercept
// backend, auto capture mechanism, monitor mode, 500ms resolver tick.
func DefaultConfig() *Config {
	return &Config{
		Backend:          "intercept",
		CaptureBackend:   "auto",
		Mode:             "monitor",
		ResolverInterval: 500 * time.Millisecond,
		Logging:          logging.DefaultConfig(),
	}
}

// Validate checks the configuration, filling in any fields that have
// a sensible derivable default still unset.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("config: Interface must be specified")
	}
	switch c.Backend {
	case "intercept", "kernelshape":
	case "":
		c.Backend = "intercept"
	default:
		return fmt.Errorf("config: unknown Backend %q", c.Backend)
	}
	switch c.CaptureBackend {
	case "auto", "pcap", "afpacket":
	case "":
		c.CaptureBackend = "auto"
	default:
		return fmt.Errorf("config: unknown CaptureBackend %q", c.CaptureBackend)
	}
	switch c.Mode {
	case "monitor", "enforce":
	case "":
		c.Mode = "monitor"
	default:
		return fmt.Errorf("config: unknown Mode %q", c.Mode)
	}
	if c.ResolverInterval <= 0 {
		c.ResolverInterval = 500 * time.Millisecond
	}
	return nil
}
