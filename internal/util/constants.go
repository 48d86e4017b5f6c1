// Package util provides common utility functions and constants used across the
// chrome-server application. This package is intentionally kept free of imports
// from other internal/* packages except model, so that every layer can share it.
package util

import "time"

const (
	// MaxIncludeDepth is the maximum nesting level for include directives in
	// hosts-style routing files.
	// Used by: internal/hostsfile/parser.go (parseRecursive).
	MaxIncludeDepth = 16

	// KillGrace is how long an instance teardown may take during shutdown
	// before it is reported as a partial teardown.
	// Used by: internal/lifecycle and internal/instance (KillAll).
	KillGrace = 3 * time.Second

	// ProcessStopGrace is the delay between SIGTERM and SIGKILL when a kill
	// call carries no deadline of its own.
	ProcessStopGrace = 2 * time.Second

	// BrowserReadyTimeout bounds how long the launcher polls a fresh browser's
	// remote debugging endpoint before giving up.
	BrowserReadyTimeout = 20 * time.Second

	// DefaultRefreshSeconds is the fallback interval for the dashboard's
	// periodic instance refresh.
	// Used by: internal/ui/ui.go and internal/appconfig/config.go.
	DefaultRefreshSeconds = 3

	// DefaultTunnelPort is the port assumed for CONNECT targets without one.
	DefaultTunnelPort = 443

	// DefaultHTTPPort is the port assumed for absolute http:// URLs without one.
	DefaultHTTPPort = 80

	// LoopbackHost is where internal listeners bind.
	LoopbackHost = "127.0.0.1"
)
