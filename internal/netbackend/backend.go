// Package netbackend abstracts the OS network manager behind a capability
// interface: the mode controller speaks in scans, activations and AP
// switches, and never in subprocess syntax. The production implementation
// shells out to nmcli; tests substitute fakes.
package netbackend

import (
	"context"
	"errors"
	"fmt"

	"poetcam/backend/camd/internal/wifi"
)

// ScanResult is one visible network. Results are ephemeral: produced fresh
// per scan, never cached past the response.
type ScanResult struct {
	SSID     string        `json:"ssid"`
	Signal   int           `json:"signal"` // 0-100
	Security wifi.Security `json:"security"`
}

// ActiveConnectionInfo describes the connection the radio currently holds.
type ActiveConnectionInfo struct {
	Name string `json:"name"`
	SSID string `json:"ssid"`
	IP   string `json:"ip_address,omitempty"`
	UUID string `json:"uuid,omitempty"`
	AP   bool   `json:"ap"`
}

// Backend is the capability surface over the OS network manager. Calls are
// blocking I/O bounded by internal timeouts; a deadline hit surfaces
// KindTimeout while the underlying command may still complete, so callers
// re-read CurrentConnection instead of assuming the outcome.
type Backend interface {
	Scan(ctx context.Context) ([]ScanResult, error)
	Activate(ctx context.Context, profile wifi.NetworkProfile) (ActiveConnectionInfo, error)
	Deactivate(ctx context.Context, name string) error
	CurrentConnection(ctx context.Context) (ActiveConnectionInfo, bool, error)
	EnterAPMode(ctx context.Context, ssid, secret string) error
	ExitAPMode(ctx context.Context) error
}

type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindScanFailed   Kind = "scan_failed"
	KindAuthRejected Kind = "auth_rejected"
	KindUnsupported  Kind = "unsupported"
)

// Error is a backend failure with a machine-checkable kind. The wrapped
// cause carries subprocess detail for logs; it is never shown to clients.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("netbackend %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("netbackend %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from err, or "" for non-backend errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
