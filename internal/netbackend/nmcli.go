package netbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"poetcam/backend/camd/internal/wifi"
	"poetcam/backend/camd/pkg/shell"
)

// nmcli exit codes we care about. 4 is "connection activation failed", which
// for wifi in practice means the supplicant gave up on the secrets.
const (
	nmcliActivationFailed = 4
	nmcliNotActive        = 10
)

// Options configures the nmcli-backed implementation.
type Options struct {
	Iface          string
	APConnection   string
	APSSID         string
	APSecret       string
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// runFunc matches shell.Run; tests substitute canned results.
type runFunc func(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error)

// NMCLI drives NetworkManager through the nmcli CLI.
type NMCLI struct {
	opts Options
	run  runFunc
	log  zerolog.Logger
}

func NewNMCLI(opts Options, log zerolog.Logger) *NMCLI {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	return &NMCLI{opts: opts, run: shell.Run, log: log.With().Str("component", "nmcli").Logger()}
}

var _ Backend = (*NMCLI)(nil)

func (n *NMCLI) Scan(ctx context.Context) ([]ScanResult, error) {
	// A failed rescan is not fatal: the radio may be busy and the list
	// below still returns the last sweep.
	if _, err := n.run(ctx, n.opts.ScanTimeout, "nmcli", "device", "wifi", "rescan", "ifname", n.opts.Iface); err != nil {
		if errors.Is(err, shell.ErrTimeout) {
			return nil, &Error{Kind: KindTimeout, Op: "scan", Err: err}
		}
		n.log.Debug().Err(err).Msg("wifi rescan failed; listing cached results")
	}
	res, err := n.run(ctx, n.opts.ScanTimeout, "nmcli", "-t", "-f", "SSID,SIGNAL,SECURITY", "device", "wifi", "list", "ifname", n.opts.Iface)
	if err != nil {
		if errors.Is(err, shell.ErrTimeout) {
			return nil, &Error{Kind: KindTimeout, Op: "scan", Err: err}
		}
		return nil, &Error{Kind: KindScanFailed, Op: "scan", Err: err}
	}
	return parseScanList(res.Lines(), n.opts.APSSID), nil
}

func (n *NMCLI) Activate(ctx context.Context, profile wifi.NetworkProfile) (ActiveConnectionInfo, error) {
	name := profile.Name
	if name == "" {
		name = wifi.ProfileName(profile.SSID)
	}

	if n.connectionExists(ctx, name) {
		if profile.Secret != "" {
			if _, err := n.run(ctx, n.opts.ConnectTimeout, "nmcli", "connection", "modify", name, "wifi-sec.psk", profile.Secret); err != nil {
				return ActiveConnectionInfo{}, n.classifyActivate(err, shell.Result{})
			}
		}
		res, err := n.run(ctx, n.opts.ConnectTimeout, "nmcli", "connection", "up", name)
		if err != nil {
			return ActiveConnectionInfo{}, n.classifyActivate(err, res)
		}
	} else {
		args := []string{"device", "wifi", "connect", profile.SSID}
		if profile.Security != wifi.SecurityOpen && profile.Secret != "" {
			args = append(args, "password", profile.Secret)
		}
		args = append(args, "name", name, "ifname", n.opts.Iface)
		res, err := n.run(ctx, n.opts.ConnectTimeout, "nmcli", args...)
		if err != nil {
			return ActiveConnectionInfo{}, n.classifyActivate(err, res)
		}
	}

	auto := "no"
	if profile.AutoConnect {
		auto = "yes"
	}
	if _, err := n.run(ctx, n.opts.ScanTimeout, "nmcli", "connection", "modify", name, "connection.autoconnect", auto); err != nil {
		n.log.Warn().Err(err).Str("connection", name).Msg("failed to set autoconnect")
	}

	if info, ok, err := n.CurrentConnection(ctx); err == nil && ok {
		return info, nil
	}
	return ActiveConnectionInfo{Name: name, SSID: profile.SSID}, nil
}

func (n *NMCLI) Deactivate(ctx context.Context, name string) error {
	// Delete rather than down: dropping the NetworkManager profile both
	// disconnects an active association and prevents auto-reconnect to a
	// network the user asked to forget.
	res, err := n.run(ctx, n.opts.ConnectTimeout, "nmcli", "connection", "delete", name)
	if err != nil {
		if errors.Is(err, shell.ErrTimeout) {
			return &Error{Kind: KindTimeout, Op: "deactivate", Err: err}
		}
		if res.Code == nmcliNotActive {
			return nil // already absent
		}
		return fmt.Errorf("delete connection %q: %w", name, err)
	}
	return nil
}

func (n *NMCLI) CurrentConnection(ctx context.Context) (ActiveConnectionInfo, bool, error) {
	res, err := n.run(ctx, n.opts.ScanTimeout, "nmcli", "-t", "-f", "NAME,UUID,TYPE,DEVICE", "connection", "show", "--active")
	if err != nil {
		if errors.Is(err, shell.ErrTimeout) {
			return ActiveConnectionInfo{}, false, &Error{Kind: KindTimeout, Op: "current", Err: err}
		}
		return ActiveConnectionInfo{}, false, fmt.Errorf("list active connections: %w", err)
	}
	name, id, ok := activeWirelessRow(res.Lines(), n.opts.Iface)
	if !ok {
		return ActiveConnectionInfo{}, false, nil
	}
	info := ActiveConnectionInfo{Name: name, UUID: id, AP: name == n.opts.APConnection}
	if info.AP {
		info.SSID = n.opts.APSSID
	} else if r, err := n.run(ctx, 10*time.Second, "iwgetid", "-r"); err == nil {
		info.SSID = r.Text()
	}
	if r, err := n.run(ctx, 10*time.Second, "hostname", "-I"); err == nil {
		if fields := strings.Fields(r.Text()); len(fields) > 0 {
			info.IP = fields[0]
		}
	}
	return info, true, nil
}

func (n *NMCLI) EnterAPMode(ctx context.Context, ssid, secret string) error {
	// The hotspot profile usually exists from provisioning; bringing it up
	// is the fast path. Create it on first use otherwise.
	res, err := n.run(ctx, n.opts.ConnectTimeout, "nmcli", "connection", "up", n.opts.APConnection)
	if err == nil {
		return nil
	}
	if errors.Is(err, shell.ErrTimeout) {
		return &Error{Kind: KindTimeout, Op: "enter_ap", Err: err}
	}
	n.log.Info().Int("code", res.Code).Msg("AP profile missing or failed to start; creating hotspot")
	res, err = n.run(ctx, n.opts.ConnectTimeout, "nmcli", "device", "wifi", "hotspot",
		"ifname", n.opts.Iface, "con-name", n.opts.APConnection, "ssid", ssid, "password", secret)
	if err != nil {
		if errors.Is(err, shell.ErrTimeout) {
			return &Error{Kind: KindTimeout, Op: "enter_ap", Err: err}
		}
		return fmt.Errorf("start hotspot: %w: %s", err, firstLine(res.Stderr))
	}
	return nil
}

func (n *NMCLI) ExitAPMode(ctx context.Context) error {
	res, err := n.run(ctx, n.opts.ConnectTimeout, "nmcli", "connection", "down", n.opts.APConnection)
	if err != nil {
		if errors.Is(err, shell.ErrTimeout) {
			return &Error{Kind: KindTimeout, Op: "exit_ap", Err: err}
		}
		if res.Code == nmcliNotActive {
			return nil // AP already down
		}
		return fmt.Errorf("stop hotspot: %w", err)
	}
	return nil
}

func (n *NMCLI) connectionExists(ctx context.Context, name string) bool {
	res, err := n.run(ctx, n.opts.ScanTimeout, "nmcli", "-t", "-f", "NAME,TYPE", "connection", "show")
	if err != nil {
		return false
	}
	for _, existing := range savedWirelessNames(res.Lines()) {
		if existing == name {
			return true
		}
	}
	return false
}

func (n *NMCLI) classifyActivate(err error, res shell.Result) error {
	if errors.Is(err, shell.ErrTimeout) {
		return &Error{Kind: KindTimeout, Op: "activate", Err: err}
	}
	stderr := strings.ToLower(string(res.Stderr))
	if res.Code == nmcliActivationFailed || strings.Contains(stderr, "secrets were required") {
		return &Error{Kind: KindAuthRejected, Op: "activate", Err: err}
	}
	return fmt.Errorf("activate connection: %w: %s", err, firstLine(res.Stderr))
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
