// Package mode owns the device's connectivity state machine: client on a
// home network (station) or broadcasting the setup hotspot (access point).
// The controller is the single writer of that state; everyone else reads
// snapshots.
package mode

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"poetcam/backend/camd/internal/netbackend"
	"poetcam/backend/camd/internal/wifi"
)

// State is the controller's position in the lifecycle.
type State string

const (
	StationConnected    State = "station_connected"
	StationDisconnected State = "station_disconnected"
	AccessPointActive   State = "access_point"
)

// ErrBusy reports that a radio operation is already in flight. Radio
// commands on this hardware cannot interleave, so a scan issued mid-connect
// fails fast instead of queueing.
var ErrBusy = errors.New("radio operation in progress")

// Snapshot is a point-in-time view handed to readers.
type Snapshot struct {
	State     State
	Connected bool
	APMode    bool
	SSID      string
	IP        string
}

// Controller drives AP/STA transitions against the network backend and
// keeps the credential store consistent with what the radio is doing.
type Controller struct {
	backend  netbackend.Backend
	store    *wifi.Store
	apSSID   string
	apSecret string
	log      zerolog.Logger

	// radioMu serializes mutating radio operations (connect, forget,
	// AP switches). Scan try-locks it and surfaces ErrBusy.
	radioMu sync.Mutex

	// stateMu guards the snapshot fields below.
	stateMu sync.RWMutex
	state   State
	current netbackend.ActiveConnectionInfo
}

func NewController(backend netbackend.Backend, store *wifi.Store, apSSID, apSecret string, log zerolog.Logger) *Controller {
	return &Controller{
		backend:  backend,
		store:    store,
		apSSID:   apSSID,
		apSecret: apSecret,
		log:      log.With().Str("component", "mode").Logger(),
		state:    StationDisconnected,
	}
}

// Init probes the backend for the starting state. A device with no active
// connection comes up as an access point: it must stay reachable for
// configuration even when its saved credentials are wrong or missing.
func (c *Controller) Init(ctx context.Context) error {
	c.radioMu.Lock()
	defer c.radioMu.Unlock()

	info, ok, err := c.backend.CurrentConnection(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("initial connection probe failed; falling back to AP mode")
	}
	if ok && !info.AP {
		c.setState(StationConnected, info)
		c.log.Info().Str("ssid", info.SSID).Msg("starting in station mode")
		return nil
	}
	if ok && info.AP {
		c.setState(AccessPointActive, info)
		c.log.Info().Msg("starting with hotspot already active")
		return nil
	}
	if err := c.backend.EnterAPMode(ctx, c.apSSID, c.apSecret); err != nil {
		c.setState(StationDisconnected, netbackend.ActiveConnectionInfo{})
		return err
	}
	c.setState(AccessPointActive, netbackend.ActiveConnectionInfo{Name: c.apSSID, SSID: c.apSSID, AP: true})
	c.log.Info().Str("ssid", c.apSSID).Msg("no connection; hotspot started")
	return nil
}

// Connect joins a network, creating or updating its profile. Connecting to
// the SSID that is already active is an idempotent success: the radio is not
// re-authenticated, though the stored secret is still refreshed so a changed
// password takes effect on the next association.
func (c *Controller) Connect(ctx context.Context, ssid, secret string, autoConnect bool) error {
	c.radioMu.Lock()
	defer c.radioMu.Unlock()

	profile := wifi.NetworkProfile{
		Name:        wifi.ProfileName(ssid),
		SSID:        ssid,
		Secret:      secret,
		AutoConnect: autoConnect,
		Security:    wifi.SecurityWPAPSK,
	}
	if secret == "" {
		profile.Security = wifi.SecurityOpen
	}

	prevState, prevInfo := c.snapshotState()
	if prevState == StationConnected && (prevInfo.SSID == ssid || prevInfo.Name == profile.Name) {
		return c.store.Upsert(profile)
	}

	// One active radio mode at a time: the hotspot comes down before the
	// station association starts, never concurrently with it.
	if prevState == AccessPointActive {
		if err := c.backend.ExitAPMode(ctx); err != nil {
			return err
		}
	}

	info, err := c.backend.Activate(ctx, profile)
	if err != nil {
		// Auth rejection or timeout leaves the store untouched and does
		// not start an automatic AP fallback; flapping into a hotspot on
		// a typo would be worse than the failure. But if we tore the
		// hotspot down above, restore it so the device stays reachable.
		if prevState == AccessPointActive {
			if apErr := c.backend.EnterAPMode(ctx, c.apSSID, c.apSecret); apErr != nil {
				c.log.Error().Err(apErr).Msg("failed to restore hotspot after connect failure")
				c.setState(StationDisconnected, netbackend.ActiveConnectionInfo{})
			}
		}
		c.log.Warn().Err(err).Str("ssid", ssid).Msg("connect failed")
		return err
	}

	if err := c.store.Upsert(profile); err != nil {
		// The association succeeded; report the persistence failure
		// without undoing it.
		c.setState(StationConnected, info)
		return err
	}
	c.setState(StationConnected, info)
	c.log.Info().Str("ssid", ssid).Str("ip", info.IP).Msg("connected")
	return nil
}

// Forget removes a profile. Forgetting the active connection also drops the
// association and brings the hotspot up in the same transition: the device
// must never sit connected to a profile that no longer exists.
func (c *Controller) Forget(ctx context.Context, name string) error {
	c.radioMu.Lock()
	defer c.radioMu.Unlock()

	name = wifi.ProfileName(name)
	_, info := c.snapshotState()
	active := info.Name == name && !info.AP

	if err := c.store.Remove(name); err != nil {
		return err
	}
	if !active {
		return nil
	}
	if err := c.backend.Deactivate(ctx, name); err != nil {
		c.log.Warn().Err(err).Str("connection", name).Msg("deactivate failed during forget")
	}
	if err := c.backend.EnterAPMode(ctx, c.apSSID, c.apSecret); err != nil {
		c.setState(StationDisconnected, netbackend.ActiveConnectionInfo{})
		return err
	}
	c.setState(AccessPointActive, netbackend.ActiveConnectionInfo{Name: c.apSSID, SSID: c.apSSID, AP: true})
	c.log.Info().Str("connection", name).Msg("forgot active network; hotspot started")
	return nil
}

// Scan sweeps for visible networks. It refuses to interleave with an
// in-flight radio mutation.
func (c *Controller) Scan(ctx context.Context) ([]netbackend.ScanResult, error) {
	if !c.radioMu.TryLock() {
		return nil, ErrBusy
	}
	defer c.radioMu.Unlock()
	return c.backend.Scan(ctx)
}

// TriggerAPFallback forces the hotspot up, regardless of current state.
// This backs the physical "held button" path for devices whose saved
// networks are all out of reach. NetworkManager preempts any station
// association when the hotspot claims the interface.
func (c *Controller) TriggerAPFallback(ctx context.Context) error {
	c.radioMu.Lock()
	defer c.radioMu.Unlock()

	if err := c.backend.EnterAPMode(ctx, c.apSSID, c.apSecret); err != nil {
		return err
	}
	c.setState(AccessPointActive, netbackend.ActiveConnectionInfo{Name: c.apSSID, SSID: c.apSSID, AP: true})
	c.log.Info().Msg("manual AP fallback")
	return nil
}

// Status returns the current snapshot without touching the radio.
func (c *Controller) Status() Snapshot {
	state, info := c.snapshotState()
	return Snapshot{
		State:     state,
		Connected: state == StationConnected,
		APMode:    state == AccessPointActive,
		SSID:      info.SSID,
		IP:        info.IP,
	}
}

// Reconcile refreshes the snapshot from backend-reported truth. Timed-out
// radio commands may still have completed in the background, so polling
// reads go through here rather than trusting the last assumed outcome.
// The active-connection query is read-only and safe alongside radio ops.
func (c *Controller) Reconcile(ctx context.Context) Snapshot {
	info, ok, err := c.backend.CurrentConnection(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("reconcile probe failed; serving cached state")
		return c.Status()
	}
	switch {
	case ok && info.AP:
		c.setState(AccessPointActive, info)
	case ok:
		c.setState(StationConnected, info)
	default:
		c.setState(StationDisconnected, netbackend.ActiveConnectionInfo{})
	}
	return c.Status()
}

func (c *Controller) setState(s State, info netbackend.ActiveConnectionInfo) {
	c.stateMu.Lock()
	c.state = s
	c.current = info
	c.stateMu.Unlock()
}

func (c *Controller) snapshotState() (State, netbackend.ActiveConnectionInfo) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state, c.current
}
