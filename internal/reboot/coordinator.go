// Package reboot defers a system restart until after the requesting client
// has its confirmation, and answers liveness probes so the dashboard can
// detect the device coming back.
package reboot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"poetcam/backend/camd/pkg/shell"
)

// ErrAlreadyRequested reports a second reboot request while one is pending.
var ErrAlreadyRequested = errors.New("reboot already requested")

type runFunc func(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error)

// Coordinator issues the OS restart on a background timer. Its state is
// process-wide and transient: a fresh process has no pending reboot, which
// is exactly right because a fresh process means the reboot happened.
type Coordinator struct {
	delay time.Duration
	cmd   []string
	run   runFunc
	log   zerolog.Logger

	mu          sync.Mutex
	requestedAt time.Time
	pending     bool
}

func NewCoordinator(delay time.Duration, cmd []string, log zerolog.Logger) *Coordinator {
	if len(cmd) == 0 {
		cmd = []string{"shutdown", "-r", "now"}
	}
	return &Coordinator{
		delay: delay,
		cmd:   cmd,
		run:   shell.Run,
		log:   log.With().Str("component", "reboot").Logger(),
	}
}

// Request records the reboot and returns a commit function. The caller
// invokes commit only after the confirmation response has been written and
// flushed to the client; the restart command then fires after the
// configured delay on a background timer, never on the request path.
func (c *Coordinator) Request() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		return nil, ErrAlreadyRequested
	}
	c.pending = true
	c.requestedAt = time.Now()
	c.log.Info().Dur("delay", c.delay).Msg("reboot requested")

	return func() {
		time.AfterFunc(c.delay, func() {
			c.log.Info().Msg("issuing system restart")
			if _, err := c.run(context.Background(), time.Minute, c.cmd[0], c.cmd[1:]...); err != nil {
				c.log.Error().Err(err).Msg("restart command failed")
				c.mu.Lock()
				c.pending = false
				c.mu.Unlock()
			}
		})
	}, nil
}

// Probe is the liveness answer: side-effect free, true whenever the process
// is serving requests. Clients poll it across the restart window.
func (c *Coordinator) Probe() bool { return true }

// Pending reports whether a reboot has been requested and when.
func (c *Coordinator) Pending() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestedAt, c.pending
}
