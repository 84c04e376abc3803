// Package update orchestrates software updates for the device: a single git
// checkout tracking one remote branch. Checking compares local and remote
// revisions; applying pulls, verifies the result is structurally sound, and
// rolls back to the pinned revision when it is not — the device must never
// be left on a revision that cannot start.
package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"poetcam/backend/camd/pkg/shell"
)

type ErrorKind string

const (
	KindUnreachable       ErrorKind = "unreachable"
	KindAlreadyInProgress ErrorKind = "already_in_progress"
	KindApplyFailed       ErrorKind = "apply_failed"
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("update: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func KindOf(err error) ErrorKind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// State is the orchestrator's view of the update channel. It lives in
// memory only and resets to unknown on process start and after every
// successful apply.
type State struct {
	Known                  bool      `json:"known"`
	LastCheckedAt          time.Time `json:"last_checked_at"`
	CommitsBehind          int       `json:"commits_behind"`
	PendingCommitSummaries []string  `json:"pending_commits"`
	ApplyInProgress        bool      `json:"apply_in_progress"`
}

// ApplyReport describes a completed apply.
type ApplyReport struct {
	FromRevision string `json:"from_revision"`
	ToRevision   string `json:"to_revision"`
}

// RunFunc matches shell.RunDir; tests substitute canned git results.
type RunFunc func(ctx context.Context, timeout time.Duration, dir, name string, args ...string) (shell.Result, error)

// Orchestrator serializes applies (at most one in flight) while checks and
// state reads proceed freely.
type Orchestrator struct {
	repoDir      string
	remote       string
	branch       string
	selfCheck    []string
	fetchTimeout time.Duration
	applyTimeout time.Duration
	run          RunFunc
	log          zerolog.Logger

	mu       sync.Mutex
	applying bool
	state    State
}

type Options struct {
	RepoDir      string
	Remote       string
	Branch       string
	SelfCheckCmd []string
	FetchTimeout time.Duration
	ApplyTimeout time.Duration

	// Runner overrides the subprocess runner; nil means shell.RunDir.
	Runner RunFunc
}

func NewOrchestrator(opts Options, log zerolog.Logger) *Orchestrator {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if len(opts.SelfCheckCmd) == 0 {
		opts.SelfCheckCmd = []string{"git", "fsck", "--no-progress"}
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = time.Minute
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 2 * time.Minute
	}
	if opts.Runner == nil {
		opts.Runner = shell.RunDir
	}
	return &Orchestrator{
		repoDir:      opts.RepoDir,
		remote:       opts.Remote,
		branch:       opts.Branch,
		selfCheck:    opts.SelfCheckCmd,
		fetchTimeout: opts.FetchTimeout,
		applyTimeout: opts.ApplyTimeout,
		run:          opts.Runner,
		log:          log.With().Str("component", "update").Logger(),
	}
}

// State returns a copy of the current update state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state
	st.PendingCommitSummaries = append([]string(nil), st.PendingCommitSummaries...)
	return st
}

// Check fetches the remote and counts how far behind the checkout is. A
// network failure surfaces KindUnreachable and leaves the previous state
// untouched: stale-but-present beats erased.
func (o *Orchestrator) Check(ctx context.Context) (State, error) {
	if _, err := o.run(ctx, o.fetchTimeout, o.repoDir, "git", "fetch", o.remote); err != nil {
		return o.State(), &Error{Kind: KindUnreachable, Err: err}
	}

	// Past the fetch, failures are local repo problems, not network ones,
	// so they carry no kind and surface as plain internal errors.
	upstream := o.remote + "/" + o.branch
	res, err := o.run(ctx, o.fetchTimeout, o.repoDir, "git", "rev-list", "--count", "HEAD.."+upstream)
	if err != nil {
		return o.State(), fmt.Errorf("rev-list %s: %w", upstream, err)
	}
	behind, err := strconv.Atoi(res.Text())
	if err != nil {
		return o.State(), fmt.Errorf("parse rev-list count %q: %w", res.Text(), err)
	}

	var commits []string
	if behind > 0 {
		if res, err := o.run(ctx, o.fetchTimeout, o.repoDir, "git", "log", "HEAD.."+upstream, "--oneline", "--no-decorate"); err == nil {
			commits = res.Lines()
		}
	}

	o.mu.Lock()
	o.state.Known = true
	o.state.LastCheckedAt = time.Now()
	o.state.CommitsBehind = behind
	o.state.PendingCommitSummaries = commits
	st := o.state
	o.mu.Unlock()

	o.log.Info().Int("commits_behind", behind).Msg("update check complete")
	return st, nil
}

// Apply pulls the remote branch onto the checkout. At most one apply runs at
// a time; a concurrent call fails fast with KindAlreadyInProgress and
// changes nothing. The revision in place before the pull is pinned first,
// and a failed pull or failed self-check rolls straight back to it.
// Apply never reboots: restarting is a separate, explicit client decision.
func (o *Orchestrator) Apply(ctx context.Context) (ApplyReport, error) {
	o.mu.Lock()
	if o.applying {
		o.mu.Unlock()
		return ApplyReport{}, &Error{Kind: KindAlreadyInProgress}
	}
	o.applying = true
	o.state.ApplyInProgress = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.applying = false
		o.state.ApplyInProgress = false
		o.mu.Unlock()
	}()

	pinned, err := o.revParse(ctx, "HEAD")
	if err != nil {
		return ApplyReport{}, &Error{Kind: KindApplyFailed, Err: fmt.Errorf("pin current revision: %w", err)}
	}

	// Local edits (device settings committed into the tree, tweaks made
	// over SSH) are stashed around the pull and restored afterwards.
	stashed := o.stash(ctx)

	if res, err := o.run(ctx, o.applyTimeout, o.repoDir, "git", "pull", o.remote, o.branch); err != nil {
		o.rollback(ctx, pinned)
		if stashed {
			o.unstash(ctx)
		}
		o.log.Error().Err(err).Msg("pull failed; rolled back")
		return ApplyReport{}, &Error{Kind: KindApplyFailed, Err: fmt.Errorf("pull: %w: %s", err, firstLine(res.Stderr))}
	}

	if err := o.verify(ctx); err != nil {
		o.rollback(ctx, pinned)
		if stashed {
			o.unstash(ctx)
		}
		o.log.Error().Err(err).Msg("post-pull verification failed; rolled back")
		return ApplyReport{}, &Error{Kind: KindApplyFailed, Err: err}
	}

	if stashed {
		o.unstash(ctx)
	}

	head, err := o.revParse(ctx, "HEAD")
	if err != nil {
		head = "unknown"
	}

	// The old pending-commit view is meaningless against the new head.
	o.mu.Lock()
	o.state = State{}
	o.mu.Unlock()

	o.log.Info().Str("from", pinned).Str("to", head).Msg("update applied")
	return ApplyReport{FromRevision: pinned, ToRevision: head}, nil
}

// CurrentRevision returns the short hash of HEAD, or "unknown".
func (o *Orchestrator) CurrentRevision(ctx context.Context) string {
	res, err := o.run(ctx, 10*time.Second, o.repoDir, "git", "rev-parse", "--short", "HEAD")
	if err != nil {
		return "unknown"
	}
	return res.Text()
}

// Version reads the VERSION file at the repo root, or "unknown".
func (o *Orchestrator) Version() string {
	data, err := os.ReadFile(filepath.Join(o.repoDir, "VERSION"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}

func (o *Orchestrator) revParse(ctx context.Context, ref string) (string, error) {
	res, err := o.run(ctx, 10*time.Second, o.repoDir, "git", "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

func (o *Orchestrator) stash(ctx context.Context) bool {
	res, err := o.run(ctx, 30*time.Second, o.repoDir, "git", "stash")
	if err != nil {
		o.log.Warn().Err(err).Msg("stash failed; continuing without")
		return false
	}
	return !strings.Contains(res.Text(), "No local changes")
}

func (o *Orchestrator) unstash(ctx context.Context) {
	if _, err := o.run(ctx, 30*time.Second, o.repoDir, "git", "stash", "pop"); err != nil {
		o.log.Warn().Err(err).Msg("stash pop failed; local changes remain stashed")
	}
}

func (o *Orchestrator) rollback(ctx context.Context, revision string) {
	if _, err := o.run(ctx, time.Minute, o.repoDir, "git", "reset", "--hard", revision); err != nil {
		// The device may now be on a broken revision; this is the one
		// failure the orchestrator cannot absorb, so say it loudly.
		o.log.Error().Err(err).Str("revision", revision).Msg("rollback failed")
	}
}

func (o *Orchestrator) verify(ctx context.Context) error {
	if len(o.selfCheck) == 0 {
		return nil
	}
	res, err := o.run(ctx, time.Minute, o.repoDir, o.selfCheck[0], o.selfCheck[1:]...)
	if err != nil {
		return fmt.Errorf("self-check %q: %w: %s", strings.Join(o.selfCheck, " "), err, firstLine(res.Stderr))
	}
	return nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
