package server

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/host"

	"poetcam/backend/camd/internal/reboot"
	"poetcam/backend/camd/internal/update"
	"poetcam/backend/camd/pkg/httpx"
)

// SystemHandler exposes update orchestration, reboot, and device info.
type SystemHandler struct {
	updates *update.Orchestrator
	reboots *reboot.Coordinator
}

func NewSystemHandler(updates *update.Orchestrator, reboots *reboot.Coordinator) *SystemHandler {
	return &SystemHandler{updates: updates, reboots: reboots}
}

func (h *SystemHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/info", h.Info)
	r.Post("/reboot", h.Reboot)
	return r
}

func (h *SystemHandler) UpdateRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/check", h.CheckUpdates)
	r.Post("/apply", h.ApplyUpdates)
	return r
}

// GET /api/updates/check
func (h *SystemHandler) CheckUpdates(w http.ResponseWriter, r *http.Request) {
	st, err := h.updates.Check(r.Context())
	if err != nil {
		metricUpdateChecks.WithLabelValues("error").Inc()
		if update.KindOf(err) == update.KindUnreachable {
			httpx.WriteError(w, http.StatusGatewayTimeout, "unreachable", "Failed to check for updates. Check your internet connection.")
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Failed to check for updates.")
		return
	}
	metricUpdateChecks.WithLabelValues("ok").Inc()
	commits := st.PendingCommitSummaries
	if commits == nil {
		commits = []string{}
	}
	httpx.WriteOK(w, map[string]any{
		"updates_available": st.CommitsBehind > 0,
		"commits_behind":    st.CommitsBehind,
		"commits":           commits,
	})
}

// POST /api/updates/apply
func (h *SystemHandler) ApplyUpdates(w http.ResponseWriter, r *http.Request) {
	report, err := h.updates.Apply(r.Context())
	if err != nil {
		metricUpdateApplies.WithLabelValues("error").Inc()
		switch update.KindOf(err) {
		case update.KindAlreadyInProgress:
			httpx.WriteError(w, http.StatusConflict, "already_in_progress", "An update is already being applied.")
		case update.KindApplyFailed:
			httpx.WriteError(w, http.StatusInternalServerError, "apply_failed", "The update failed and the previous version was restored.")
		default:
			httpx.WriteError(w, http.StatusInternalServerError, "internal", "Failed to apply updates.")
		}
		return
	}
	metricUpdateApplies.WithLabelValues("ok").Inc()
	httpx.WriteOK(w, map[string]any{
		"message":       "Updates applied successfully. Reboot to complete the update.",
		"from_revision": report.FromRevision,
		"to_revision":   report.ToRevision,
	})
}

// POST /api/system/reboot
//
// The confirmation must reach the client before connectivity drops, so the
// restart timer is armed only after the response body is flushed.
func (h *SystemHandler) Reboot(w http.ResponseWriter, r *http.Request) {
	commit, err := h.reboots.Request()
	if err != nil {
		if errors.Is(err, reboot.ErrAlreadyRequested) {
			httpx.WriteError(w, http.StatusConflict, "already_requested", "A reboot is already scheduled.")
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "Failed to schedule reboot.")
		return
	}
	httpx.WriteOK(w, map[string]any{"message": "Device is rebooting..."})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	commit()
}

// GET /api/system/info
func (h *SystemHandler) Info(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"version":  h.updates.Version(),
		"revision": h.updates.CurrentRevision(r.Context()),
	}
	if hostname, err := os.Hostname(); err == nil {
		body["hostname"] = hostname
	}
	if info, err := host.Info(); err == nil {
		body["uptime"] = info.Uptime
		body["platform"] = info.Platform + " " + info.PlatformVersion
	}
	if st := h.updates.State(); st.Known {
		body["updates_available"] = st.CommitsBehind > 0
		body["commits_behind"] = st.CommitsBehind
	}
	if at, pending := h.reboots.Pending(); pending {
		body["reboot_requested_at"] = at
	}
	httpx.WriteOK(w, body)
}
