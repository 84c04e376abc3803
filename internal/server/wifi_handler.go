package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"poetcam/backend/camd/internal/mode"
	"poetcam/backend/camd/internal/netbackend"
	"poetcam/backend/camd/internal/wifi"
	"poetcam/backend/camd/pkg/httpx"
)

// WifiHandler exposes the connectivity lifecycle to the dashboard.
type WifiHandler struct {
	modes *mode.Controller
	store *wifi.Store
}

func NewWifiHandler(modes *mode.Controller, store *wifi.Store) *WifiHandler {
	return &WifiHandler{modes: modes, store: store}
}

func (h *WifiHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/scan", h.Scan)
	r.Get("/saved", h.Saved)
	r.Post("/connect", h.Connect)
	r.Post("/forget", h.Forget)
	r.Get("/status", h.Status)
	r.Post("/ap", h.APFallback)
	return r
}

// GET /api/wifi/scan
func (h *WifiHandler) Scan(w http.ResponseWriter, r *http.Request) {
	results, err := h.modes.Scan(r.Context())
	if err != nil {
		metricScans.WithLabelValues("error").Inc()
		if errors.Is(err, mode.ErrBusy) {
			httpx.WriteError(w, http.StatusConflict, "busy", "A network operation is in progress. Try again in a moment.")
			return
		}
		writeBackendError(w, err, "Failed to scan for networks.")
		return
	}
	metricScans.WithLabelValues("ok").Inc()
	networks := make([]netbackend.ScanResult, 0, len(results))
	networks = append(networks, results...)
	httpx.WriteOK(w, map[string]any{"networks": networks})
}

// GET /api/wifi/saved
func (h *WifiHandler) Saved(w http.ResponseWriter, r *http.Request) {
	type saved struct {
		Name        string `json:"name"`
		AutoConnect bool   `json:"autoconnect"`
	}
	networks := []saved{}
	for _, p := range h.store.List() {
		networks = append(networks, saved{Name: p.Name, AutoConnect: p.AutoConnect})
	}
	httpx.WriteOK(w, map[string]any{"networks": networks})
}

// POST /api/wifi/connect
func (h *WifiHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SSID        string `json:"ssid"`
		Password    string `json:"password"`
		AutoConnect *bool  `json:"autoconnect"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SSID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "ssid is required")
		return
	}
	auto := true
	if body.AutoConnect != nil {
		auto = *body.AutoConnect
	}

	if err := h.modes.Connect(r.Context(), body.SSID, body.Password, auto); err != nil {
		if kind := wifi.StoreKind(err); kind != "" {
			writeStoreError(w, kind)
			return
		}
		switch netbackend.KindOf(err) {
		case netbackend.KindAuthRejected:
			httpx.WriteError(w, http.StatusBadRequest, "auth_rejected", "The network rejected the password. Check it and try again.")
		case netbackend.KindTimeout:
			httpx.WriteError(w, http.StatusGatewayTimeout, "timeout", "Connecting to the network timed out.")
		default:
			httpx.WriteError(w, http.StatusInternalServerError, "internal", "Failed to connect to the network.")
		}
		return
	}
	observeMode(false, string(mode.StationConnected))
	httpx.WriteOK(w, map[string]any{"message": "Connected to " + body.SSID})
}

// POST /api/wifi/forget
func (h *WifiHandler) Forget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SSID string `json:"ssid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SSID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "ssid is required")
		return
	}
	if err := h.modes.Forget(r.Context(), body.SSID); err != nil {
		if kind := wifi.StoreKind(err); kind != "" {
			writeStoreError(w, kind)
			return
		}
		writeBackendError(w, err, "Failed to remove the network.")
		return
	}
	if h.modes.Status().APMode {
		observeMode(true, string(mode.AccessPointActive))
	}
	httpx.WriteOK(w, map[string]any{"message": "Removed " + body.SSID})
}

// GET /api/wifi/status
//
// The snapshot is reconciled against backend truth on every poll: a connect
// that timed out on our side may still have completed on the radio.
func (h *WifiHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.modes.Reconcile(r.Context())
	body := map[string]any{
		"connected": snap.Connected,
		"ap_mode":   snap.APMode,
	}
	if snap.SSID != "" {
		body["ssid"] = snap.SSID
	}
	if snap.IP != "" {
		body["ip_address"] = snap.IP
	}
	httpx.WriteOK(w, body)
}

// POST /api/wifi/ap
func (h *WifiHandler) APFallback(w http.ResponseWriter, r *http.Request) {
	if err := h.modes.TriggerAPFallback(r.Context()); err != nil {
		writeBackendError(w, err, "Failed to start the setup hotspot.")
		return
	}
	observeMode(true, string(mode.AccessPointActive))
	httpx.WriteOK(w, map[string]any{"message": "AP mode activated"})
}

func writeBackendError(w http.ResponseWriter, err error, fallback string) {
	switch netbackend.KindOf(err) {
	case netbackend.KindTimeout:
		httpx.WriteError(w, http.StatusGatewayTimeout, "timeout", "The network manager did not respond in time.")
	case netbackend.KindScanFailed:
		httpx.WriteError(w, http.StatusBadGateway, "scan_failed", "Failed to scan for networks.")
	case netbackend.KindAuthRejected:
		httpx.WriteError(w, http.StatusBadRequest, "auth_rejected", "The network rejected the password.")
	case netbackend.KindUnsupported:
		httpx.WriteError(w, http.StatusNotImplemented, "unsupported", "This operation is not supported on this device.")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "internal", fallback)
	}
}

func writeStoreError(w http.ResponseWriter, kind wifi.StoreErrorKind) {
	switch kind {
	case wifi.StoreLockContention:
		httpx.WriteError(w, http.StatusServiceUnavailable, "lock_contention", "The profile store is busy. Try again.")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "io_failure", "Failed to save network settings.")
	}
}
