package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"poetcam/backend/camd/internal/config"
	"poetcam/backend/camd/internal/mode"
	"poetcam/backend/camd/internal/netbackend"
	"poetcam/backend/camd/internal/reboot"
	"poetcam/backend/camd/internal/update"
	"poetcam/backend/camd/internal/wifi"
	"poetcam/backend/camd/pkg/shell"
)

type fakeBackend struct {
	mu          sync.Mutex
	scan        []netbackend.ScanResult
	scanErr     error
	current     *netbackend.ActiveConnectionInfo
	activateErr error
}

func (f *fakeBackend) Scan(context.Context) ([]netbackend.ScanResult, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.scan, nil
}

func (f *fakeBackend) Activate(_ context.Context, p wifi.NetworkProfile) (netbackend.ActiveConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return netbackend.ActiveConnectionInfo{}, f.activateErr
	}
	info := netbackend.ActiveConnectionInfo{Name: p.Name, SSID: p.SSID, IP: "192.168.1.50"}
	f.current = &info
	return info, nil
}

func (f *fakeBackend) Deactivate(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && f.current.Name == name {
		f.current = nil
	}
	return nil
}

func (f *fakeBackend) CurrentConnection(context.Context) (netbackend.ActiveConnectionInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return netbackend.ActiveConnectionInfo{}, false, nil
	}
	return *f.current, true, nil
}

func (f *fakeBackend) EnterAPMode(_ context.Context, ssid, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = &netbackend.ActiveConnectionInfo{Name: ssid, SSID: ssid, IP: "10.42.0.1", AP: true}
	return nil
}

func (f *fakeBackend) ExitAPMode(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && f.current.AP {
		f.current = nil
	}
	return nil
}

// gitResponder fakes the update orchestrator's subprocess runner; the
// longest matching argv prefix wins.
func gitResponder(responses map[string]func() (shell.Result, error)) update.RunFunc {
	return func(_ context.Context, _ time.Duration, _ string, name string, args ...string) (shell.Result, error) {
		argv := name + " " + strings.Join(args, " ")
		var bestLen int
		var best func() (shell.Result, error)
		for prefix, fn := range responses {
			if strings.HasPrefix(argv, prefix) && len(prefix) > bestLen {
				bestLen, best = len(prefix), fn
			}
		}
		if best != nil {
			return best()
		}
		return shell.Result{}, nil
	}
}

func gitOut(s string) func() (shell.Result, error) {
	return func() (shell.Result, error) { return shell.Result{Stdout: []byte(s)}, nil }
}

type harness struct {
	router  http.Handler
	backend *fakeBackend
	store   *wifi.Store
	modes   *mode.Controller
	repoDir string
}

func newHarness(t *testing.T, f *fakeBackend, git map[string]func() (shell.Result, error)) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := wifi.NewStore(filepath.Join(dir, "profiles.json"))
	if err != nil {
		t.Fatal(err)
	}

	modes := mode.NewController(f, store, "PoetCam", "poetcam-setup", zerolog.Nop())
	if err := modes.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	repoDir := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		t.Fatal(err)
	}
	updates := update.NewOrchestrator(update.Options{
		RepoDir: repoDir,
		Runner:  gitResponder(git),
	}, zerolog.Nop())

	reboots := reboot.NewCoordinator(time.Hour, []string{"true"}, zerolog.Nop())

	// A literal config keeps the harness deterministic: ambient CAMD_*
	// variables must not leak into router behavior.
	cfg := config.Config{
		LogLevel:    zerolog.Disabled,
		CORSOrigins: []string{"http://localhost:5173"},
	}

	return &harness{
		router: NewRouter(Deps{
			Config:  cfg,
			Modes:   modes,
			Store:   store,
			Updates: updates,
			Reboots: reboots,
		}),
		backend: f,
		store:   store,
		modes:   modes,
		repoDir: repoDir,
	}
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("bad JSON from %s %s: %v: %s", method, path, err, rec.Body.String())
		}
	}
	return rec.Code, payload
}

func TestHealth(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)
	code, body := h.do(t, http.MethodGet, "/api/health", "")
	if code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if body["ok"] != true {
		t.Fatalf("health body: %v", body)
	}
}

func TestScanReturnsNetworks(t *testing.T) {
	h := newHarness(t, &fakeBackend{scan: []netbackend.ScanResult{
		{SSID: "CoffeeShop", Signal: 80, Security: wifi.SecurityOpen},
		{SSID: "HomeNet", Signal: 72, Security: wifi.SecurityWPAPSK},
	}}, nil)

	code, body := h.do(t, http.MethodGet, "/api/wifi/scan", "")
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("scan = %d %v", code, body)
	}
	networks, ok := body["networks"].([]any)
	if !ok || len(networks) != 2 {
		t.Fatalf("networks: %v", body["networks"])
	}
}

func TestScanBackendFailure(t *testing.T) {
	h := newHarness(t, &fakeBackend{scanErr: &netbackend.Error{Kind: netbackend.KindScanFailed, Op: "scan"}}, nil)
	code, body := h.do(t, http.MethodGet, "/api/wifi/scan", "")
	if code != http.StatusBadGateway {
		t.Fatalf("scan failure = %d %v", code, body)
	}
	if body["success"] != false || body["kind"] != "scan_failed" {
		t.Fatalf("envelope: %v", body)
	}
}

func TestConnectLifecycle(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)

	// Fresh device: AP mode.
	code, body := h.do(t, http.MethodGet, "/api/wifi/status", "")
	if code != http.StatusOK || body["ap_mode"] != true || body["connected"] != false {
		t.Fatalf("fresh status = %d %v", code, body)
	}

	code, body = h.do(t, http.MethodPost, "/api/wifi/connect", `{"ssid":"HomeNet","password":"correctpw"}`)
	if code != http.StatusOK {
		t.Fatalf("connect = %d %v", code, body)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "HomeNet") {
		t.Fatalf("message: %v", body)
	}

	code, body = h.do(t, http.MethodGet, "/api/wifi/status", "")
	if code != http.StatusOK || body["connected"] != true || body["ssid"] != "HomeNet" {
		t.Fatalf("status after connect = %d %v", code, body)
	}
	if body["ip_address"] != "192.168.1.50" {
		t.Fatalf("ip: %v", body)
	}

	code, body = h.do(t, http.MethodGet, "/api/wifi/saved", "")
	if code != http.StatusOK {
		t.Fatalf("saved = %d", code)
	}
	saved, _ := body["networks"].([]any)
	if len(saved) != 1 {
		t.Fatalf("saved networks: %v", body["networks"])
	}
	entry := saved[0].(map[string]any)
	if entry["name"] != "HomeNet" || entry["autoconnect"] != true {
		t.Fatalf("saved entry: %v", entry)
	}
}

func TestConnectBadPassword(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		activateErr: &netbackend.Error{Kind: netbackend.KindAuthRejected, Op: "activate"},
	}, nil)

	code, body := h.do(t, http.MethodPost, "/api/wifi/connect", `{"ssid":"HomeNet","password":"wrongpw"}`)
	if code != http.StatusBadRequest || body["kind"] != "auth_rejected" {
		t.Fatalf("bad password = %d %v", code, body)
	}
	if len(h.store.List()) != 0 {
		t.Fatal("rejected password must not be saved")
	}
	// The device stays reachable on its hotspot.
	if _, status := h.do(t, http.MethodGet, "/api/wifi/status", ""); status["ap_mode"] != true {
		t.Fatalf("status: %v", status)
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, &fakeBackend{
		activateErr: &netbackend.Error{Kind: netbackend.KindTimeout, Op: "activate"},
	}, nil)
	code, body := h.do(t, http.MethodPost, "/api/wifi/connect", `{"ssid":"HomeNet","password":"pw"}`)
	if code != http.StatusGatewayTimeout || body["kind"] != "timeout" {
		t.Fatalf("timeout = %d %v", code, body)
	}
}

func TestConnectRequiresSSID(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)
	code, body := h.do(t, http.MethodPost, "/api/wifi/connect", `{"password":"pw"}`)
	if code != http.StatusBadRequest || body["kind"] != "invalid_request" {
		t.Fatalf("missing ssid = %d %v", code, body)
	}
}

func TestForgetActiveNetworkFallsBackToAP(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)
	if code, body := h.do(t, http.MethodPost, "/api/wifi/connect", `{"ssid":"HomeNet","password":"pw"}`); code != http.StatusOK {
		t.Fatalf("connect = %d %v", code, body)
	}

	code, body := h.do(t, http.MethodPost, "/api/wifi/forget", `{"ssid":"HomeNet"}`)
	if code != http.StatusOK {
		t.Fatalf("forget = %d %v", code, body)
	}
	if len(h.store.List()) != 0 {
		t.Fatal("profile should be gone")
	}
	if _, status := h.do(t, http.MethodGet, "/api/wifi/status", ""); status["ap_mode"] != true {
		t.Fatalf("status after forget: %v", status)
	}
}

func TestAPFallbackEndpoint(t *testing.T) {
	f := &fakeBackend{current: &netbackend.ActiveConnectionInfo{Name: "HomeNet", SSID: "HomeNet"}}
	h := newHarness(t, f, nil)

	code, body := h.do(t, http.MethodPost, "/api/wifi/ap", "")
	if code != http.StatusOK {
		t.Fatalf("ap = %d %v", code, body)
	}
	if _, status := h.do(t, http.MethodGet, "/api/wifi/status", ""); status["ap_mode"] != true {
		t.Fatalf("status: %v", status)
	}
}

func TestUpdatesCheck(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, map[string]func() (shell.Result, error){
		"git rev-list --count": gitOut("2"),
		"git log":              gitOut("abc123 Fix camera focus\ndef456 Update poem prompts"),
	})

	code, body := h.do(t, http.MethodGet, "/api/updates/check", "")
	if code != http.StatusOK || body["updates_available"] != true {
		t.Fatalf("check = %d %v", code, body)
	}
	if body["commits_behind"] != float64(2) {
		t.Fatalf("commits_behind: %v", body["commits_behind"])
	}
	commits, _ := body["commits"].([]any)
	if len(commits) != 2 {
		t.Fatalf("commits: %v", body["commits"])
	}
}

func TestUpdatesCheckUnreachable(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, map[string]func() (shell.Result, error){
		"git fetch": func() (shell.Result, error) {
			return shell.Result{Code: 128}, errors.New("could not resolve host")
		},
	})
	code, body := h.do(t, http.MethodGet, "/api/updates/check", "")
	if code != http.StatusGatewayTimeout || body["kind"] != "unreachable" {
		t.Fatalf("unreachable = %d %v", code, body)
	}
	if body["success"] != false {
		t.Fatalf("envelope: %v", body)
	}
}

func TestUpdatesApply(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, map[string]func() (shell.Result, error){
		"git rev-parse HEAD": gitOut("abc123def"),
		"git stash":          gitOut("No local changes to save"),
	})
	code, body := h.do(t, http.MethodPost, "/api/updates/apply", "")
	if code != http.StatusOK {
		t.Fatalf("apply = %d %v", code, body)
	}
	if body["from_revision"] != "abc123def" {
		t.Fatalf("report: %v", body)
	}
}

func TestUpdatesApplyFailureReportsRollback(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, map[string]func() (shell.Result, error){
		"git rev-parse HEAD": gitOut("abc123def"),
		"git stash":          gitOut("No local changes to save"),
		"git pull": func() (shell.Result, error) {
			return shell.Result{Code: 1, Stderr: []byte("merge conflict")}, errors.New("exit status 1")
		},
	})
	code, body := h.do(t, http.MethodPost, "/api/updates/apply", "")
	if code != http.StatusInternalServerError || body["kind"] != "apply_failed" {
		t.Fatalf("failed apply = %d %v", code, body)
	}
}

func TestRebootIsSingleFlight(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)

	code, body := h.do(t, http.MethodPost, "/api/system/reboot", "")
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("reboot = %d %v", code, body)
	}

	code, body = h.do(t, http.MethodPost, "/api/system/reboot", "")
	if code != http.StatusConflict || body["kind"] != "already_requested" {
		t.Fatalf("second reboot = %d %v", code, body)
	}
}

func TestSystemInfo(t *testing.T) {
	git := map[string]func() (shell.Result, error){
		"git rev-parse --short HEAD": gitOut("abc1234"),
	}
	h := newHarness(t, &fakeBackend{}, git)
	if err := os.WriteFile(filepath.Join(h.repoDir, "VERSION"), []byte("1.2.3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, body := h.do(t, http.MethodGet, "/api/system/info", "")
	if code != http.StatusOK {
		t.Fatalf("info = %d %v", code, body)
	}
	if body["version"] != "1.2.3" || body["revision"] != "abc1234" {
		t.Fatalf("info body: %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, &fakeBackend{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "camd_") {
		t.Fatal("expected camd metrics in exposition")
	}
}
