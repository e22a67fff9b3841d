package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetsim-labs/fleetsim/internal/config"
	"github.com/fleetsim-labs/fleetsim/internal/model"
	"github.com/fleetsim-labs/fleetsim/internal/service"
	"github.com/fleetsim-labs/fleetsim/internal/storage"
)

type stubFleet struct {
	pollCalls int
	devices   int
}

func (f *stubFleet) PollNow()         { f.pollCalls++ }
func (f *stubFleet) DeviceCount() int { return f.devices }

// stubStore serves a fixed fleet to the read-only services.
type stubStore struct {
	devices []*model.Device
	records []*model.DeploymentRecord
}

func (s *stubStore) SaveDevice(context.Context, *model.Device) error { return nil }

func (s *stubStore) GetDevice(_ context.Context, deviceID string) (*model.Device, error) {
	for _, d := range s.devices {
		if d.DeviceID == deviceID {
			return d, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *stubStore) ListDevices(context.Context) ([]*model.Device, error) { return s.devices, nil }

func (s *stubStore) ListDevicesByIndustry(_ context.Context, industry model.Industry) ([]*model.Device, error) {
	var out []*model.Device
	for _, d := range s.devices {
		if d.Industry == industry {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *stubStore) UpdateStatus(context.Context, string, model.DeviceState) error { return nil }
func (s *stubStore) UpdateArtifactVersion(context.Context, string, string) error   { return nil }
func (s *stubStore) UpdateAuthToken(context.Context, string, string) error         { return nil }
func (s *stubStore) UpdateLastPoll(context.Context, string, time.Time) error       { return nil }
func (s *stubStore) SaveDeploymentRecord(context.Context, *model.DeploymentRecord) error {
	return nil
}
func (s *stubStore) ListDeploymentRecords(context.Context) ([]*model.DeploymentRecord, error) {
	return s.records, nil
}
func (s *stubStore) Close() error { return nil }

func newTestServer(t *testing.T, authEnabled bool) (*Server, *stubFleet) {
	t.Helper()
	cfg := &config.Config{}
	cfg.HTTP.ReadTimeout = 5 * time.Second
	cfg.HTTP.WriteTimeout = 5 * time.Second
	cfg.Auth.Enabled = authEnabled
	cfg.Auth.Username = "operator"
	cfg.Auth.Password = "s3cret"
	cfg.Auth.JWTSecret = "unit-test-secret"

	store := &stubStore{
		devices: []*model.Device{
			{
				DeviceID:     "AUTO-automotive-000000",
				Industry:     model.IndustryAutomotive,
				DeviceType:   "automotive-gateway",
				CurrentState: model.StateIdle,
				AuthToken:    "device-token",
			},
		},
		records: []*model.DeploymentRecord{
			{
				ID:           "rec-1",
				DeviceID:     "AUTO-automotive-000000",
				DeploymentID: "dep-1",
				Status:       string(model.OutcomeSuccess),
				StartedAt:    time.Now().UTC(),
			},
		},
	}
	fleet := &stubFleet{devices: 1}
	srv := New(cfg, fleet,
		service.NewFleetService(store),
		service.NewHistoryService(store),
		service.NewAuthService(cfg),
	)
	return srv, fleet
}

func doJSON(t *testing.T, srv *Server, method, target, token string, body any) (*http.Response, model.BasicResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var parsed model.BasicResponse
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

func login(t *testing.T, srv *Server) string {
	t.Helper()
	resp, parsed := doJSON(t, srv, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "operator",
		"password": "s3cret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	data, ok := parsed.Data.(map[string]any)
	if !ok {
		t.Fatalf("login data = %v", parsed.Data)
	}
	token, _ := data["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}
	return token
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := srv.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Status  string `json:"status"`
		Devices int    `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" || payload.Devices != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t, true)
	resp, _ := doJSON(t, srv, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "operator",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	srv, fleet := newTestServer(t, true)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/fleet/poll", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated poll status = %d, want 401", resp.StatusCode)
	}
	if fleet.pollCalls != 0 {
		t.Error("unauthenticated request must not reach the fleet")
	}

	resp, _ = doJSON(t, srv, http.MethodGet, "/api/devices", "garbage-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad-token status = %d, want 401", resp.StatusCode)
	}
}

func TestPollNowEndpoint(t *testing.T) {
	srv, fleet := newTestServer(t, true)
	token := login(t, srv)

	resp, parsed := doJSON(t, srv, http.MethodPost, "/api/fleet/poll", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if fleet.pollCalls != 1 {
		t.Errorf("PollNow calls = %d, want 1", fleet.pollCalls)
	}
	if parsed.Code != model.SuccessCode {
		t.Errorf("response code = %q", parsed.Code)
	}
}

func TestDeviceEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, true)
	token := login(t, srv)

	resp, parsed := doJSON(t, srv, http.MethodGet, "/api/devices", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	views, ok := parsed.Data.([]any)
	if !ok || len(views) != 1 {
		t.Errorf("device list = %v", parsed.Data)
	}

	resp, _ = doJSON(t, srv, http.MethodGet, "/api/devices/AUTO-automotive-000000", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, srv, http.MethodGet, "/api/devices/missing", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", resp.StatusCode)
	}
}

func TestSummaryAndHistoryEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, true)
	token := login(t, srv)

	resp, parsed := doJSON(t, srv, http.MethodGet, "/api/fleet/summary", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d", resp.StatusCode)
	}
	summary, ok := parsed.Data.(map[string]any)
	if !ok || summary["totalDevices"] != float64(1) {
		t.Errorf("summary = %v", parsed.Data)
	}

	resp, parsed = doJSON(t, srv, http.MethodGet, "/api/deployments?status=success", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	page, ok := parsed.Data.(map[string]any)
	if !ok || page["total"] != float64(1) {
		t.Errorf("history page = %v", parsed.Data)
	}

	resp, parsed = doJSON(t, srv, http.MethodGet, "/api/deployments/count/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("count status = %d", resp.StatusCode)
	}
	counts, ok := parsed.Data.(map[string]any)
	if !ok || counts["success"] != float64(1) {
		t.Errorf("counts = %v", parsed.Data)
	}
}

func TestAuthDisabledOpensAPI(t *testing.T) {
	srv, fleet := newTestServer(t, false)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/fleet/poll", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with auth disabled = %d, want 200", resp.StatusCode)
	}
	if fleet.pollCalls != 1 {
		t.Errorf("PollNow calls = %d, want 1", fleet.pollCalls)
	}
}
