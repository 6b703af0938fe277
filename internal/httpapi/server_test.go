package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autopilotd/autopilot/internal/bounds"
	"github.com/autopilotd/autopilot/internal/card"
	"github.com/autopilotd/autopilot/internal/clockutil"
	"github.com/autopilotd/autopilot/internal/eventlog"
	"github.com/autopilotd/autopilot/internal/history"
	"github.com/autopilotd/autopilot/internal/scheduler"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()

	store, err := history.Open(t.TempDir(), history.NewHMACSigner([]byte("test-key")), nil)
	if err != nil {
		t.Fatalf("opening history store: %v", err)
	}

	bm := bounds.NewManager(bounds.DefaultConfig())
	if err := bm.Seed("selection_temperature", bounds.HardBounds{Min: 0.1, Max: 2.0}, 0.50, 1.20, 0.85); err != nil {
		t.Fatalf("seeding bounds: %v", err)
	}

	status := scheduler.NewAutopilotStatus(clockutil.NewReal())
	return New(nil, status, store, bm, nil, nil, nil, nil, "cfg-test", nil)
}

func doRequest(t *testing.T, api *API, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsHeadAndPauseState(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d: %s", rec.Code, rec.Body)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Paused {
		t.Fatal("expected not paused at bootstrap")
	}
	if resp.HeadVersionID == "" {
		t.Fatal("expected genesis head version id")
	}
	if resp.ConfigVersion != "cfg-test" {
		t.Fatalf("unexpected config version %q", resp.ConfigVersion)
	}
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/api/v1/pause", `{"duration_minutes": 60, "reason": "maintenance"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause code %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/status", "")
	var resp StatusResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Paused || resp.PauseReason != "maintenance" {
		t.Fatalf("expected paused for maintenance, got %+v", resp)
	}

	rec = doRequest(t, api, http.MethodPost, "/api/v1/resume", `{"operator_id": "op-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume code %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/status", "")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Paused {
		t.Fatalf("expected resumed, got %+v", resp)
	}
}

func TestPauseRejectsNonPositiveDuration(t *testing.T) {
	api := newTestAPI(t)
	rec := doRequest(t, api, http.MethodPost, "/api/v1/pause", `{"duration_minutes": 0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResumeRequiresOperatorID(t *testing.T) {
	api := newTestAPI(t)
	rec := doRequest(t, api, http.MethodPost, "/api/v1/resume", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBoundsEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/api/v1/bounds", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list bounds code %d", rec.Code)
	}
	var list []bounds.ParameterBounds
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding bounds list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "selection_temperature" {
		t.Fatalf("unexpected bounds list: %+v", list)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/bounds/selection_temperature", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get bounds code %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/bounds/unknown_param", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown parameter, got %d", rec.Code)
	}
}

func TestVersionsAndCardEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodGet, "/api/v1/versions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list versions code %d", rec.Code)
	}
	var versions []history.ParameterVersion
	if err := json.Unmarshal(rec.Body.Bytes(), &versions); err != nil {
		t.Fatalf("decoding versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected genesis version only, got %d", len(versions))
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/versions/no-such-version", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown version, got %d", rec.Code)
	}

	rec = doRequest(t, api, http.MethodGet, "/api/v1/card", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get card code %d: %s", rec.Code, rec.Body)
	}
}

func TestRollbackRestoresPriorVersionAndAudits(t *testing.T) {
	api := newTestAPI(t)

	audit, err := eventlog.Open[AuditRecord](filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatalf("opening audit journal: %v", err)
	}
	api.SetAuditJournal(audit)

	genesis, headCard, err := api.history.Head()
	if err != nil {
		t.Fatalf("reading head: %v", err)
	}
	changed := headCard.Set("selection_temperature", card.Num(0.92))
	if _, err := api.history.StoreVersion(context.Background(), changed, nil, "test change"); err != nil {
		t.Fatalf("storing version: %v", err)
	}

	rec := doRequest(t, api, http.MethodPost,
		"/api/v1/versions/"+genesis.VersionID+"/rollback",
		`{"operator_id": "op-1", "reason": "bad change"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback code %d: %s", rec.Code, rec.Body)
	}

	_, restored, err := api.history.Head()
	if err != nil {
		t.Fatalf("reading head after rollback: %v", err)
	}
	if _, ok := restored.Get("selection_temperature"); ok {
		t.Fatal("expected rollback to restore the pre-change card")
	}

	records, err := audit.All()
	if err != nil {
		t.Fatalf("reading audit journal: %v", err)
	}
	if len(records) != 1 || records[0].Action != "rollback" || records[0].OperatorID != "op-1" {
		t.Fatalf("unexpected audit records: %+v", records)
	}
}

func TestRollbackRequiresOperatorID(t *testing.T) {
	api := newTestAPI(t)
	rec := doRequest(t, api, http.MethodPost, "/api/v1/versions/whatever/rollback", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCanaryEmergencyStopTogglesStatus(t *testing.T) {
	api := newTestAPI(t)

	rec := doRequest(t, api, http.MethodPost, "/api/v1/canary/emergency-stop", `{"stop": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("emergency stop code %d", rec.Code)
	}
	if !api.status.CanaryEmergencyStop() {
		t.Fatal("expected canary emergency stop set")
	}

	doRequest(t, api, http.MethodPost, "/api/v1/canary/emergency-stop", `{"stop": false}`)
	if api.status.CanaryEmergencyStop() {
		t.Fatal("expected canary emergency stop cleared")
	}
}
