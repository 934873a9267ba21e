package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"coverline/internal/app"
	"coverline/internal/config"
	"coverline/internal/db"
	"coverline/internal/domain"
	"coverline/internal/engine"
	"coverline/internal/events"
	"coverline/internal/logging"
	"coverline/internal/migrate"
	"coverline/internal/observability"
	"coverline/internal/repo"
)

const testSecret = "test-secret"

const fourByTwo = `
name: four-by-two
tick_ms: 1
constraints:
  max_gap_ms: 10
required_active_per_domain: 1
capacity_per_unit: 2
rotation:
  rotation_period_ms: 50
  min_dwell_ms: 5
domains: [nav, comms]
units: [u1, u2, u3, u4]
`

type testServer struct {
	URL    string
	runner *app.Runner
	client *http.Client
	token  string
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	rn := &app.Runner{
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{DB: conn},
		Metrics: metrics,
		Log:     logging.Discard(),
	}
	handler, err := New(Config{
		Runner:   rn,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Log:      logging.Discard(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	token, err := SignToken(testSecret, "tester", []string{"*"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		runner: rn,
		client: &http.Client{},
		token:  token,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func (s *testServer) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v (%s)", out, err, string(data))
	}
	return out
}

func putMission(t *testing.T, srv *testServer, name, doc string) {
	t.Helper()
	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/missions/"+name, PutMissionRequest{YAML: doc}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put mission status %d: %s", res.StatusCode, data)
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"schema_version":1`) {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}

func TestMutationsRequireToken(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/missions/patrol", PutMissionRequest{YAML: fourByTwo}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	envelope := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}

	res, _ = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/missions/patrol", PutMissionRequest{YAML: fourByTwo},
		map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	readOnly, err := SignToken(testSecret, "viewer", nil, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/missions/patrol", PutMissionRequest{YAML: fourByTwo},
		map[string]string{"Authorization": "Bearer " + readOnly})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, data)
	}
}

func TestMissionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	putMission(t, srv, "patrol", fourByTwo)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/missions/patrol", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get mission status %d: %s", res.StatusCode, data)
	}
	got := decode[MissionResponse](t, data)
	if got.Name != "patrol" || !got.Feasibility.Feasible || got.Feasibility.Fmax != 3 {
		t.Fatalf("unexpected mission %+v", got)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/missions/patrol/check?faulted=4", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, data)
	}
	check := decode[MissionCheckResponse](t, data)
	if check.Feasibility.Feasible {
		t.Fatalf("four faults out of four units should be infeasible")
	}
	if len(check.Audit.Warnings) != 1 || check.Audit.Warnings[0] != "MISSING_REST_DOMAIN" {
		t.Fatalf("unexpected audit %+v", check.Audit)
	}

	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/missions/bad", PutMissionRequest{YAML: "tick_ms: 0\n"}, srv.auth())
	if res.StatusCode != http.StatusBadRequest || !strings.Contains(string(data), "invalid_mission") {
		t.Fatalf("expected invalid_mission, got %d: %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v0/missions/patrol", nil, srv.auth())
	if res.StatusCode >= 300 {
		t.Fatalf("delete status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/missions/patrol", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestFeasibilityInline(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/feasibility", FeasibilityRequest{
		MissionRef: MissionRef{YAML: fourByTwo},
		Faulted:    3,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("feasibility status %d: %s", res.StatusCode, data)
	}
	feas := decode[engine.FeasibilityResult](t, data)
	if !feas.Feasible || feas.AliveUnits != 1 || feas.Supply != 2 || feas.Demand != 2 {
		t.Fatalf("unexpected feasibility %+v", feas)
	}
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/feasibility", FeasibilityRequest{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without a mission, got %d", res.StatusCode)
	}
}

func TestRunAndTimeline(t *testing.T) {
	srv := newTestServer(t)
	putMission(t, srv, "patrol", fourByTwo)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/runs", RunRequest{
		MissionRef: MissionRef{Mission: "patrol"},
		Ticks:      30,
		Faults:     []engine.FaultEvent{{Unit: "u1", Kind: engine.FaultTemporary, DurationTicks: 3}},
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, data)
	}
	out := decode[app.RunOutcome](t, data)
	if out.Run.Status != "PASS" || out.Result.Ticks != 30 {
		t.Fatalf("unexpected outcome %+v", out.Run)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/runs?mission=patrol", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs status %d: %s", res.StatusCode, data)
	}
	runs := decode[[]domain.Run](t, data)
	if len(runs) != 1 || runs[0].ID != out.Run.ID {
		t.Fatalf("unexpected runs %+v", runs)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/runs/"+out.Run.ID+"/timeline?domain=nav", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline status %d: %s", res.StatusCode, data)
	}
	rows := decode[[]domain.TimelineRow](t, data)
	if len(rows) == 0 || rows[0].Tick != 1 {
		t.Fatalf("timeline should start at tick 1: %+v", rows)
	}
	for _, row := range rows {
		if row.Domain != "nav" {
			t.Fatalf("domain filter ignored: %+v", row)
		}
	}

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/runs/nope/timeline", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", res.StatusCode)
	}
}

func TestSweepEndpoint(t *testing.T) {
	srv := newTestServer(t)
	fmax := 4
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sweeps", SweepRequest{
		MissionRef: MissionRef{YAML: fourByTwo},
		Fmax:       &fmax,
		Ticks:      20,
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, data)
	}
	out := decode[SweepResponse](t, data)
	first := out.Report.FirstFailure()
	if first == nil || first.N != 4 || first.Cause != engine.CauseInfeasible {
		t.Fatalf("expected N=4 infeasible, got %+v", out.Report)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/sweeps/"+out.Sweep.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get sweep status %d: %s", res.StatusCode, data)
	}
	stored := decode[SweepResponse](t, data)
	if len(stored.Report.Levels) != 5 || stored.Sweep.Passed {
		t.Fatalf("unexpected stored sweep %+v", stored.Sweep)
	}
}

func TestSessionControl(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/sessions", MissionRef{YAML: fourByTwo}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open status %d: %s", res.StatusCode, data)
	}
	st := decode[app.SessionState](t, data)
	base := srv.URL + "/v0/sessions/" + st.ID

	res, data = doJSON(t, srv.client, http.MethodPost, base+"/step", StepRequest{Ticks: 2}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("step status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, base+"/faults", engine.FaultEvent{Unit: "u2", Kind: engine.FaultPermanent}, srv.auth())
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("fault status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, base+"/faults", engine.FaultEvent{Unit: "u2", Kind: "melted"}, srv.auth())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown fault kind, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, base+"/step", StepRequest{Ticks: 1}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("step status %d: %s", res.StatusCode, data)
	}
	step := decode[StepResponse](t, data)
	if len(step.Ticks) != 1 || step.Ticks[0].Tick != 3 || step.Ticks[0].Table.Contains("u2") {
		t.Fatalf("fault not applied at tick 3: %+v", step.Ticks)
	}
	for _, u := range step.State.Units {
		if u.ID == "u2" && u.Mode != "perm_faulted" {
			t.Fatalf("u2 mode=%s", u.Mode)
		}
	}

	res, _ = doJSON(t, srv.client, http.MethodDelete, base, nil, srv.auth())
	if res.StatusCode >= 300 {
		t.Fatalf("close status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, base, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", res.StatusCode)
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	for _, name := range []string{"a", "b", "c"} {
		putMission(t, srv, name, fourByTwo)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?type=mission_saved&limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" || page.Items[0].EntityID != "c" {
		t.Fatalf("unexpected first page %+v", page)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?type=mission_saved&limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	page = decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.Items[0].EntityID != "a" || page.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.runner.RunMission(context.Background(), mustMission(t), app.RunOptions{Ticks: 5}); err != nil {
		t.Fatalf("run: %v", err)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "coverline_ticks_total 5") {
		t.Fatalf("tick counter missing from metrics:\n%s", data)
	}
}

func TestWebhookDeliversRunFinished(t *testing.T) {
	srv := newTestServer(t)
	var (
		mu       sync.Mutex
		received []webhookEvent
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Coverline-Secret") != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	}))
	defer hook.Close()

	d := &WebhookDispatcher{
		Repo:  srv.runner.Repo,
		Hooks: []WebhookConfig{{URL: hook.URL, Secret: "s3cret"}},
		Log:   logging.Discard(),
	}
	ctx := context.Background()
	// first pass pins the cursor at the current head
	d.DispatchOnce(ctx)
	putMission(t, srv, "ignored", fourByTwo)
	out, err := srv.runner.RunMission(ctx, mustMission(t), app.RunOptions{Ticks: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly run_finished, got %+v", received)
	}
	if received[0].Type != events.TypeRunFinished || received[0].EntityID != out.Run.ID {
		t.Fatalf("unexpected delivery %+v", received[0])
	}
}

func mustMission(t *testing.T) *config.Mission {
	t.Helper()
	m, err := config.FromYAML([]byte(fourByTwo))
	if err != nil {
		t.Fatalf("parse mission: %v", err)
	}
	return m
}
