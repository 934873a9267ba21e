package coverlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunMissionSendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/runs" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization=%q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["mission"] != "patrol" || body["ticks"] != float64(40) {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"run":{"id":"r1","mission":"patrol","status":"FAIL","ticks":11},
			"result":{"status":"FAIL","ticks":11,"violation":{"domain":"nav","tick":11,"gap":11,"max_gap":10}},
			"feasibility":{"feasible":true}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	out, err := c.RunMission(context.Background(), "patrol", 40)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Run.ID != "r1" || out.Result.Violation == nil || out.Result.Violation.Tick != 11 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestAPIErrorOnFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"session not found"}}`))
	}))
	defer srv.Close()

	err := New(srv.URL).InjectFault(context.Background(), "s1", Fault{Unit: "u1", Kind: "permanent"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected APIError 404, got %v", err)
	}
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" || r.URL.Query().Get("cursor") != "17" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"items":[{"id":16,"type":"run_finished","entity_kind":"run","entity_id":"r1","payload":{}}],"next_cursor":""}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 2, "17")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "run_finished" {
		t.Fatalf("unexpected page %+v", page)
	}
}
