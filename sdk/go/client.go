package coverlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal coverline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Feasibility is the aggregate supply-versus-demand verdict.
type Feasibility struct {
	Feasible        bool   `json:"feasible"`
	AliveUnits      int    `json:"alive_units"`
	CapacityPerUnit int    `json:"capacity_per_unit"`
	Supply          int    `json:"supply"`
	Demand          int    `json:"demand"`
	Fmax            int    `json:"fmax"`
	Reason          string `json:"reason"`
}

// Mission is a stored mission (partial).
type Mission struct {
	Name        string      `json:"name"`
	Scenario    string      `json:"scenario,omitempty"`
	YAML        string      `json:"yaml"`
	UpdatedAt   string      `json:"updated_at,omitempty"`
	Feasibility Feasibility `json:"feasibility"`
}

// Violation is the first deadline a run missed.
type Violation struct {
	Domain string  `json:"domain"`
	Tick   int     `json:"tick"`
	TimeMS float64 `json:"time_ms"`
	Gap    int     `json:"gap"`
	MaxGap int     `json:"max_gap"`
}

// Run is the stored record of a run (partial).
type Run struct {
	ID              string  `json:"id"`
	Mission         string  `json:"mission"`
	Status          string  `json:"status"`
	Ticks           int     `json:"ticks"`
	ViolationDomain *string `json:"violation_domain,omitempty"`
	ViolationTick   *int    `json:"violation_tick,omitempty"`
	StartedAt       string  `json:"started_at"`
	FinishedAt      *string `json:"finished_at,omitempty"`
}

// RunOutcome is the response to RunMission.
type RunOutcome struct {
	Run    Run `json:"run"`
	Result struct {
		Status    string     `json:"status"`
		Ticks     int        `json:"ticks"`
		Violation *Violation `json:"violation,omitempty"`
	} `json:"result"`
	Feasibility Feasibility `json:"feasibility"`
}

// TimelineRow is one change-only assignment record.
type TimelineRow struct {
	Tick   int     `json:"tick"`
	TimeMS float64 `json:"time_ms"`
	Domain string  `json:"domain"`
	Units  string  `json:"units"`
}

// Fault is a fault injected into a live session.
type Fault struct {
	Unit          string `json:"unit"`
	Domain        string `json:"domain,omitempty"`
	Kind          string `json:"kind"`
	DurationTicks int    `json:"duration_ticks,omitempty"`
}

// SweepLevel is the verdict for one fault count.
type SweepLevel struct {
	N         int        `json:"n"`
	Faulted   []string   `json:"faulted"`
	Passed    bool       `json:"passed"`
	Cause     string     `json:"cause,omitempty"`
	Violation *Violation `json:"violation,omitempty"`
}

// Sweep is the response to SweepMission.
type Sweep struct {
	Sweep struct {
		ID      string `json:"id"`
		Mission string `json:"mission"`
		Passed  bool   `json:"passed"`
	} `json:"sweep"`
	Report struct {
		Fmax         int          `json:"fmax"`
		Levels       []SweepLevel `json:"levels"`
		FirstFailing *int         `json:"first_failing_n,omitempty"`
	} `json:"report"`
}

// Coverage is one row of a session's assignment table.
type Coverage struct {
	Domain string   `json:"domain"`
	Units  []string `json:"units"`
	Rest   bool     `json:"rest,omitempty"`
}

// Session is a live session snapshot (partial).
type Session struct {
	ID         string `json:"id"`
	Mission    string `json:"mission"`
	Tick       int    `json:"tick"`
	Terminated bool   `json:"terminated"`
	Table      *struct {
		Tick     int        `json:"tick"`
		Coverage []Coverage `json:"coverage"`
	} `json:"table,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Tick       int            `json:"tick,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PutMission stores a mission document under name.
func (c *Client) PutMission(ctx context.Context, name, doc string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPut, "missions/"+url.PathEscape(name), map[string]any{"yaml": doc}, &resp)
	return resp, err
}

// GetMission fetches a stored mission.
func (c *Client) GetMission(ctx context.Context, name string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

// Feasibility checks a stored mission with faulted units removed.
func (c *Client) Feasibility(ctx context.Context, mission string, faulted int) (Feasibility, error) {
	var resp Feasibility
	err := c.do(ctx, http.MethodPost, "feasibility", map[string]any{"mission": mission, "faulted": faulted}, &resp)
	return resp, err
}

// RunMission runs a stored mission to completion.
func (c *Client) RunMission(ctx context.Context, mission string, ticks int) (RunOutcome, error) {
	var resp RunOutcome
	err := c.do(ctx, http.MethodPost, "runs", map[string]any{"mission": mission, "ticks": ticks}, &resp)
	return resp, err
}

// Timeline returns the change-only timeline of a run.
func (c *Client) Timeline(ctx context.Context, runID, domain string) ([]TimelineRow, error) {
	endpoint := fmt.Sprintf("runs/%s/timeline", url.PathEscape(runID))
	if domain != "" {
		endpoint += "?domain=" + url.QueryEscape(domain)
	}
	var resp []TimelineRow
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SweepMission sweeps faults over a stored mission. A negative fmax
// sweeps up to the unit count.
func (c *Client) SweepMission(ctx context.Context, mission string, fmax int, probeAll bool) (Sweep, error) {
	var resp Sweep
	body := map[string]any{"mission": mission, "fmax": fmax, "probe_all": probeAll}
	err := c.do(ctx, http.MethodPost, "sweeps", body, &resp)
	return resp, err
}

// OpenSession starts a live session over a stored mission.
func (c *Client) OpenSession(ctx context.Context, mission string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", map[string]any{"mission": mission}, &resp)
	return resp, err
}

// Step advances a session and returns its new state.
func (c *Client) Step(ctx context.Context, sessionID string, ticks int) (Session, error) {
	var resp struct {
		State Session `json:"state"`
	}
	endpoint := fmt.Sprintf("sessions/%s/step", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"ticks": ticks}, &resp)
	return resp.State, err
}

// InjectFault queues a fault for the session's next tick boundary.
func (c *Client) InjectFault(ctx context.Context, sessionID string, f Fault) error {
	endpoint := fmt.Sprintf("sessions/%s/faults", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, endpoint, f, nil)
}

// CloseSession discards a session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "sessions/"+url.PathEscape(sessionID), nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
