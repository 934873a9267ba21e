package domain

// MissionRecord is a stored mission definition.
type MissionRecord struct {
	Name      string `json:"name"`
	Scenario  string `json:"scenario,omitempty"`
	YAML      string `json:"yaml"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Run struct {
	ID              string  `json:"id"`
	Mission         string  `json:"mission"`
	Scenario        string  `json:"scenario,omitempty"`
	Status          string  `json:"status" enum:"RUNNING,PASS,FAIL,CANCELED,INFEASIBLE"`
	Ticks           int     `json:"ticks"`
	TickMS          float64 `json:"tick_ms"`
	Feasible        bool    `json:"feasible"`
	Reason          string  `json:"reason,omitempty"`
	ViolationDomain *string `json:"violation_domain,omitempty"`
	ViolationTick   *int    `json:"violation_tick,omitempty"`
	ViolationGap    *int    `json:"violation_gap,omitempty"`
	SummaryJSON     string  `json:"summary_json,omitempty"`
	StartedAt       string  `json:"started_at" format:"date-time"`
	FinishedAt      *string `json:"finished_at,omitempty" format:"date-time"`
}

// TimelineRow is one change-only assignment record.
type TimelineRow struct {
	RunID  string  `json:"run_id"`
	Tick   int     `json:"tick"`
	TimeMS float64 `json:"time_ms"`
	Domain string  `json:"domain"`
	Units  string  `json:"units"`
}

type BatterySample struct {
	RunID   string  `json:"run_id"`
	Tick    int     `json:"tick"`
	TimeMS  float64 `json:"time_ms"`
	Unit    string  `json:"unit"`
	Mode    string  `json:"mode"`
	Battery float64 `json:"battery"`
}

type Sweep struct {
	ID           string `json:"id"`
	Mission      string `json:"mission"`
	Fmax         int    `json:"fmax"`
	Ticks        int    `json:"ticks"`
	ProbeAll     bool   `json:"probe_all"`
	Passed       bool   `json:"passed"`
	FirstFailing *int   `json:"first_failing_n,omitempty"`
	ReportJSON   string `json:"report_json,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts" format:"date-time"`
	Type       string  `json:"type"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id,omitempty"`
	Tick       int     `json:"tick,omitempty"`
	TimeMS     float64 `json:"time_ms,omitempty"`
	Detail     string  `json:"detail,omitempty"`
	Payload    string  `json:"payload_json,omitempty"`
}
