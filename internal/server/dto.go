package server

import (
	"encoding/json"

	"coverline/internal/app"
	"coverline/internal/config"
	"coverline/internal/domain"
	"coverline/internal/engine"
)

// Request payloads

// MissionRef names a stored mission or carries one inline.
type MissionRef struct {
	Mission string `json:"mission,omitempty" doc:"Name of a stored mission"`
	YAML    string `json:"yaml,omitempty" doc:"Inline mission document (YAML or JSON)"`
}

type FeasibilityRequest struct {
	MissionRef
	Faulted int `json:"faulted,omitempty" minimum:"0"`
}

type PutMissionRequest struct {
	YAML string `json:"yaml"`
}

type RunRequest struct {
	MissionRef
	Ticks  int                 `json:"ticks,omitempty" minimum:"0"`
	Faults []engine.FaultEvent `json:"faults,omitempty"`
}

type SweepRequest struct {
	MissionRef
	Fmax     *int `json:"fmax,omitempty" doc:"Highest fault count; omitted or negative sweeps to the unit count"`
	ProbeAll bool `json:"probe_all,omitempty"`
	Ticks    int  `json:"ticks,omitempty" minimum:"0"`
}

type StepRequest struct {
	Ticks int `json:"ticks,omitempty" minimum:"0"`
}

type DevLoginRequest struct {
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MissionResponse struct {
	Name        string                   `json:"name"`
	Scenario    string                   `json:"scenario,omitempty"`
	UpdatedAt   string                   `json:"updated_at,omitempty" format:"date-time"`
	YAML        string                   `json:"yaml"`
	Feasibility engine.FeasibilityResult `json:"feasibility"`
}

type MissionCheckResponse struct {
	Feasibility engine.FeasibilityResult `json:"feasibility"`
	Audit       config.AuditReport       `json:"audit"`
}

type SweepResponse struct {
	Sweep  domain.Sweep       `json:"sweep"`
	Report engine.SweepReport `json:"report"`
}

type StepResponse struct {
	Ticks []*engine.TickResult `json:"ticks"`
	State app.SessionState     `json:"state"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Tick       int            `json:"tick,omitempty"`
	TimeMS     float64        `json:"time_ms,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Tick:       e.Tick,
		TimeMS:     e.TimeMS,
		Detail:     e.Detail,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func missionResponse(rec domain.MissionRecord, m *config.Mission) MissionResponse {
	return MissionResponse{
		Name:        rec.Name,
		Scenario:    rec.Scenario,
		UpdatedAt:   rec.UpdatedAt,
		YAML:        rec.YAML,
		Feasibility: engine.CheckMission(m, 0),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
