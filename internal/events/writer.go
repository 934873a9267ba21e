package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"coverline/internal/engine"
)

// Event types written outside the tick stream.
const (
	TypeRunStarted    = "run_started"
	TypeRunFinished   = "run_finished"
	TypeSweepFinished = "sweep_finished"
	TypeSweepLevel    = "sweep_level"
	TypeMissionSaved  = "mission_saved"
	TypeSessionOpened = "session_opened"
	TypeSessionClosed = "session_closed"
	TypeFaultStaged   = "fault_staged"
	TypeMissionStaged = "mission_staged"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one row of the events table.
type Record struct {
	Type       string
	EntityKind string
	EntityID   string
	Tick       int
	TimeMS     float64
	Detail     string
	Payload    EventPayload
}

// Append writes rec inside tx, or directly when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	var payload any
	if rec.Payload != nil {
		data, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(data)
	}
	const q = `INSERT INTO events(ts,type,entity_kind,entity_id,tick,time_ms,detail,payload_json) VALUES (?,?,?,?,?,?,?,?)`
	args := []any{ts, rec.Type, rec.EntityKind, nullable(rec.EntityID), nullableTick(rec.Tick), rec.TimeMS, nullable(rec.Detail), payload}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

// AppendTick writes the engine events of one tick against a run or session.
func (w Writer) AppendTick(ctx context.Context, tx *sql.Tx, entityKind, entityID string, evs []engine.Event) error {
	for _, ev := range evs {
		if err := w.Append(ctx, tx, Record{
			Type:       ev.Kind,
			EntityKind: entityKind,
			EntityID:   entityID,
			Tick:       ev.Tick,
			TimeMS:     ev.TimeMS,
			Detail:     ev.Detail,
		}); err != nil {
			return err
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTick(t int) any {
	if t <= 0 {
		return nil
	}
	return t
}
