package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"coverline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) UpsertMission(ctx context.Context, m domain.MissionRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO missions(name,scenario,yaml,updated_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET scenario=excluded.scenario, yaml=excluded.yaml, updated_at=excluded.updated_at`,
		m.Name, nullable(m.Scenario), m.YAML, m.UpdatedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, name string) (domain.MissionRecord, error) {
	var m domain.MissionRecord
	err := r.DB.QueryRowContext(ctx, `SELECT name,COALESCE(scenario,''),yaml,updated_at FROM missions WHERE name=?`, name).
		Scan(&m.Name, &m.Scenario, &m.YAML, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMissions(ctx context.Context) ([]domain.MissionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,COALESCE(scenario,''),yaml,updated_at FROM missions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MissionRecord
	for rows.Next() {
		var m domain.MissionRecord
		if err := rows.Scan(&m.Name, &m.Scenario, &m.YAML, &m.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeleteMission(ctx context.Context, name string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM missions WHERE name=?`, name)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,mission,scenario,status,ticks,tick_ms,feasible,reason,started_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Mission, nullable(run.Scenario), run.Status, run.Ticks, run.TickMS, run.Feasible, nullable(run.Reason), run.StartedAt)
	return err
}

// FinishRun records the verdict of a run.
func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	var ex execer = r.DB
	if tx != nil {
		ex = tx
	}
	res, err := ex.ExecContext(ctx, `UPDATE runs SET status=?,ticks=?,feasible=?,reason=?,violation_domain=?,violation_tick=?,violation_gap=?,summary_json=?,finished_at=? WHERE id=?`,
		run.Status, run.Ticks, run.Feasible, nullable(run.Reason), nullableStringPtr(run.ViolationDomain),
		nullableIntPtr(run.ViolationTick), nullableIntPtr(run.ViolationGap), nullable(run.SummaryJSON),
		nullableStringPtr(run.FinishedAt), run.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id,mission,COALESCE(scenario,''),status,ticks,tick_ms,feasible,COALESCE(reason,''),violation_domain,violation_tick,violation_gap,COALESCE(summary_json,''),started_at,finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var vDomain, finished sql.NullString
	var vTick, vGap sql.NullInt64
	err := row.Scan(&run.ID, &run.Mission, &run.Scenario, &run.Status, &run.Ticks, &run.TickMS, &run.Feasible,
		&run.Reason, &vDomain, &vTick, &vGap, &run.SummaryJSON, &run.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if vDomain.Valid {
		run.ViolationDomain = &vDomain.String
	}
	if vTick.Valid {
		v := int(vTick.Int64)
		run.ViolationTick = &v
	}
	if vGap.Valid {
		v := int(vGap.Int64)
		run.ViolationGap = &v
	}
	if finished.Valid {
		run.FinishedAt = &finished.String
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

type RunFilters struct {
	Mission string
	Status  string
	Limit   int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Mission != "" {
		clauses = append(clauses, "mission=?")
		args = append(args, f.Mission)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY started_at DESC, id DESC LIMIT ?`, runColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) InsertTimelineTx(ctx context.Context, tx *sql.Tx, rows []domain.TimelineRow) error {
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO timeline(run_id,tick,time_ms,domain,units) VALUES (?,?,?,?,?)`,
			row.RunID, row.Tick, row.TimeMS, row.Domain, row.Units); err != nil {
			return fmt.Errorf("insert timeline row: %w", err)
		}
	}
	return nil
}

type TimelineFilters struct {
	RunID    string
	Domain   string
	FromTick int
	ToTick   int
}

func (r Repo) ListTimeline(ctx context.Context, f TimelineFilters) ([]domain.TimelineRow, error) {
	clauses := []string{"run_id=?"}
	args := []any{f.RunID}
	if f.Domain != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, f.Domain)
	}
	if f.FromTick > 0 {
		clauses = append(clauses, "tick>=?")
		args = append(args, f.FromTick)
	}
	if f.ToTick > 0 {
		clauses = append(clauses, "tick<=?")
		args = append(args, f.ToTick)
	}
	query := fmt.Sprintf(`SELECT run_id,tick,time_ms,domain,units FROM timeline WHERE %s ORDER BY tick, rowid`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineRow
	for rows.Next() {
		var row domain.TimelineRow
		if err := rows.Scan(&row.RunID, &row.Tick, &row.TimeMS, &row.Domain, &row.Units); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

func (r Repo) InsertBatterySamplesTx(ctx context.Context, tx *sql.Tx, samples []domain.BatterySample) error {
	for _, s := range samples {
		if _, err := tx.ExecContext(ctx, `INSERT INTO battery_samples(run_id,tick,time_ms,unit,mode,battery) VALUES (?,?,?,?,?,?)`,
			s.RunID, s.Tick, s.TimeMS, s.Unit, s.Mode, s.Battery); err != nil {
			return fmt.Errorf("insert battery sample: %w", err)
		}
	}
	return nil
}

func (r Repo) ListBatterySamples(ctx context.Context, runID, unit string) ([]domain.BatterySample, error) {
	query := `SELECT run_id,tick,time_ms,unit,mode,battery FROM battery_samples WHERE run_id=?`
	args := []any{runID}
	if unit != "" {
		query += ` AND unit=?`
		args = append(args, unit)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY tick, unit`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BatterySample
	for rows.Next() {
		var s domain.BatterySample
		if err := rows.Scan(&s.RunID, &s.Tick, &s.TimeMS, &s.Unit, &s.Mode, &s.Battery); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertSweep(ctx context.Context, tx *sql.Tx, s domain.Sweep) error {
	var ex execer = r.DB
	if tx != nil {
		ex = tx
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO sweeps(id,mission,fmax,ticks,probe_all,passed,first_failing,report_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Mission, s.Fmax, s.Ticks, s.ProbeAll, s.Passed, nullableIntPtr(s.FirstFailing), s.ReportJSON, s.CreatedAt)
	return err
}

const sweepColumns = `id,mission,fmax,ticks,probe_all,passed,first_failing,report_json,created_at`

func scanSweep(row rowScanner) (domain.Sweep, error) {
	var s domain.Sweep
	var first sql.NullInt64
	err := row.Scan(&s.ID, &s.Mission, &s.Fmax, &s.Ticks, &s.ProbeAll, &s.Passed, &first, &s.ReportJSON, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if first.Valid {
		v := int(first.Int64)
		s.FirstFailing = &v
	}
	return s, nil
}

func (r Repo) GetSweep(ctx context.Context, id string) (domain.Sweep, error) {
	return scanSweep(r.DB.QueryRowContext(ctx, `SELECT `+sweepColumns+` FROM sweeps WHERE id=?`, id))
}

func (r Repo) ListSweeps(ctx context.Context, mission string, limit int) ([]domain.Sweep, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sweepColumns + ` FROM sweeps`
	var args []any
	if mission != "" {
		query += ` WHERE mission=?`
		args = append(args, mission)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sweep
	for rows.Next() {
		s, err := scanSweep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	// Before pages backwards from an event id.
	Before int64
	Limit  int
}

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(tick,0),COALESCE(time_ms,0),COALESCE(detail,''),COALESCE(payload_json,'')`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Tick, &e.TimeMS, &e.Detail, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
