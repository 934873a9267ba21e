package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"coverline/internal/config"
	"coverline/internal/engine"
	"coverline/internal/events"
)

var ErrSessionNotFound = errors.New("session not found")

// MaxStepBatch bounds how many ticks one Step call may advance.
const MaxStepBatch = 10000

// SessionState is a point-in-time view of a live session.
type SessionState struct {
	ID          string                   `json:"id"`
	Mission     string                   `json:"mission"`
	OpenedAt    string                   `json:"opened_at" format:"date-time"`
	Tick        int                      `json:"tick"`
	Terminated  bool                     `json:"terminated"`
	Table       *engine.AssignmentTable  `json:"table,omitempty"`
	Units       []engine.UnitView        `json:"units"`
	Domains     []engine.DomainView      `json:"domains"`
	Feasibility engine.FeasibilityResult `json:"feasibility"`
	Summary     engine.Summary           `json:"summary"`
}

type session struct {
	id       string
	openedAt time.Time

	// mu serialises stepping and snapshotting; faults and staged missions
	// go through the simulation's own queue.
	mu  sync.Mutex
	sim *engine.Simulation
}

func (s *session) state() SessionState {
	return SessionState{
		ID:          s.id,
		Mission:     s.sim.Mission().Name,
		OpenedAt:    s.openedAt.UTC().Format(time.RFC3339),
		Tick:        s.sim.Tick(),
		Terminated:  s.sim.Terminated(),
		Table:       s.sim.Table(),
		Units:       s.sim.Units(),
		Domains:     s.sim.Domains(),
		Feasibility: s.sim.Feasibility(),
		Summary:     s.sim.Summary(),
	}
}

// Sessions manages interactive simulations stepped on demand, with faults
// and mission edits taking effect at the next tick boundary.
type Sessions struct {
	Runner *Runner

	mu   sync.Mutex
	byID map[string]*session
}

func NewSessions(rn *Runner) *Sessions {
	return &Sessions{Runner: rn, byID: map[string]*session{}}
}

func (ss *Sessions) get(id string) (*session, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (ss *Sessions) record(ctx context.Context, rec events.Record) {
	rn := ss.Runner
	if !rn.persist() {
		return
	}
	rec.EntityKind = "session"
	if err := rn.Events.Append(ctx, nil, rec); err != nil {
		rn.log().Error("record session event", "type", rec.Type, "err", err)
	}
}

// Open starts a session over m at tick 0.
func (ss *Sessions) Open(ctx context.Context, m *config.Mission) (SessionState, error) {
	sim, err := engine.New(m)
	if err != nil {
		return SessionState{}, err
	}
	s := &session{id: ss.Runner.newID(), openedAt: ss.Runner.now(), sim: sim}
	ss.mu.Lock()
	ss.byID[s.id] = s
	n := len(ss.byID)
	ss.mu.Unlock()

	ss.Runner.Metrics.SetActiveSessions(n)
	ss.record(ctx, events.Record{Type: events.TypeSessionOpened, EntityID: s.id, Detail: sim.Mission().Name})
	ss.Runner.log().Info("session opened", "session", s.id, "mission", sim.Mission().Name)
	return s.state(), nil
}

// Step advances a session by n ticks, stopping early on a violation.
func (ss *Sessions) Step(ctx context.Context, id string, n int) ([]*engine.TickResult, error) {
	if n <= 0 {
		n = 1
	}
	n = min(n, MaxStepBatch)
	s, err := ss.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rn := ss.Runner
	var out []*engine.TickResult
	for range n {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		start := time.Now()
		res, err := s.sim.Step()
		if err != nil {
			return out, err
		}
		rn.Metrics.ObserveTick(res, time.Since(start))
		if rn.persist() && len(res.Events) > 0 {
			if err := rn.Events.AppendTick(ctx, nil, "session", id, res.Events); err != nil {
				return out, err
			}
		}
		out = append(out, res)
		if s.sim.Terminated() {
			break
		}
	}
	return out, nil
}

// InjectFault queues f for the session's next tick boundary.
func (ss *Sessions) InjectFault(ctx context.Context, id string, f engine.FaultEvent) error {
	s, err := ss.get(id)
	if err != nil {
		return err
	}
	if err := s.sim.Inject(f); err != nil {
		return err
	}
	ss.record(ctx, events.Record{Type: events.TypeFaultStaged, EntityID: id, Detail: f.String()})
	return nil
}

// StageMission queues m to replace the session's mission at the next tick
// boundary.
func (ss *Sessions) StageMission(ctx context.Context, id string, m *config.Mission) error {
	s, err := ss.get(id)
	if err != nil {
		return err
	}
	if err := s.sim.Stage(m); err != nil {
		return err
	}
	ss.record(ctx, events.Record{Type: events.TypeMissionStaged, EntityID: id, Detail: m.Name})
	return nil
}

func (ss *Sessions) State(id string) (SessionState, error) {
	s, err := ss.get(id)
	if err != nil {
		return SessionState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(), nil
}

// List returns the open session states ordered by id.
func (ss *Sessions) List() []SessionState {
	ss.mu.Lock()
	all := make([]*session, 0, len(ss.byID))
	for _, s := range ss.byID {
		all = append(all, s)
	}
	ss.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	out := make([]SessionState, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.state())
		s.mu.Unlock()
	}
	return out
}

// Close discards a session.
func (ss *Sessions) Close(ctx context.Context, id string) error {
	ss.mu.Lock()
	s, ok := ss.byID[id]
	if ok {
		delete(ss.byID, id)
	}
	n := len(ss.byID)
	ss.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	ss.Runner.Metrics.SetActiveSessions(n)
	s.mu.Lock()
	tick := s.sim.Tick()
	s.mu.Unlock()
	ss.record(ctx, events.Record{Type: events.TypeSessionClosed, EntityID: id, Tick: tick})
	ss.Runner.log().Info("session closed", "session", id, "tick", tick)
	return nil
}
