// Package escalation drives crisis protocols for urgent statuses that go
// unacknowledged. Each (user, revision) owns at most one run, a durable state
// machine advanced by timers and ended by acknowledgment, completion or a
// newer revision.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/celerix-dev/celerix-beacon/internal/clock"
	"github.com/celerix-dev/celerix-beacon/internal/delivery"
	"github.com/celerix-dev/celerix-beacon/internal/metrics"
	"github.com/celerix-dev/celerix-beacon/pkg/schema"
	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

var tracer = otel.Tracer("beacon/escalation")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("escalation scheduler closed")

// Alert reasons raised by the scheduler.
const (
	AlertCompleted   = "escalation_completed"
	AlertFailed      = "escalation_failed"
	AlertStoreFailed = "escalation_store_failed"
)

// Protocols resolves the crisis protocol assigned to a user. ok is false
// when escalation is disabled for them.
type Protocols interface {
	ProtocolFor(userID string) (schema.CrisisProtocol, bool)
}

// Revisions reports the authoritative latest status revision of a user.
type Revisions interface {
	CurrentRevision(ctx context.Context, userID string) (int64, error)
}

// Options configure a Scheduler. Zero values select defaults.
type Options struct {
	Clock   clock.Clock
	Alerter delivery.Alerter
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Scheduler is the single writer of escalation runs.
type Scheduler struct {
	store     RunStore
	protocols Protocols
	revisions Revisions
	friends   sdk.FriendshipReader
	exec      Executor
	alerter   delivery.Alerter
	clock     clock.Clock
	log       *slog.Logger
	m         *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	runs   map[string]*liveRun
}

// liveRun guards one run. Every transition bumps run.Generation while
// holding mu; timers and step goroutines carry the generation they were
// started for and give up when it no longer matches.
type liveRun struct {
	mu         sync.Mutex
	run        schema.EscalationRun
	timer      clock.Timer
	cancelStep context.CancelFunc
}

func NewScheduler(store RunStore, protocols Protocols, revisions Revisions, friends sdk.FriendshipReader, exec Executor, opts Options) *Scheduler {
	s := &Scheduler{
		store:     store,
		protocols: protocols,
		revisions: revisions,
		friends:   friends,
		exec:      exec,
		alerter:   opts.Alerter,
		clock:     opts.Clock,
		log:       opts.Logger,
		m:         opts.Metrics,
		runs:      make(map[string]*liveRun),
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "escalation")
	if s.alerter == nil {
		s.alerter = delivery.LogAlerter{Log: s.log, Metrics: s.m}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// OnStatusChanged supersedes any older run of the user and starts a new run
// when the status calls for one. Events at or below the latest known
// revision are ignored, so re-delivery is harmless.
func (s *Scheduler) OnStatusChanged(ctx context.Context, ev schema.StatusChanged) error {
	ctx, span := tracer.Start(ctx, "escalation.OnStatusChanged")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", ev.UserID),
		attribute.Int64("revision", ev.Revision),
		attribute.String("status", string(ev.Status)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if prev := s.runs[ev.UserID]; prev != nil {
		prev.mu.Lock()
		if ev.Revision <= prev.run.Revision {
			prev.mu.Unlock()
			return nil
		}
		if !prev.run.State.Terminal() {
			s.commit(prev, schema.RunSuperseded)
			s.log.Info("escalation superseded", "user_id", ev.UserID, "revision", prev.run.Revision, "by", ev.Revision)
		}
		prev.mu.Unlock()
	}

	proto, ok := s.protocols.ProtocolFor(ev.UserID)
	if !ok {
		return nil
	}
	var grace time.Duration
	switch {
	case ev.Status == schema.StatusRed:
	case ev.Status == schema.StatusYellow && proto.EscalateYellow:
		grace = proto.YellowGrace()
	default:
		return nil
	}
	steps := proto.OrderedSteps()
	if len(steps) == 0 {
		return nil
	}

	// An unreadable store must not stop the run: it starts from memory and
	// operations is told the run may not survive a restart.
	if _, seen, err := s.store.Get(ctx, ev.UserID, ev.Revision); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.storeFailed(ev.UserID, ev.Revision, "", "read run", err)
	} else if seen {
		return nil
	}

	now := s.clock.Now()
	lr := &liveRun{run: schema.EscalationRun{
		ID:                uuid.NewString(),
		UserID:            ev.UserID,
		Revision:          ev.Revision,
		Status:            ev.Status,
		ProtocolID:        proto.ID,
		Steps:             steps,
		EmergencyContacts: proto.OrderedContacts(),
		StartedAt:         now,
		UpdatedAt:         now,
	}}
	s.runs[ev.UserID] = lr
	s.m.EscalationActive(1)
	span.SetAttributes(attribute.String("run_id", lr.run.ID))

	lr.mu.Lock()
	defer lr.mu.Unlock()
	if grace > 0 {
		deadline := now.Add(grace)
		lr.run.Deadline = &deadline
		gen := s.commit(lr, schema.RunGrace)
		s.armTimer(lr, gen, grace)
	} else {
		s.enterArmed(lr, 0)
	}
	s.log.Info("escalation started",
		"user_id", ev.UserID, "revision", ev.Revision, "run_id", lr.run.ID,
		"protocol", proto.ID, "state", lr.run.State)
	return nil
}

// Acknowledge ends the user's live run. The actor must be the user or one
// of their accepted friends. A zero revision matches the latest run.
// Acknowledging an already acknowledged run returns it unchanged.
func (s *Scheduler) Acknowledge(ctx context.Context, userID, actorID string, revision int64) (schema.EscalationRun, error) {
	if actorID != userID {
		ok, err := sdk.AreFriends(ctx, s.friends, userID, actorID)
		if err != nil {
			return schema.EscalationRun{}, err
		}
		if !ok {
			return schema.EscalationRun{}, fmt.Errorf("%w: only %s or an accepted friend may acknowledge", sdk.ErrNotPermitted, userID)
		}
	}

	s.mu.Lock()
	lr := s.runs[userID]
	s.mu.Unlock()
	if lr == nil {
		return schema.EscalationRun{}, sdk.NotFound("escalation", userID)
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()
	if revision != 0 && revision != lr.run.Revision {
		return schema.EscalationRun{}, sdk.NotFound("escalation", fmt.Sprintf("%s@%d", userID, revision))
	}
	switch lr.run.State {
	case schema.RunAcknowledged:
		return lr.run.Clone(), nil
	case schema.RunCompleted, schema.RunSuperseded:
		return schema.EscalationRun{}, fmt.Errorf("%w: escalation already %s", sdk.ErrConflict, lr.run.State)
	}
	lr.run.AcknowledgedBy = actorID
	s.commit(lr, schema.RunAcknowledged)
	s.log.Info("escalation acknowledged", "user_id", userID, "revision", lr.run.Revision, "run_id", lr.run.ID, "actor_id", actorID)
	return lr.run.Clone(), nil
}

// Get returns the user's most recent run, live or terminal.
func (s *Scheduler) Get(ctx context.Context, userID string) (schema.EscalationRun, error) {
	s.mu.Lock()
	lr := s.runs[userID]
	s.mu.Unlock()
	if lr != nil {
		lr.mu.Lock()
		defer lr.mu.Unlock()
		return lr.run.Clone(), nil
	}
	run, ok, err := s.store.Latest(ctx, userID)
	if err != nil {
		return schema.EscalationRun{}, err
	}
	if !ok {
		return schema.EscalationRun{}, sdk.NotFound("escalation", userID)
	}
	return run, nil
}

// Resume re-arms runs left live by a previous process and returns how many
// were resumed. Only the newest live run of a user survives, and only while
// its revision is still the user's latest.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	live, err := s.store.Live(ctx)
	if err != nil {
		return 0, err
	}

	newest := make(map[string]schema.EscalationRun)
	var stale []schema.EscalationRun
	for _, run := range live {
		cur, ok := newest[run.UserID]
		switch {
		case !ok:
			newest[run.UserID] = run
		case run.Revision > cur.Revision:
			stale = append(stale, cur)
			newest[run.UserID] = run
		default:
			stale = append(stale, run)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	for _, run := range stale {
		s.retire(run)
	}

	resumed := 0
	for userID, run := range newest {
		if existing := s.runs[userID]; existing != nil {
			existing.mu.Lock()
			newer := existing.run.Revision >= run.Revision
			existing.mu.Unlock()
			if newer {
				s.retire(run)
				continue
			}
		}

		lr := &liveRun{run: run}
		s.runs[userID] = lr
		s.m.EscalationActive(1)
		lr.mu.Lock()
		if s.supersededByLedger(lr) {
			lr.mu.Unlock()
			continue
		}
		s.rearm(lr)
		lr.mu.Unlock()
		resumed++
		s.log.Info("escalation resumed", "user_id", userID, "revision", run.Revision, "run_id", run.ID, "state", run.State)
	}
	return resumed, nil
}

// retire supersedes a stored run that never went live in this process.
func (s *Scheduler) retire(run schema.EscalationRun) {
	s.m.EscalationActive(1)
	s.commit(&liveRun{run: run}, schema.RunSuperseded)
}

// rearm restores the timer or step goroutine for a run loaded from the
// store. Caller holds lr.mu.
func (s *Scheduler) rearm(lr *liveRun) {
	now := s.clock.Now()
	remaining := func() time.Duration {
		if lr.run.Deadline == nil {
			return 0
		}
		return max(lr.run.Deadline.Sub(now), 0)
	}
	switch lr.run.State {
	case schema.RunGrace:
		s.armTimer(lr, lr.run.Generation, remaining())
	case schema.RunWaitingAck:
		if lr.run.Deadline != nil {
			s.armTimer(lr, lr.run.Generation, remaining())
		}
	case schema.RunArmed:
		s.spawnStep(lr, lr.run.Generation)
	case schema.RunAdvancing:
		s.advance(lr)
	}
}

// Close stops every timer, cancels in-flight steps and waits for them.
// Runs interrupted mid-step stay armed and re-execute on Resume.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	runs := make([]*liveRun, 0, len(s.runs))
	for _, lr := range s.runs {
		runs = append(runs, lr)
	}
	s.mu.Unlock()

	s.cancel()
	for _, lr := range runs {
		lr.mu.Lock()
		if lr.timer != nil {
			lr.timer.Stop()
			lr.timer = nil
		}
		lr.mu.Unlock()
	}
	s.wg.Wait()
	return nil
}

// commit records a transition and persists it. Caller holds lr.mu.
func (s *Scheduler) commit(lr *liveRun, state schema.RunState) uint64 {
	now := s.clock.Now()
	lr.run.State = state
	lr.run.Generation++
	lr.run.UpdatedAt = now
	if state.Terminal() {
		lr.run.EndedAt = &now
		lr.run.Deadline = nil
		if lr.timer != nil {
			lr.timer.Stop()
			lr.timer = nil
		}
		if lr.cancelStep != nil {
			lr.cancelStep()
			lr.cancelStep = nil
		}
		s.m.EscalationActive(-1)
	}
	s.m.EscalationTransition(string(state))
	if err := s.store.Put(context.Background(), lr.run); err != nil {
		s.storeFailed(lr.run.UserID, lr.run.Revision, lr.run.ID, "persist run in state "+string(state), err)
	}
	return lr.run.Generation
}

func (s *Scheduler) storeFailed(userID string, revision int64, runID, op string, err error) {
	s.log.Error("escalation store", "op", op, "user_id", userID, "revision", revision, "run_id", runID, "error", err)
	s.alerter.Alert(context.WithoutCancel(s.ctx), delivery.Alert{
		Reason:   AlertStoreFailed,
		UserID:   userID,
		Revision: revision,
		RunID:    runID,
		Detail:   fmt.Sprintf("%s: %v", op, err),
	})
}

func (s *Scheduler) enterArmed(lr *liveRun, index int) {
	lr.run.StepIndex = index
	lr.run.Deadline = nil
	gen := s.commit(lr, schema.RunArmed)
	s.spawnStep(lr, gen)
}

func (s *Scheduler) spawnStep(lr *liveRun, gen uint64) {
	if s.ctx.Err() != nil {
		return
	}
	stepCtx, cancel := context.WithCancel(s.ctx)
	lr.cancelStep = cancel
	run := lr.run.Clone()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runStep(stepCtx, lr, run, gen)
	}()
}

func (s *Scheduler) runStep(ctx context.Context, lr *liveRun, run schema.EscalationRun, gen uint64) {
	step, ok := run.CurrentStep()
	if !ok {
		return
	}
	// Steps fire from timers long after the triggering request.
	ctx, span := tracer.Start(ctx, "escalation.step",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("run_id", run.ID),
			attribute.String("user_id", run.UserID),
			attribute.Int("order", step.Order),
			attribute.String("action", string(step.Action)),
		),
	)
	started := s.clock.Now()
	err := s.exec.Execute(ctx, run, step)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	lr.mu.Lock()
	defer lr.mu.Unlock()
	if s.ctx.Err() != nil || lr.run.Generation != gen || lr.run.State.Terminal() {
		return
	}
	lr.cancelStep = nil

	result := schema.StepResult{
		Order:      step.Order,
		Action:     step.Action,
		Outcome:    schema.StepSucceeded,
		StartedAt:  started,
		FinishedAt: s.clock.Now(),
	}
	if err != nil {
		result.Outcome = schema.StepFailed
		result.Error = err.Error()
		s.log.Warn("escalation step failed",
			"user_id", run.UserID, "revision", run.Revision, "run_id", run.ID,
			"order", step.Order, "action", step.Action, "error", err)
	}
	lr.run.StepResults = append(lr.run.StepResults, result)

	if d, ok := step.Timeout(); ok {
		deadline := s.clock.Now().Add(d)
		lr.run.Deadline = &deadline
		gen := s.commit(lr, schema.RunWaitingAck)
		s.armTimer(lr, gen, d)
		return
	}
	if step.Required {
		// No timeout: wait for acknowledgment or a newer revision.
		s.commit(lr, schema.RunWaitingAck)
		return
	}
	s.advance(lr)
}

func (s *Scheduler) armTimer(lr *liveRun, gen uint64, d time.Duration) {
	lr.timer = s.clock.AfterFunc(d, func() { s.onTimer(lr, gen) })
}

func (s *Scheduler) onTimer(lr *liveRun, gen uint64) {
	if s.ctx.Err() != nil {
		return
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.run.Generation != gen || lr.run.State.Terminal() {
		return
	}
	lr.timer = nil

	switch lr.run.State {
	case schema.RunGrace:
		if s.supersededByLedger(lr) {
			return
		}
		s.enterArmed(lr, 0)
	case schema.RunWaitingAck:
		s.advance(lr)
	}
}

// advance moves past the current step. Caller holds lr.mu.
func (s *Scheduler) advance(lr *liveRun) {
	s.commit(lr, schema.RunAdvancing)
	if s.supersededByLedger(lr) {
		return
	}
	next := lr.run.StepIndex + 1
	if next < len(lr.run.Steps) {
		s.enterArmed(lr, next)
		return
	}
	s.complete(lr)
}

// supersededByLedger ends the run if the ledger holds a newer revision.
// A failed lookup lets the escalation continue.
func (s *Scheduler) supersededByLedger(lr *liveRun) bool {
	rev, err := s.revisions.CurrentRevision(s.ctx, lr.run.UserID)
	if err != nil {
		s.log.Warn("read current revision", "user_id", lr.run.UserID, "error", err)
		return false
	}
	if rev <= lr.run.Revision {
		return false
	}
	s.commit(lr, schema.RunSuperseded)
	s.log.Info("escalation superseded", "user_id", lr.run.UserID, "revision", lr.run.Revision, "by", rev)
	return true
}

func (s *Scheduler) complete(lr *liveRun) {
	s.commit(lr, schema.RunCompleted)
	run := lr.run
	s.log.Warn("escalation completed without acknowledgment", "user_id", run.UserID, "revision", run.Revision, "run_id", run.ID)

	ctx := context.WithoutCancel(s.ctx)
	s.alerter.Alert(ctx, delivery.Alert{
		Reason:   AlertCompleted,
		UserID:   run.UserID,
		Revision: run.Revision,
		RunID:    run.ID,
		Detail:   fmt.Sprintf("all %d steps ran without acknowledgment", len(run.Steps)),
	})
	if run.AllStepsFailed() {
		s.alerter.Alert(ctx, delivery.Alert{
			Reason:   AlertFailed,
			UserID:   run.UserID,
			Revision: run.Revision,
			RunID:    run.ID,
			Detail:   "every step failed",
		})
	}
}
