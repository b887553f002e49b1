package coordination

import (
	"context"
	"fmt"

	"github.com/dreamware/meshfield/internal/collective"
	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/rtctx"
	"github.com/dreamware/meshfield/internal/transport"
)

// FieldSyncer is the halo-sync half of the per-field contract the
// coordination loop needs. HaloField[T] implements it for any T.
type FieldSyncer interface {
	Sync(ctx context.Context) error
}

// FieldReceiver is the inbox-dispatch half: decode an arrived payload via
// the field's own serializer and write it at point. HaloField[T]
// implements it for any T.
type FieldReceiver interface {
	FieldIndex() int
	AddEncoded(ctx context.Context, point geom.IntPoint, data []byte) error
}

// Field is what Loop.RegisterField takes: a HaloField of any element
// type, type-erased to the two operations Tick needs.
type Field interface {
	FieldSyncer
	FieldReceiver
}

// Scheduler is the external collaborator spec §1 deliberately leaves
// unspecified beyond its interface: the simulation's own scheduling data
// structure. The coordination loop drives it without knowing its
// internals.
type Scheduler interface {
	// Step executes one local scheduler step (§4.7 step 6).
	Step() error
	// ScheduleOnce schedules agent to run at the next step.
	ScheduleOnce(agent []byte, ordering int) error
	// ScheduleAt schedules agent to run at time.
	ScheduleAt(agent []byte, ordering int, time float64) error
	// ScheduleRepeating schedules step to recur every interval starting
	// at time.
	ScheduleRepeating(step []byte, ordering int, time, interval float64) error
	// NextTime returns this worker's next scheduled event time, its
	// contribution to §4.7 step 7's all-reduce min.
	NextTime() float64
}

// Loop drives one worker's §4.7 tick: halo sync, transporter sync, inbox
// drain, scheduler step, and the global time-reduce. Grounded on the
// teacher's HealthMonitor's injectable-dependency shape — a loop holding
// only interfaces, never a concrete node or field type.
type Loop struct {
	ctx         *rtctx.Context
	fields      []Field // registration order, per §4.7 step 2
	fieldByIdx  map[int]Field
	transporter *transport.Transporter
	scheduler   Scheduler
	collective  *collective.Client
	timer       *RebalanceTimer
	epoch       int
}

// NewLoop builds a Loop for one worker. collectiveClient may be nil for a
// single-worker run, in which case Tick skips the all-reduce and returns
// scheduler.NextTime() directly.
func NewLoop(ctx *rtctx.Context, transporter *transport.Transporter, scheduler Scheduler, collectiveClient *collective.Client) *Loop {
	return &Loop{
		ctx:         ctx,
		fieldByIdx:  map[int]Field{},
		transporter: transporter,
		scheduler:   scheduler,
		collective:  collectiveClient,
		timer:       NewRebalanceTimer(ctx.RebalanceWindow),
	}
}

// RegisterField adds f to the loop in call order. Tick halo-syncs fields
// in this order (§4.7 step 2) and routes inbox arrivals addressed to
// f.FieldIndex() to f.AddEncoded.
func (l *Loop) RegisterField(f Field) {
	l.fields = append(l.fields, f)
	l.fieldByIdx[f.FieldIndex()] = f
}

// Timer exposes the rolling-window rebalance timer for diagnostics and a
// future rebalance heuristic.
func (l *Loop) Timer() *RebalanceTimer {
	return l.timer
}

// Tick executes one full §4.7 cycle and returns the shared tick clock:
// the global minimum of every worker's next-scheduled-time.
func (l *Loop) Tick(ctx context.Context) (float64, error) {
	l.timer.Stop()

	for _, f := range l.fields {
		if err := f.Sync(ctx); err != nil {
			return 0, fmt.Errorf("coordination: halo sync field %d: %w", f.FieldIndex(), err)
		}
	}

	arrivals, err := l.transporter.Sync(ctx)
	if err != nil {
		return 0, fmt.Errorf("coordination: transporter sync: %w", err)
	}
	for _, rec := range arrivals {
		if err := l.dispatch(ctx, rec); err != nil {
			return 0, fmt.Errorf("coordination: dispatch arrival for field %d at %v: %w", rec.FieldIndex, rec.Location, err)
		}
	}

	l.timer.Start()

	if err := l.scheduler.Step(); err != nil {
		return 0, fmt.Errorf("coordination: scheduler step: %w", err)
	}

	next := l.scheduler.NextTime()
	if l.collective == nil {
		return next, nil
	}
	l.epoch++
	return l.collective.AllReduceMin(ctx, collective.AllReduceMinRequest{
		Rank:      l.ctx.Rank,
		WorldSize: l.ctx.WorldSize,
		Epoch:     l.epoch,
		Value:     next,
	})
}

// dispatch implements §4.5's arrival rules: a bare object adds to its
// field; an agent-wrapper schedules once (Time < 0) or at an absolute
// time, then adds to its field; a repeat-wrapper schedules repeating then
// adds to its field. FieldIndex < 0 suppresses the field-add in every
// case.
func (l *Loop) dispatch(ctx context.Context, rec transport.Transportee) error {
	switch p := rec.Payload.(type) {
	case transport.BareObject:
		return l.addToField(ctx, rec.FieldIndex, rec.Location, p.Data)
	case transport.AgentWrapper:
		var err error
		if p.Time < 0 {
			err = l.scheduler.ScheduleOnce(p.Agent, p.Ordering)
		} else {
			err = l.scheduler.ScheduleAt(p.Agent, p.Ordering, p.Time)
		}
		if err != nil {
			return fmt.Errorf("schedule agent: %w", err)
		}
		return l.addToField(ctx, rec.FieldIndex, rec.Location, p.Agent)
	case transport.RepeatWrapper:
		if err := l.scheduler.ScheduleRepeating(p.Step, p.Ordering, p.Time, p.Interval); err != nil {
			return fmt.Errorf("schedule repeating: %w", err)
		}
		return l.addToField(ctx, rec.FieldIndex, rec.Location, p.Step)
	default:
		return fmt.Errorf("unknown transportee payload %T", rec.Payload)
	}
}

func (l *Loop) addToField(ctx context.Context, fieldIndex int, point geom.IntPoint, data []byte) error {
	if fieldIndex < 0 {
		return nil
	}
	f, ok := l.fieldByIdx[fieldIndex]
	if !ok {
		return fmt.Errorf("no field registered with index %d", fieldIndex)
	}
	return f.AddEncoded(ctx, point, data)
}
