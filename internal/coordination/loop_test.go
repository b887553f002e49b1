package coordination

import (
	"context"
	"errors"
	"testing"

	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/rtctx"
	"github.com/dreamware/meshfield/internal/transport"
)

type fakeField struct {
	index    int
	synced   bool
	order    *[]string
	name     string
	added    []geom.IntPoint
	addedRaw [][]byte
	addErr   error
}

func (f *fakeField) FieldIndex() int { return f.index }

func (f *fakeField) Sync(ctx context.Context) error {
	f.synced = true
	if f.order != nil {
		*f.order = append(*f.order, "sync:"+f.name)
	}
	return nil
}

func (f *fakeField) AddEncoded(ctx context.Context, point geom.IntPoint, data []byte) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, point)
	f.addedRaw = append(f.addedRaw, data)
	return nil
}

type fakeScheduler struct {
	order          *[]string
	stepErr        error
	nextTime       float64
	onceCalls      int
	atCalls        []float64
	repeatCalls    int
	lastRepeatTime float64
}

func (s *fakeScheduler) Step() error {
	if s.order != nil {
		*s.order = append(*s.order, "step")
	}
	return s.stepErr
}

func (s *fakeScheduler) ScheduleOnce(agent []byte, ordering int) error {
	s.onceCalls++
	return nil
}

func (s *fakeScheduler) ScheduleAt(agent []byte, ordering int, time float64) error {
	s.atCalls = append(s.atCalls, time)
	return nil
}

func (s *fakeScheduler) ScheduleRepeating(step []byte, ordering int, time, interval float64) error {
	s.repeatCalls++
	s.lastRepeatTime = time
	return nil
}

func (s *fakeScheduler) NextTime() float64 { return s.nextTime }

func newTestLoop(t *testing.T, sched Scheduler) *Loop {
	t.Helper()
	ctx := rtctx.New(0, 1, "http://coordinator")
	tr := transport.NewTransporter(0, map[int]*transport.NeighborLink{}, nil)
	return NewLoop(ctx, tr, sched, nil)
}

func TestLoopTickRunsStepsInOrder(t *testing.T) {
	var order []string
	fA := &fakeField{index: 0, order: &order, name: "a"}
	fB := &fakeField{index: 1, order: &order, name: "b"}
	sched := &fakeScheduler{order: &order, nextTime: 3.5}

	loop := newTestLoop(t, sched)
	loop.RegisterField(fA)
	loop.RegisterField(fB)

	got, err := loop.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got != 3.5 {
		t.Errorf("Tick returned %v, want scheduler.NextTime() 3.5 (no collective configured)", got)
	}

	want := []string{"sync:a", "sync:b", "step"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestLoopTickStopsThenStartsTimer(t *testing.T) {
	sched := &fakeScheduler{}
	loop := newTestLoop(t, sched)
	loop.timer.Start() // simulate a timer already running from a prior tick

	if _, err := loop.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if loop.timer.Len() != 1 {
		t.Errorf("timer recorded %d samples, want 1 (one Stop/Start bracket per tick)", loop.timer.Len())
	}
}

func TestLoopDispatchBareObjectAddsToField(t *testing.T) {
	f := &fakeField{index: 5}
	sched := &fakeScheduler{}
	loop := newTestLoop(t, sched)
	loop.RegisterField(f)

	rec := transport.Transportee{
		FieldIndex: 5,
		Location:   geom.IntPoint{1, 2},
		Payload:    transport.BareObject{Data: []byte("hi")},
	}
	if err := loop.dispatch(context.Background(), rec); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(f.added) != 1 || string(f.addedRaw[0]) != "hi" {
		t.Errorf("bare object did not reach the field: added=%v raw=%v", f.added, f.addedRaw)
	}
}

func TestLoopDispatchAgentWrapperSchedulesAndAdds(t *testing.T) {
	f := &fakeField{index: 0}
	sched := &fakeScheduler{}
	loop := newTestLoop(t, sched)
	loop.RegisterField(f)

	// Time < 0 means "schedule once at next step".
	rec := transport.Transportee{
		FieldIndex: 0,
		Payload:    transport.AgentWrapper{Agent: []byte("a"), Ordering: 1, Time: -1},
	}
	if err := loop.dispatch(context.Background(), rec); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sched.onceCalls != 1 || len(f.added) != 1 {
		t.Errorf("Time<0 agent-wrapper: onceCalls=%d added=%d, want 1 and 1", sched.onceCalls, len(f.added))
	}

	rec.Payload = transport.AgentWrapper{Agent: []byte("b"), Ordering: 2, Time: 7.0}
	if err := loop.dispatch(context.Background(), rec); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sched.atCalls) != 1 || sched.atCalls[0] != 7.0 || len(f.added) != 2 {
		t.Errorf("Time>=0 agent-wrapper: atCalls=%v added=%d, want [7] and 2", sched.atCalls, len(f.added))
	}
}

func TestLoopDispatchRepeatWrapperSchedulesAndAdds(t *testing.T) {
	f := &fakeField{index: 0}
	sched := &fakeScheduler{}
	loop := newTestLoop(t, sched)
	loop.RegisterField(f)

	rec := transport.Transportee{
		FieldIndex: 0,
		Payload:    transport.RepeatWrapper{Time: 2, Interval: 1, Ordering: 3, Step: []byte("s")},
	}
	if err := loop.dispatch(context.Background(), rec); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sched.repeatCalls != 1 || sched.lastRepeatTime != 2 || len(f.added) != 1 {
		t.Errorf("repeat-wrapper: repeatCalls=%d lastRepeatTime=%v added=%d", sched.repeatCalls, sched.lastRepeatTime, len(f.added))
	}
}

func TestLoopDispatchNegativeFieldIndexSuppressesAdd(t *testing.T) {
	sched := &fakeScheduler{}
	loop := newTestLoop(t, sched)

	rec := transport.Transportee{
		FieldIndex: -1,
		Payload:    transport.BareObject{Data: []byte("x")},
	}
	if err := loop.dispatch(context.Background(), rec); err != nil {
		t.Fatalf("dispatch with field_index < 0 should not error: %v", err)
	}
}

func TestLoopDispatchUnknownFieldIndexErrors(t *testing.T) {
	sched := &fakeScheduler{}
	loop := newTestLoop(t, sched)

	rec := transport.Transportee{
		FieldIndex: 99,
		Payload:    transport.BareObject{Data: []byte("x")},
	}
	if err := loop.dispatch(context.Background(), rec); err == nil {
		t.Error("dispatch to an unregistered field index should error")
	}
}

func TestLoopTickPropagatesSchedulerError(t *testing.T) {
	sched := &fakeScheduler{stepErr: errors.New("boom")}
	loop := newTestLoop(t, sched)

	if _, err := loop.Tick(context.Background()); err == nil {
		t.Error("Tick should surface a scheduler.Step() error")
	}
}

func TestRebalanceTimerRollingWindow(t *testing.T) {
	timer := NewRebalanceTimer(2)
	timer.Stop() // no-op: nothing started yet
	if timer.Len() != 0 {
		t.Errorf("Stop without a prior Start recorded a sample: len=%d", timer.Len())
	}

	timer.Start()
	timer.Stop()
	timer.Start()
	timer.Stop()
	timer.Start()
	timer.Stop()

	if timer.Len() != 2 {
		t.Errorf("window length = %d, want 2 (capped at windowSize)", timer.Len())
	}
}
