package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nugget/thane-ai-agent/internal/automation"
)

type fakeStore struct {
	signals []automation.Signal
}

func (f *fakeStore) AllAliveSignals() ([]automation.Signal, error) {
	return f.signals, nil
}

func marshalData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func expectFire(t *testing.T, eng *Engine, wantID int64) {
	t.Helper()
	select {
	case fired := <-eng.Events():
		if fired.Signal.ID != wantID {
			t.Fatalf("expected signal %d, got %+v", wantID, fired)
		}
	default:
		t.Fatalf("expected signal %d to have fired already, got none", wantID)
	}
}

func expectNoFire(t *testing.T, eng *Engine) {
	t.Helper()
	select {
	case fired := <-eng.Events():
		t.Fatalf("expected no fire, got %+v", fired)
	default:
	}
}

// TestOneShotFiresOnFakeClockAdvance is the mandatory deterministic
// scenario: insert a time signal 50ms in the future against a fake
// clock, advance the clock by 60ms, and see it fire with no real
// sleep and no race against a live timer.
func TestOneShotFiresOnFakeClockAdvance(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	future := clock.Now().Add(50 * time.Millisecond)
	sig := automation.Signal{
		ID:             1,
		AutomationHash: "h1",
		Kind:           automation.SignalTime,
		Data:           marshalData(t, automation.TimeData{ISO8601: future.Format(time.RFC3339Nano)}),
	}
	store := &fakeStore{signals: []automation.Signal{sig}}
	eng := New(Config{Store: store, Clock: clock})
	defer eng.Stop()

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	expectNoFire(t, eng)

	clock.Advance(60 * time.Millisecond)
	expectFire(t, eng, 1)
}

func TestOneShotCatchUpFiresImmediately(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	past := clock.Now().Add(-time.Hour)
	sig := automation.Signal{
		ID:             1,
		AutomationHash: "h1",
		Kind:           automation.SignalTime,
		Data:           marshalData(t, automation.TimeData{ISO8601: past.Format(time.RFC3339)}),
	}
	store := &fakeStore{signals: []automation.Signal{sig}}
	eng := New(Config{Store: store, Clock: clock})
	defer eng.Stop()

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A zero-delay AfterFunc is still scheduled, not fired inline, so
	// a zero-duration advance drains it deterministically.
	clock.Advance(0)
	expectFire(t, eng, 1)
}

func TestOffsetRepeatForeverReschedules(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	sig := automation.Signal{
		ID:             6,
		AutomationHash: "h6",
		Kind:           automation.SignalOffset,
		Data: marshalData(t, automation.OffsetData{
			Anchor:        clock.Now(),
			OffsetSeconds: 1,
			RepeatForever: true,
		}),
	}
	store := &fakeStore{signals: []automation.Signal{sig}}
	eng := New(Config{Store: store, Clock: clock})
	defer eng.Stop()

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.Advance(time.Second)
	expectFire(t, eng, 6)

	clock.Advance(time.Second)
	expectFire(t, eng, 6)
}

func TestStateSignalMatchesUnanchored(t *testing.T) {
	sig := automation.Signal{
		ID:             2,
		AutomationHash: "h2",
		Kind:           automation.SignalState,
		Data: marshalData(t, automation.StateData{
			EntityIDs: []string{"binary_sensor.front_door"},
			Regex:     "open",
		}),
	}
	store := &fakeStore{signals: []automation.Signal{sig}}
	eng := New(Config{Store: store})
	defer eng.Stop()

	eng.matchStateSignals(StateChange{EntityID: "binary_sensor.front_door", NewState: "is now open", At: time.Now()})

	expectFire(t, eng, 2)
}

func TestStateSignalNoMatchDoesNotFire(t *testing.T) {
	sig := automation.Signal{
		ID:             3,
		AutomationHash: "h3",
		Kind:           automation.SignalState,
		Data: marshalData(t, automation.StateData{
			EntityIDs: []string{"binary_sensor.front_door"},
			Regex:     "open",
		}),
	}
	store := &fakeStore{signals: []automation.Signal{sig}}
	eng := New(Config{Store: store})
	defer eng.Stop()

	eng.matchStateSignals(StateChange{EntityID: "binary_sensor.front_door", NewState: "closed", At: time.Now()})

	expectNoFire(t, eng)
}

func TestStateRangeFiresOnceAfterDuration(t *testing.T) {
	min, max := 68.0, 72.0
	sig := automation.Signal{
		ID:             4,
		AutomationHash: "h4",
		Kind:           automation.SignalStateRange,
		Data: marshalData(t, automation.StateRangeData{
			EntityID:   "sensor.bedroom_temp",
			Min:        &min,
			Max:        &max,
			ForSeconds: 60,
		}),
	}
	store := &fakeStore{signals: []automation.Signal{sig}}
	eng := New(Config{Store: store})
	defer eng.Stop()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Now()
	eng.updateRangeSignals(StateChange{EntityID: "sensor.bedroom_temp", NewState: "70", At: base})
	eng.updateRangeSignals(StateChange{EntityID: "sensor.bedroom_temp", NewState: "70", At: base.Add(30 * time.Second)})

	expectNoFire(t, eng)

	eng.updateRangeSignals(StateChange{EntityID: "sensor.bedroom_temp", NewState: "70", At: base.Add(61 * time.Second)})
	expectFire(t, eng, 4)

	// Re-arm requires leaving and re-entering the range; staying in
	// range must not fire twice.
	eng.updateRangeSignals(StateChange{EntityID: "sensor.bedroom_temp", NewState: "70", At: base.Add(62 * time.Second)})
	expectNoFire(t, eng)
}

func TestDisarmStopsOneShotTimer(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	future := clock.Now().Add(50 * time.Millisecond)
	sig := automation.Signal{
		ID:             5,
		AutomationHash: "h5",
		Kind:           automation.SignalTime,
		Data:           marshalData(t, automation.TimeData{ISO8601: future.Format(time.RFC3339Nano)}),
	}
	store := &fakeStore{signals: []automation.Signal{sig}}
	eng := New(Config{Store: store, Clock: clock})
	defer eng.Stop()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eng.Disarm(5)

	clock.Advance(100 * time.Millisecond)
	expectNoFire(t, eng)
}

func TestClockJumped(t *testing.T) {
	cases := []struct {
		name  string
		drift time.Duration
		want  bool
	}{
		{"no drift", 0, false},
		{"small negative jitter", -2 * time.Second, false},
		{"right at threshold", 30 * time.Second, false},
		{"just past threshold", 31 * time.Second, true},
		{"large backward jump", -5 * time.Minute, true},
	}
	for _, c := range cases {
		if got := clockJumped(c.drift); got != c.want {
			t.Errorf("%s: clockJumped(%v) = %v, want %v", c.name, c.drift, got, c.want)
		}
	}
}

// TestRecomputeScheduleCorrectsStaleDeadline simulates an external
// wall-clock jump by moving a FakeClock forward with SetNow (which,
// unlike Advance, never fires pending timers) and confirms that
// recomputeSchedule notices the one-shot's deadline is now in the
// past and re-arms it to fire immediately rather than waiting out its
// original, now-stale delay.
func TestRecomputeScheduleCorrectsStaleDeadline(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)
	target := start.Add(100 * time.Second)
	sig := automation.Signal{
		ID:             7,
		AutomationHash: "h7",
		Kind:           automation.SignalTime,
		Data:           marshalData(t, automation.TimeData{ISO8601: target.Format(time.RFC3339Nano)}),
	}
	store := &fakeStore{signals: []automation.Signal{sig}}
	eng := New(Config{Store: store, Clock: clock})
	defer eng.Stop()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Jump straight past the target without firing anything.
	clock.SetNow(target.Add(40 * time.Minute))
	expectNoFire(t, eng)

	eng.recomputeSchedule(context.Background())
	clock.Advance(0)
	expectFire(t, eng, 7)
}
