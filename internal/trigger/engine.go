// Package trigger implements the trigger engine (C6): it fans a
// persisted signal set out into one unified event stream of fired
// signals, owning the cron tick, wall-clock timers, state-regex
// matching, state-range residency tracking, and MQTT subscriptions.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/thane-ai-agent/internal/automation"
)

// StateChange is one hub state-change event, the shape C9 publishes
// on its event stream, filtered to state_changed already.
type StateChange struct {
	EntityID string
	NewState string
	At       time.Time
}

// HubEventSource is the slice of C9 the engine needs: a live feed of
// entity state changes. The engine only ever reads from it.
type HubEventSource interface {
	StateChanges() <-chan StateChange
}

// MQTTMessage is one received broker message.
type MQTTMessage struct {
	Topic   string
	Payload string
}

// MQTTSource is the slice of the MQTT client the engine needs:
// subscribe to a topic filter and receive a channel of matching
// messages. Cancelling ctx ends the subscription.
type MQTTSource interface {
	Subscribe(ctx context.Context, topicFilter string) (<-chan MQTTMessage, error)
}

// SignalStore is the read handle into the signal store the engine
// needs to reconstitute timers at boot. The engine never writes to
// the store and never calls back into the runtime; it only reads
// signals and emits FiredSignal on Events().
type SignalStore interface {
	AllAliveSignals() ([]automation.Signal, error)
}

// clockJumpThreshold is the minimum wall-clock discrepancy between
// two consecutive watchdog polls that counts as an externally
// detected time jump — a system clock step, NTP correction, or a VM
// resuming from a pause — rather than ordinary scheduling jitter.
const clockJumpThreshold = 30 * time.Second

// clockWatchInterval is how often the real-clock watchdog polls for
// a jump.
const clockWatchInterval = 10 * time.Second

// Engine owns the unified fired-signal event stream.
type Engine struct {
	store SignalStore
	hub   HubEventSource
	mqtt  MQTTSource
	clock Clock
	loc   *time.Location
	log   *slog.Logger

	out chan automation.FiredSignal

	mu         sync.Mutex
	scheduled  map[int64]*scheduledTimer
	cronTimer  ClockTimer
	crons      map[int64]cronEntry
	residency  map[int64]*rangeState
	cancelMQTT map[int64]context.CancelFunc
	runCtx     context.Context
	stopCh     chan struct{}
}

// scheduledTimer is a pending one-shot or offset fire. target is the
// absolute deadline; offset is non-nil only for a repeating offset
// signal, carrying the data needed to compute the next occurrence.
// Keeping target as an absolute time rather than a relative delay is
// what lets a clock jump be corrected for: recompute() just re-derives
// the delay against the current clock instead of trusting whatever
// delay was live when the jump happened.
type scheduledTimer struct {
	sig    automation.Signal
	target time.Time
	offset *automation.OffsetData
	timer  ClockTimer
}

type cronEntry struct {
	sig  automation.Signal
	spec *CronSpec
}

type rangeState struct {
	sig       automation.Signal
	data      automation.StateRangeData
	inRange   bool
	enteredAt time.Time
	fired     bool
}

// Config configures a new Engine.
type Config struct {
	Store    SignalStore
	Hub      HubEventSource
	MQTT     MQTTSource
	Clock    Clock            // defaults to the real wall clock
	Location *time.Location   // defaults to time.Local
	Logger   *slog.Logger
}

// New builds an Engine. Call Start to reconstitute timers from the
// store and begin consuming hub/MQTT events.
func New(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      cfg.Store,
		hub:        cfg.Hub,
		mqtt:       cfg.MQTT,
		clock:      clock,
		loc:        loc,
		log:        logger.With("component", "trigger"),
		out:        make(chan automation.FiredSignal, 64),
		scheduled:  make(map[int64]*scheduledTimer),
		crons:      make(map[int64]cronEntry),
		residency:  make(map[int64]*rangeState),
		cancelMQTT: make(map[int64]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}
}

// Events returns the unified stream of fired signals.
func (e *Engine) Events() <-chan automation.FiredSignal {
	return e.out
}

// Start reconstitutes timers and subscriptions from every alive signal
// in the store, fires any missed one-shot whose time has already
// passed ("catch-up"; missed cron ticks are never backfilled), and
// begins the cron tick loop, hub/MQTT consumers, and the wall-clock
// jump watchdog.
func (e *Engine) Start(ctx context.Context) error {
	signals, err := e.store.AllAliveSignals()
	if err != nil {
		return fmt.Errorf("load alive signals: %w", err)
	}

	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	for _, sig := range signals {
		if err := e.arm(ctx, sig); err != nil {
			e.log.Warn("failed to arm signal on startup", "signal_id", sig.ID, "kind", sig.Kind, "error", err)
		}
	}

	e.scheduleCronTick(ctx)
	if e.hub != nil {
		go e.consumeHubEvents(ctx)
	}
	if _, ok := e.clock.(systemClock); ok {
		go e.watchForClockJumps(ctx)
	}

	return nil
}

// Stop halts the cron loop and releases every timer and subscription.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.scheduled {
		st.timer.Stop()
	}
	if e.cronTimer != nil {
		e.cronTimer.Stop()
	}
	for _, cancel := range e.cancelMQTT {
		cancel()
	}
}

// Arm registers a newly inserted signal with the engine without a
// restart — called by the scheduling tool suite right after
// InsertSignal so a fresh trigger takes effect immediately.
func (e *Engine) Arm(ctx context.Context, sig automation.Signal) error {
	return e.arm(ctx, sig)
}

// Disarm removes every engine-side timer/subscription for a signal id
// that has just been killed (cancel-all-scheduled-triggers, or a
// notebook hash change retiring a revision).
func (e *Engine) Disarm(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.scheduled[id]; ok {
		st.timer.Stop()
		delete(e.scheduled, id)
	}
	delete(e.crons, id)
	delete(e.residency, id)
	if cancel, ok := e.cancelMQTT[id]; ok {
		cancel()
		delete(e.cancelMQTT, id)
	}
}

func (e *Engine) arm(ctx context.Context, sig automation.Signal) error {
	switch sig.Kind {
	case automation.SignalCron:
		var data automation.CronData
		if err := unmarshal(sig.Data, &data); err != nil {
			return err
		}
		spec, err := ParseCron(data.Expr)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.crons[sig.ID] = cronEntry{sig: sig, spec: spec}
		e.mu.Unlock()
		return nil

	case automation.SignalTime:
		var data automation.TimeData
		if err := unmarshal(sig.Data, &data); err != nil {
			return err
		}
		at, err := time.Parse(time.RFC3339, data.ISO8601)
		if err != nil {
			return fmt.Errorf("parse iso8601: %w", err)
		}
		e.schedule(sig, at, nil)
		return nil

	case automation.SignalOffset:
		var data automation.OffsetData
		if err := unmarshal(sig.Data, &data); err != nil {
			return err
		}
		target := data.Anchor.Add(time.Duration(data.OffsetSeconds) * time.Second)
		e.schedule(sig, target, &data)
		return nil

	case automation.SignalStateRange:
		var data automation.StateRangeData
		if err := unmarshal(sig.Data, &data); err != nil {
			return err
		}
		e.mu.Lock()
		e.residency[sig.ID] = &rangeState{sig: sig, data: data}
		e.mu.Unlock()
		return nil

	case automation.SignalMQTT:
		if e.mqtt == nil {
			return fmt.Errorf("mqtt signal %d but no MQTT source configured", sig.ID)
		}
		var data automation.MQTTData
		if err := unmarshal(sig.Data, &data); err != nil {
			return err
		}
		return e.armMQTT(ctx, sig, data)

	case automation.SignalState:
		// State signals have no per-signal subscription: they are
		// matched against the shared hub event stream in
		// consumeHubEvents by scanning all alive state signals.
		return nil

	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
}

// schedule arms a one-shot (offset == nil) or offset fire at target,
// recomputing the delay from target and the engine's clock rather
// than taking a caller-supplied duration — the same codepath arm()
// uses initially and recompute() uses after a detected clock jump.
func (e *Engine) schedule(sig automation.Signal, target time.Time, offset *automation.OffsetData) {
	delay := target.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	st := &scheduledTimer{sig: sig, target: target, offset: offset}
	st.timer = e.clock.AfterFunc(delay, func() { e.fireScheduled(st) })

	e.mu.Lock()
	e.scheduled[sig.ID] = st
	e.mu.Unlock()
}

func (e *Engine) fireScheduled(st *scheduledTimer) {
	e.publish(automation.FiredSignal{AutomationHash: st.sig.AutomationHash, Signal: st.sig, FiredAt: e.clock.Now()})

	if st.offset != nil && st.offset.RepeatForever {
		next := st.target.Add(time.Duration(st.offset.OffsetSeconds) * time.Second)
		e.schedule(st.sig, next, st.offset)
		return
	}

	e.mu.Lock()
	delete(e.scheduled, st.sig.ID)
	e.mu.Unlock()
}

func (e *Engine) armMQTT(ctx context.Context, sig automation.Signal, data automation.MQTTData) error {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := e.mqtt.Subscribe(subCtx, data.Topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe topic %q: %w", data.Topic, err)
	}
	e.mu.Lock()
	e.cancelMQTT[sig.ID] = cancel
	e.mu.Unlock()

	go func() {
		var payloadRe *regexp.Regexp
		if data.PayloadRegex != "" {
			payloadRe, _ = regexp.Compile(data.PayloadRegex)
		}
		for msg := range msgs {
			if payloadRe != nil && !payloadRe.MatchString(msg.Payload) {
				continue
			}
			e.publish(automation.FiredSignal{AutomationHash: sig.AutomationHash, Signal: sig, FiredAt: e.clock.Now()})
		}
	}()
	return nil
}

// scheduleCronTick arms the clock-driven wakeup for the next
// minute boundary and, on firing, matches every armed cron entry
// before rescheduling itself — a self-rescheduling AfterFunc chain
// rather than a goroutine blocked on a timer channel, so a FakeClock
// drives it exactly like every other timer in the engine.
func (e *Engine) scheduleCronTick(ctx context.Context) {
	now := e.clock.Now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	wait := next.Sub(now)
	if wait <= 0 {
		wait = time.Minute
	}

	e.mu.Lock()
	e.cronTimer = e.clock.AfterFunc(wait, func() {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		e.fireCronTick()
		e.scheduleCronTick(ctx)
	})
	e.mu.Unlock()
}

// fireCronTick fires every cron signal whose spec matches the current
// tick. Missed ticks — the process was down across a boundary, or a
// clock jump skipped past one — are never backfilled.
func (e *Engine) fireCronTick() {
	tick := e.clock.Now().In(e.loc)
	e.mu.Lock()
	entries := make([]cronEntry, 0, len(e.crons))
	for _, c := range e.crons {
		entries = append(entries, c)
	}
	e.mu.Unlock()

	for _, c := range entries {
		if c.spec.Matches(tick) {
			e.publish(automation.FiredSignal{AutomationHash: c.sig.AutomationHash, Signal: c.sig, FiredAt: tick})
		}
	}
}

// watchForClockJumps polls the real wall clock at a fixed real-time
// interval (via time.Ticker, which is driven by the runtime's
// monotonic clock and so keeps polling on schedule regardless of any
// wall-clock change) and compares each observed wall-clock delta
// against the interval it expected to see elapse. A discrepancy past
// clockJumpThreshold means something stepped the system clock — an
// NTP correction, a VM resuming from a pause — out from under every
// timer armed with the old notion of "now", so every pending deadline
// is recomputed against the corrected clock.
func (e *Engine) watchForClockJumps(ctx context.Context) {
	ticker := time.NewTicker(clockWatchInterval)
	defer ticker.Stop()

	last := time.Now().Round(0)
	for {
		select {
		case <-ticker.C:
			now := time.Now().Round(0)
			drift := now.Sub(last) - clockWatchInterval
			last = now
			if clockJumped(drift) {
				e.log.Warn("wall-clock jump detected, recomputing schedule", "drift", drift)
				e.recomputeSchedule(ctx)
			}
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

// clockJumped reports whether drift — the difference between the
// wall-clock time actually observed to elapse and the time a ticker
// interval was supposed to take — is large enough to be an externally
// detected jump rather than scheduling jitter. A pure function so the
// threshold logic is testable without sleeping on a real ticker.
func clockJumped(drift time.Duration) bool {
	if drift < 0 {
		drift = -drift
	}
	return drift > clockJumpThreshold
}

// recomputeSchedule stops and re-arms every pending one-shot/offset
// timer and the cron tick against the engine's current clock reading.
// State-range residency needs no recompute: it only measures elapsed
// duration between two observed state changes, both timestamped by
// the caller, so a clock jump with no intervening state change simply
// has no effect on it.
func (e *Engine) recomputeSchedule(ctx context.Context) {
	e.mu.Lock()
	pending := make([]*scheduledTimer, 0, len(e.scheduled))
	for _, st := range e.scheduled {
		pending = append(pending, st)
	}
	cronTimer := e.cronTimer
	e.mu.Unlock()

	for _, st := range pending {
		st.timer.Stop()
		e.schedule(st.sig, st.target, st.offset)
	}

	if cronTimer != nil {
		cronTimer.Stop()
	}
	e.scheduleCronTick(ctx)
}

// consumeHubEvents matches every incoming state change against alive
// state and state-range signals.
func (e *Engine) consumeHubEvents(ctx context.Context) {
	for {
		select {
		case change, ok := <-e.hub.StateChanges():
			if !ok {
				return
			}
			e.matchStateSignals(change)
			e.updateRangeSignals(change)
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) matchStateSignals(change StateChange) {
	signals, err := e.store.AllAliveSignals()
	if err != nil {
		e.log.Error("load alive signals for state match", "error", err)
		return
	}
	for _, sig := range signals {
		if sig.Kind != automation.SignalState {
			continue
		}
		var data automation.StateData
		if err := unmarshal(sig.Data, &data); err != nil {
			continue
		}
		if !contains(data.EntityIDs, change.EntityID) {
			continue
		}
		re, err := regexp.Compile(data.Regex)
		if err != nil {
			continue
		}
		// Unanchored/partial match is intentional: a state-regex
		// trigger fires on any substring match, not just a
		// full-string one.
		if re.MatchString(change.NewState) {
			e.publish(automation.FiredSignal{AutomationHash: sig.AutomationHash, Signal: sig, FiredAt: change.At})
		}
	}
}

func (e *Engine) updateRangeSignals(change StateChange) {
	value, err := strconv.ParseFloat(change.NewState, 64)
	inRange := func(rs *rangeState) bool {
		if err != nil {
			return false
		}
		if rs.data.Min != nil && value < *rs.data.Min {
			return false
		}
		if rs.data.Max != nil && value > *rs.data.Max {
			return false
		}
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rs := range e.residency {
		if rs.data.EntityID != change.EntityID {
			continue
		}
		now := inRange(rs)
		switch {
		case now && !rs.inRange:
			rs.inRange = true
			rs.enteredAt = change.At
			rs.fired = false
		case now && rs.inRange && !rs.fired:
			if change.At.Sub(rs.enteredAt) >= time.Duration(rs.data.ForSeconds)*time.Second {
				rs.fired = true
				e.publish(automation.FiredSignal{AutomationHash: rs.sig.AutomationHash, Signal: rs.sig, FiredAt: change.At})
			}
		case !now:
			rs.inRange = false
			rs.fired = false
		}
	}
}

func (e *Engine) publish(f automation.FiredSignal) {
	select {
	case e.out <- f:
	case <-e.stopCh:
	}
}

func contains(items []string, target string) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}
	return false
}

func unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
