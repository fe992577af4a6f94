package schedtools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/thane-ai-agent/internal/automation"
)

func newTestStore(t *testing.T) *automation.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "signals_test.db")
	s, err := automation.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeArmer struct {
	armed    []automation.Signal
	disarmed []int64
	armErr   error
}

func (f *fakeArmer) Arm(ctx context.Context, sig automation.Signal) error {
	if f.armErr != nil {
		return f.armErr
	}
	f.armed = append(f.armed, sig)
	return nil
}

func (f *fakeArmer) Disarm(id int64) {
	f.disarmed = append(f.disarmed, id)
}

func newTestServer(t *testing.T) (*Server, *fakeArmer) {
	armer := &fakeArmer{}
	s := &Server{
		AutomationHash: "hash1",
		Store:          newTestStore(t),
		Engine:         armer,
	}
	return s, armer
}

func unmarshalError(t *testing.T, out string) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	if result["error"] == "" {
		t.Fatalf("expected an error field in %q", out)
	}
	return result
}

func TestCreateCron_ValidationFailure(t *testing.T) {
	s, armer := newTestServer(t)

	out, err := s.handleCreateCron(context.Background(), map[string]any{"expr": "not a cron expression"})
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	unmarshalError(t, out)
	if len(armer.armed) != 0 {
		t.Errorf("armed = %+v, want none on validation failure", armer.armed)
	}

	alive, err := s.Store.AliveSignalsForHash(s.AutomationHash)
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(alive) != 0 {
		t.Errorf("alive = %+v, want nothing persisted on validation failure", alive)
	}
}

func TestCreateCron_RoundTrip(t *testing.T) {
	s, armer := newTestServer(t)

	out, err := s.handleCreateCron(context.Background(), map[string]any{"expr": "0 7 * * *"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]int64
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	id, ok := result["id"]
	if !ok {
		t.Fatalf("result = %q, want an id field", out)
	}

	if len(armer.armed) != 1 || armer.armed[0].ID != id {
		t.Fatalf("armed = %+v, want signal %d armed", armer.armed, id)
	}

	alive, err := s.Store.AliveSignalsForHash(s.AutomationHash)
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(alive) != 1 {
		t.Fatalf("alive = %+v, want one persisted signal", alive)
	}
	var data automation.CronData
	if err := json.Unmarshal(alive[0].Data, &data); err != nil {
		t.Fatalf("unmarshal signal data: %v", err)
	}
	if data.Expr != "0 7 * * *" {
		t.Errorf("data.Expr = %q, want %q", data.Expr, "0 7 * * *")
	}
}

func TestCreateStateRegex_ValidationFailures(t *testing.T) {
	s, _ := newTestServer(t)

	out, err := s.handleCreateStateRegex(context.Background(), map[string]any{
		"entity_ids": []any{},
		"regex":      "open",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unmarshalError(t, out)

	out, err = s.handleCreateStateRegex(context.Background(), map[string]any{
		"entity_ids": []any{"binary_sensor.front_door"},
		"regex":      "(unterminated",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unmarshalError(t, out)
}

func TestCreateStateRegex_RoundTripWithUnknownEntityWarning(t *testing.T) {
	s, armer := newTestServer(t)
	s.KnownEntities = func() []string { return []string{"binary_sensor.front_door"} }

	out, err := s.handleCreateStateRegex(context.Background(), map[string]any{
		"entity_ids": []any{"binary_sensor.front_door", "binary_sensor.ghost"},
		"regex":      "open",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(armer.armed) != 1 {
		t.Fatalf("armed = %+v, want one signal armed despite the warning", armer.armed)
	}
	// insertAndArm's JSON result has the warning appended as trailing
	// prose, not folded into the JSON object, so check for the id
	// field textually rather than unmarshaling the whole string.
	if !strings.Contains(out, `"id"`) {
		t.Fatalf("result = %q, want an id field", out)
	}
	if !strings.Contains(out, "binary_sensor.ghost") {
		t.Errorf("result = %q, want a warning naming the unrecognized entity", out)
	}
}

func TestCreateStateRange_ValidationFailure(t *testing.T) {
	s, _ := newTestServer(t)

	out, err := s.handleCreateStateRange(context.Background(), map[string]any{
		"entity_id":   "",
		"for_seconds": float64(60),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unmarshalError(t, out)
}

func TestCreateStateRange_RoundTrip(t *testing.T) {
	s, armer := newTestServer(t)

	out, err := s.handleCreateStateRange(context.Background(), map[string]any{
		"entity_id":   "sensor.bedroom_temp",
		"min":         float64(60),
		"max":         float64(75),
		"for_seconds": float64(300),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !jsonHasID(t, out) {
		t.Fatalf("result = %q, want an id field", out)
	}
	if len(armer.armed) != 1 {
		t.Fatalf("armed = %+v, want one signal armed", armer.armed)
	}

	var data automation.StateRangeData
	alive, err := s.Store.AliveSignalsForHash(s.AutomationHash)
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(alive) != 1 {
		t.Fatalf("alive = %+v, want one persisted signal", alive)
	}
	if err := json.Unmarshal(alive[0].Data, &data); err != nil {
		t.Fatalf("unmarshal signal data: %v", err)
	}
	if data.EntityID != "sensor.bedroom_temp" || data.Min == nil || *data.Min != 60 || data.Max == nil || *data.Max != 75 {
		t.Errorf("data = %+v, want entity/min/max round-tripped", data)
	}
}

func TestCreateRelativeTime_ValidationFailure(t *testing.T) {
	s, _ := newTestServer(t)

	out, err := s.handleCreateRelativeTime(context.Background(), map[string]any{"offset_seconds": float64(0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unmarshalError(t, out)
}

func TestCreateRelativeTime_RoundTrip(t *testing.T) {
	s, armer := newTestServer(t)

	out, err := s.handleCreateRelativeTime(context.Background(), map[string]any{
		"offset_seconds": float64(30),
		"repeat_forever": true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !jsonHasID(t, out) {
		t.Fatalf("result = %q, want an id field", out)
	}
	if len(armer.armed) != 1 {
		t.Fatalf("armed = %+v, want one signal armed", armer.armed)
	}
}

func TestCreateAbsoluteTime_ValidationFailures(t *testing.T) {
	s, _ := newTestServer(t)

	out, err := s.handleCreateAbsoluteTime(context.Background(), map[string]any{"iso8601": "not a timestamp"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unmarshalError(t, out)

	out, err = s.handleCreateAbsoluteTime(context.Background(), map[string]any{"iso8601": "2000-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unmarshalError(t, out)
}

func TestCreateAbsoluteTime_RoundTrip(t *testing.T) {
	s, armer := newTestServer(t)

	out, err := s.handleCreateAbsoluteTime(context.Background(), map[string]any{"iso8601": "2099-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !jsonHasID(t, out) {
		t.Fatalf("result = %q, want an id field", out)
	}
	if len(armer.armed) != 1 {
		t.Fatalf("armed = %+v, want one signal armed", armer.armed)
	}
}

func TestCreateMQTT_ValidationFailures(t *testing.T) {
	s, _ := newTestServer(t)

	out, err := s.handleCreateMQTT(context.Background(), map[string]any{"topic": ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unmarshalError(t, out)

	out, err = s.handleCreateMQTT(context.Background(), map[string]any{
		"topic":         "home/doorbell/pressed",
		"payload_regex": "(unterminated",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unmarshalError(t, out)
}

func TestCreateMQTT_RoundTrip(t *testing.T) {
	s, armer := newTestServer(t)

	out, err := s.handleCreateMQTT(context.Background(), map[string]any{
		"topic":         "home/doorbell/pressed",
		"payload_regex": "pressed",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !jsonHasID(t, out) {
		t.Fatalf("result = %q, want an id field", out)
	}
	if len(armer.armed) != 1 {
		t.Fatalf("armed = %+v, want one signal armed", armer.armed)
	}

	alive, err := s.Store.AliveSignalsForHash(s.AutomationHash)
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	var data automation.MQTTData
	if err := json.Unmarshal(alive[0].Data, &data); err != nil {
		t.Fatalf("unmarshal signal data: %v", err)
	}
	if data.Topic != "home/doorbell/pressed" || data.PayloadRegex != "pressed" {
		t.Errorf("data = %+v, want topic/payload_regex round-tripped", data)
	}
}

func TestListAndCancelAll(t *testing.T) {
	s, armer := newTestServer(t)

	if out, err := s.handleList(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if out == "" {
		t.Error("expected a non-empty message for an automation with no triggers")
	}

	if _, err := s.handleCreateCron(context.Background(), map[string]any{"expr": "0 7 * * *"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.handleCreateMQTT(context.Background(), map[string]any{"topic": "home/doorbell/pressed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := s.handleList(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "cron") || !strings.Contains(out, "mqtt") {
		t.Errorf("handleList output = %q, want both triggers described", out)
	}

	out, err = s.handleCancelAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"cancelled":2}` {
		t.Errorf("handleCancelAll output = %q, want cancelled:2", out)
	}
	if len(armer.disarmed) != 2 {
		t.Errorf("disarmed = %+v, want both signals disarmed", armer.disarmed)
	}

	alive, err := s.Store.AliveSignalsForHash(s.AutomationHash)
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(alive) != 0 {
		t.Errorf("alive = %+v, want no alive signals after cancel-all", alive)
	}
}

func jsonHasID(t *testing.T, out string) bool {
	t.Helper()
	var result map[string]int64
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return false
	}
	_, ok := result["id"]
	return ok
}
