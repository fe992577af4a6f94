package automation

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "signals_test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndKillSignal(t *testing.T) {
	s := newTestStore(t)

	id, err := s.InsertSignal("hash1", SignalCron, CronData{Expr: "0 7 * * *"})
	if err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	alive, err := s.AliveSignalsForHash("hash1")
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(alive) != 1 || alive[0].ID != id {
		t.Fatalf("expected one alive signal with id %d, got %+v", id, alive)
	}

	if err := s.KillSignal(id); err != nil {
		t.Fatalf("KillSignal: %v", err)
	}

	alive, err = s.AliveSignalsForHash("hash1")
	if err != nil {
		t.Fatalf("AliveSignalsForHash after kill: %v", err)
	}
	if len(alive) != 0 {
		t.Fatalf("expected no alive signals after kill, got %+v", alive)
	}
}

func TestKillAllForHash(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.InsertSignal("hash1", SignalCron, CronData{Expr: "0 7 * * *"}); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}
	if _, err := s.InsertSignal("hash1", SignalTime, TimeData{ISO8601: "2030-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	if err := s.KillAllForHash("hash1"); err != nil {
		t.Fatalf("KillAllForHash: %v", err)
	}

	alive, err := s.AliveSignalsForHash("hash1")
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(alive) != 0 {
		t.Fatalf("expected all signals dead, got %+v", alive)
	}
}

func TestFireOneShotAtomicity(t *testing.T) {
	s := newTestStore(t)

	id, err := s.InsertSignal("hash1", SignalTime, TimeData{ISO8601: "2030-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}

	entry := &AutomationLogEntry{
		AutomationHash: "hash1",
		Type:           LogExecuteSignal,
		Messages:       []MessageParam{{Role: RoleUser, Content: "fire"}},
	}
	logID, err := s.FireOneShot(id, entry)
	if err != nil {
		t.Fatalf("FireOneShot: %v", err)
	}
	if logID == 0 {
		t.Fatal("expected non-zero log id")
	}

	alive, err := s.AliveSignalsForHash("hash1")
	if err != nil {
		t.Fatalf("AliveSignalsForHash: %v", err)
	}
	if len(alive) != 0 {
		t.Fatalf("expected signal dead after firing, got %+v", alive)
	}

	got, err := s.GetAutomationLog(logID)
	if err != nil {
		t.Fatalf("GetAutomationLog: %v", err)
	}
	if got.Type != LogExecuteSignal || len(got.Messages) != 1 {
		t.Fatalf("unexpected log entry: %+v", got)
	}
}

func TestRecordServiceCallAndNotification(t *testing.T) {
	s := newTestStore(t)

	entry := &AutomationLogEntry{Type: LogExecuteSignal, Messages: []MessageParam{{Role: RoleAssistant, Content: "ok"}}}
	logID, err := s.AppendAutomationLog(entry)
	if err != nil {
		t.Fatalf("AppendAutomationLog: %v", err)
	}

	if err := s.RecordServiceCall(logID, "light.turn_off", map[string]any{"entity_id": "light.kitchen"}, nil); err != nil {
		t.Fatalf("RecordServiceCall: %v", err)
	}
	if err := s.RecordNotification(logID, "me@example.com", "subject", "body", ""); err != nil {
		t.Fatalf("RecordNotification: %v", err)
	}
}

func TestCheckpoint(t *testing.T) {
	s := newTestStore(t)
	if err := s.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}
