package exectools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nugget/thane-ai-agent/internal/email"
	"github.com/nugget/thane-ai-agent/internal/homeassistant"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

type fakeHub struct {
	entities []homeassistant.EntityInfo
	services map[string][]homeassistant.ServiceInfo
	calls    []call
	callErr  error
}

type call struct {
	domain, service string
	data            map[string]any
}

func (f *fakeHub) GetEntities(ctx context.Context, domain string) ([]homeassistant.EntityInfo, error) {
	return f.entities, nil
}

func (f *fakeHub) GetServices(ctx context.Context) (map[string][]homeassistant.ServiceInfo, error) {
	return f.services, nil
}

func (f *fakeHub) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	f.calls = append(f.calls, call{domain, service, data})
	return f.callErr
}

func TestGetEntitiesByPrefix(t *testing.T) {
	hub := &fakeHub{entities: []homeassistant.EntityInfo{
		{EntityID: "light.kitchen", Domain: "light"},
		{EntityID: "light.living_room", Domain: "light"},
		{EntityID: "switch.fan", Domain: "switch"},
	}}
	s := &Server{Hub: hub}

	out, err := s.handleGetEntitiesByPrefix(context.Background(), map[string]any{"prefix": "light."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestListServiceDomains(t *testing.T) {
	hub := &fakeHub{services: map[string][]homeassistant.ServiceInfo{
		"light":  {{Service: "turn_on"}},
		"switch": {{Service: "turn_on"}},
	}}
	s := &Server{Hub: hub}

	out, err := s.handleListServiceDomains(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var domains []string
	if err := json.Unmarshal([]byte(out), &domains); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(domains) != 2 {
		t.Fatalf("len(domains) = %d, want 2", len(domains))
	}
}

func TestCallService_TestModeRejectsMismatchedDomain(t *testing.T) {
	hub := &fakeHub{}
	s := &Server{Hub: hub, TestMode: true}

	out, err := s.handleCallService(context.Background(), map[string]any{
		"domain":  "light",
		"service": "turn_on",
		"target":  map[string]any{"entity_id": "switch.fan"},
	})
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if len(hub.calls) != 0 {
		t.Fatalf("call-service should not have reached the hub, got %d calls", len(hub.calls))
	}

	var result map[string]string
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result["error"] == "" {
		t.Fatal("expected a validation error in the tool result")
	}
}

func TestCallService_TestModeNeverContactsHubEvenOnMatchingDomain(t *testing.T) {
	hub := &fakeHub{}
	s := &Server{Hub: hub, TestMode: true}

	out, err := s.handleCallService(context.Background(), map[string]any{
		"domain":  "light",
		"service": "turn_on",
		"target":  map[string]any{"entity_id": "light.kitchen"},
		"data":    map[string]any{"brightness_pct": float64(50)},
	})
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if len(hub.calls) != 0 {
		t.Fatalf("test-mode call-service should never reach the hub, got %d calls", len(hub.calls))
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result["ok"] != true {
		t.Fatalf("result = %v, want ok:true", result)
	}
	if result["test_mode"] != true {
		t.Errorf("result = %v, want test_mode:true", result)
	}
	if len(s.ServiceCalls) != 1 || s.ServiceCalls[0].Service != "light.turn_on" {
		t.Errorf("ServiceCalls = %+v, want one light.turn_on record even though the hub was never called", s.ServiceCalls)
	}
}

func TestCallService_TestModeNeverContactsHubWithoutEntityID(t *testing.T) {
	hub := &fakeHub{}
	s := &Server{Hub: hub, TestMode: true}

	out, err := s.handleCallService(context.Background(), map[string]any{
		"domain":  "light",
		"service": "turn_on",
	})
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if len(hub.calls) != 0 {
		t.Fatalf("test-mode call-service should never reach the hub, got %d calls", len(hub.calls))
	}
	if out != `{"ok":true,"test_mode":true}` {
		t.Fatalf("out = %q, want synthetic success", out)
	}
}

func TestNoCallHub_NeverCallsWrappedHub(t *testing.T) {
	hub := &fakeHub{}
	wrapped := NoCallHub{Hub: hub}

	if err := wrapped.CallService(context.Background(), "light", "turn_on", map[string]any{"entity_id": "light.kitchen"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hub.calls) != 0 {
		t.Fatalf("NoCallHub should never call through, got %d calls", len(hub.calls))
	}
}

func TestCallService_Success(t *testing.T) {
	hub := &fakeHub{}
	s := &Server{Hub: hub}

	out, err := s.handleCallService(context.Background(), map[string]any{
		"domain":  "light",
		"service": "turn_on",
		"target":  map[string]any{"entity_id": "light.kitchen"},
		"data":    map[string]any{"brightness_pct": float64(50)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("out = %q, want ok", out)
	}
	if len(hub.calls) != 1 {
		t.Fatalf("len(hub.calls) = %d, want 1", len(hub.calls))
	}
	if hub.calls[0].data["entity_id"] != "light.kitchen" {
		t.Errorf("call data entity_id = %v", hub.calls[0].data["entity_id"])
	}
	if len(s.ServiceCalls) != 1 || s.ServiceCalls[0].Service != "light.turn_on" {
		t.Errorf("ServiceCalls = %+v, want one light.turn_on record", s.ServiceCalls)
	}
}

func TestReadWriteMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.md")
	s := &Server{MemoryPath: path}

	if out, err := s.handleReadMemory(context.Background(), nil); err != nil || out != "" {
		t.Fatalf("read of missing memory file: out=%q err=%v", out, err)
	}

	if _, err := s.handleWriteMemory(context.Background(), map[string]any{"text": "remember this"}); err != nil {
		t.Fatalf("write memory: %v", err)
	}

	out, err := s.handleReadMemory(context.Background(), nil)
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if out != "remember this" {
		t.Errorf("out = %q, want %q", out, "remember this")
	}
}

func TestTools_CheckNewEmailOnlyWhenPollerConfigured(t *testing.T) {
	s := &Server{}
	if hasTool(s.Tools(), "check-new-email") {
		t.Error("check-new-email should be absent with no EmailPoller configured")
	}

	s.EmailPoller = &email.Poller{}
	if !hasTool(s.Tools(), "check-new-email") {
		t.Error("check-new-email should be present once EmailPoller is configured")
	}
}

func hasTool(tools []toolkit.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
