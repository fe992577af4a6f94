package evalharness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/nugget/thane-ai-agent/internal/homeassistant"
)

// MockHub is the mocked hub the evaluation harness substitutes for a
// live connection: entities and services are loaded once from fixture
// files (mocks/states.json, mocks/services.json) and held in memory;
// CallService never reaches a network, it just records what the model
// asked for so a grader can inspect it.
type MockHub struct {
	mu       sync.Mutex
	states   []mockState
	services map[string][]homeassistant.ServiceInfo
	calls    []MockServiceCall
}

// MockServiceCall is one call-service invocation the execution tools
// handler forwarded to the mock hub.
type MockServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

type mockState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
}

type mockServicesFile map[string]map[string]struct {
	Name        string                               `json:"name"`
	Description string                                `json:"description"`
	Fields      map[string]homeassistant.ServiceField `json:"fields"`
}

// NewMockHub loads entity and service fixtures from statesPath and
// servicesPath.
func NewMockHub(statesPath, servicesPath string) (*MockHub, error) {
	rawStates, err := os.ReadFile(statesPath)
	if err != nil {
		return nil, fmt.Errorf("read states fixture: %w", err)
	}
	var states []mockState
	if err := json.Unmarshal(rawStates, &states); err != nil {
		return nil, fmt.Errorf("parse states fixture: %w", err)
	}

	rawServices, err := os.ReadFile(servicesPath)
	if err != nil {
		return nil, fmt.Errorf("read services fixture: %w", err)
	}
	var file mockServicesFile
	if err := json.Unmarshal(rawServices, &file); err != nil {
		return nil, fmt.Errorf("parse services fixture: %w", err)
	}

	services := make(map[string][]homeassistant.ServiceInfo, len(file))
	for domain, svcs := range file {
		for name, info := range svcs {
			services[domain] = append(services[domain], homeassistant.ServiceInfo{
				Service:     name,
				Name:        info.Name,
				Description: info.Description,
				Fields:      info.Fields,
			})
		}
	}

	return &MockHub{states: states, services: services}, nil
}

// GetEntities implements exectools.Hub.
func (h *MockHub) GetEntities(ctx context.Context, domain string) ([]homeassistant.EntityInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []homeassistant.EntityInfo
	for _, s := range h.states {
		parts := strings.SplitN(s.EntityID, ".", 2)
		if len(parts) != 2 {
			continue
		}
		if domain != "" && parts[0] != domain {
			continue
		}
		friendlyName, _ := s.Attributes["friendly_name"].(string)
		out = append(out, homeassistant.EntityInfo{
			EntityID:     s.EntityID,
			FriendlyName: friendlyName,
			Domain:       parts[0],
			State:        s.State,
		})
	}
	return out, nil
}

// GetServices implements exectools.Hub.
func (h *MockHub) GetServices(ctx context.Context) (map[string][]homeassistant.ServiceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]homeassistant.ServiceInfo, len(h.services))
	for k, v := range h.services {
		out[k] = v
	}
	return out, nil
}

// CallService implements exectools.Hub: it never contacts a network,
// it only records the call for ScenarioResult/grader inspection.
func (h *MockHub) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, MockServiceCall{Domain: domain, Service: service, Data: data})
	return nil
}

// Calls returns every call-service invocation recorded so far.
func (h *MockHub) Calls() []MockServiceCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]MockServiceCall, len(h.calls))
	copy(out, h.calls)
	return out
}
