package evalharness

import (
	"path/filepath"

	"github.com/nugget/thane-ai-agent/internal/exectools"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// DefaultMocksDir is the directory the builtin scenario catalog loads
// its hub fixtures from, relative to the process working directory.
const DefaultMocksDir = "mocks"

// BuiltinScenarios returns the literal end-to-end scenarios this
// module ships: list-lights, bulk-off, and thermostat, each against
// the mocked hub fixtures in mocksDir (mocks/states.json,
// mocks/services.json).
func BuiltinScenarios(mocksDir string) ([]Scenario, *MockHub, error) {
	hub, err := NewMockHub(
		filepath.Join(mocksDir, "states.json"),
		filepath.Join(mocksDir, "services.json"),
	)
	if err != nil {
		return nil, nil, err
	}

	// TestMode stays off: MockHub.CallService never reaches a network,
	// and the graders read the calls it records.
	execServer := &exectools.Server{Hub: hub, MemoryPath: filepath.Join(mocksDir, "memory.md")}
	servers := []toolkit.ToolServer{execServer}

	scenarios := []Scenario{
		{
			Name:    "list-lights",
			Prompt:  "List all the light entities in the living room. Give me their friendly names only.",
			Servers: servers,
			Graders: []Grader{
				&ContentContainsGrader{
					Needles:   []string{"Bookshelf Light", "Overhead Light", "TV Lightstrip"},
					Forbidden: []string{"light.living_room_bookshelf", "light.living_room_overhead", "light.living_room_tv_lightstrip"},
				},
			},
		},
		{
			Name:    "bulk-off",
			Prompt:  "Turn off all the lights in the kitchen.",
			Servers: servers,
			Graders: []Grader{
				&kitchenOffGrader{hub: hub},
			},
		},
		{
			Name:    "thermostat",
			Prompt:  "Set the thermostat in the bedroom to 72 degrees",
			Servers: servers,
			Graders: []Grader{
				&thermostatGrader{hub: hub},
			},
		},
	}

	return scenarios, hub, nil
}
