package assistant

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/showroom/internal/domain"
	"gopkg.in/yaml.v3"
)

// Resolver answers tool calls a run is waiting on.
type Resolver interface {
	Resolve(ctx context.Context, call ToolCall) (string, error)
}

// StaticActions resolves tool calls from a fixed name -> output table.
type StaticActions struct {
	outputs map[string]string
}

type actionsFile struct {
	Actions map[string]struct {
		Output string `yaml:"output"`
	} `yaml:"actions"`
}

// DefaultActions returns the built-in lookups used when no actions file is configured.
func DefaultActions() *StaticActions {
	return &StaticActions{outputs: map[string]string{
		"get_showroom_hours":   "Showrooms are open Monday to Saturday 9:00-19:00 and Sunday 11:00-17:00.",
		"get_service_hours":    "Service centers are open Monday to Friday 7:30-18:00 and Saturday 8:00-14:00.",
		"get_roadside_contact": "Roadside assistance is available 24/7 at 1-800-647-7261.",
		"get_dealer_locator":   "Find your nearest dealer with the dealer locator on the website.",
	}}
}

// LoadActions reads a YAML actions table:
//
//	actions:
//	  get_showroom_hours:
//	    output: "Open daily 9-7"
func LoadActions(path string) (*StaticActions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read actions file: %w", err)
	}
	var f actionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse actions file %s: %w", path, err)
	}
	a := &StaticActions{outputs: make(map[string]string, len(f.Actions))}
	for name, action := range f.Actions {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		a.outputs[name] = action.Output
	}
	return a, nil
}

// Resolve implements Resolver.
func (a *StaticActions) Resolve(_ context.Context, call ToolCall) (string, error) {
	out, ok := a.outputs[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedAction, call.Name)
	}
	return out, nil
}

// Names lists the resolvable actions.
func (a *StaticActions) Names() []string {
	names := make([]string, 0, len(a.outputs))
	for name := range a.outputs {
		names = append(names, name)
	}
	return names
}

var _ Resolver = (*StaticActions)(nil)
