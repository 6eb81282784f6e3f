package logging

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultLevel applies when a spec names no base level.
const DefaultLevel = LevelWarn

// Spec is a base level plus optional per-component overrides.
//
// Format: "<base-level>[,<component>=<level>]..."
//
// Examples:
//   - "info"
//   - "warn,reloader=debug"
//   - "info,server=debug,store=trace"
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// ParseSpec parses a log specification string. An empty string yields
// DefaultLevel with no overrides. The base level, when given, must be
// the first element.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  DefaultLevel,
		Components: make(map[string]Level),
	}

	for i, part := range strings.Split(strings.TrimSpace(s), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		component, levelStr, isPair := strings.Cut(part, "=")
		if !isPair {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must be first in spec", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.BaseLevel = level
			continue
		}

		component = strings.TrimSpace(component)
		if component == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		level, err := ParseLevel(levelStr)
		if err != nil {
			return spec, fmt.Errorf("invalid level for component %q: %w", component, err)
		}
		spec.Components[component] = level
	}

	return spec, nil
}

// LevelFor returns the effective level for a component.
func (s *Spec) LevelFor(component string) Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.BaseLevel
}

// String returns the spec in parseable form with components sorted.
func (s *Spec) String() string {
	names := make([]string, 0, len(s.Components))
	for name := range s.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := []string{s.BaseLevel.String()}
	for _, name := range names {
		parts = append(parts, name+"="+s.Components[name].String())
	}
	return strings.Join(parts, ",")
}

// minLevel is the lowest level any component can emit at.
func (s *Spec) minLevel() Level {
	lowest := s.BaseLevel
	for _, l := range s.Components {
		if l < lowest {
			lowest = l
		}
	}
	return lowest
}
