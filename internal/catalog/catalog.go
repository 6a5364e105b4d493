// Package catalog resolves application references and expands invocations.
// The catalog itself is managed elsewhere; this is a read-only view loaded
// from a YAML file.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
)

// Parameter declares one invocation parameter.
type Parameter struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Default  string `yaml:"default"`
}

// Application is a resolved catalog entry.
type Application struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Tool        job.Tool    `yaml:"tool"`
	Invocation  []string    `yaml:"invocation"`
	Parameters  []Parameter `yaml:"parameters"`
	OutputGlobs []string    `yaml:"outputGlobs"`
}

// Ref returns the job-facing reference to this application.
func (a *Application) Ref() job.Application {
	return job.Application{Name: a.Name, Version: a.Version}
}

// Catalog looks up applications by name and version.
type Catalog interface {
	Resolve(ctx context.Context, ref job.Application) (*Application, error)
}

type file struct {
	Applications []Application `yaml:"applications"`
}

// Static is an immutable catalog held in memory.
type Static struct {
	apps map[job.Application]*Application
}

// NewStatic builds a catalog from the given entries.
func NewStatic(apps ...Application) (*Static, error) {
	s := &Static{apps: make(map[job.Application]*Application, len(apps))}
	for i := range apps {
		app := apps[i]
		if app.Name == "" || app.Version == "" {
			return nil, fmt.Errorf("catalog entry %d: name and version are required", i)
		}
		if len(app.Invocation) == 0 {
			return nil, fmt.Errorf("catalog entry %s@%s: invocation is required", app.Name, app.Version)
		}
		if _, dup := s.apps[app.Ref()]; dup {
			return nil, fmt.Errorf("catalog entry %s@%s declared twice", app.Name, app.Version)
		}
		s.apps[app.Ref()] = &app
	}
	return s, nil
}

// LoadFile reads a YAML catalog.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewStatic(f.Applications...)
}

func (s *Static) Resolve(_ context.Context, ref job.Application) (*Application, error) {
	app, ok := s.apps[ref]
	if !ok {
		return nil, apperrors.NotFound("application", ref.Name+"@"+ref.Version)
	}
	return app, nil
}

// Expand substitutes {{name}} placeholders in the invocation. Unknown
// parameters and missing required ones are validation errors. Arguments that
// consist only of an optional placeholder with no value are dropped.
func (a *Application) Expand(params map[string]string) ([]string, error) {
	declared := make(map[string]Parameter, len(a.Parameters))
	for _, p := range a.Parameters {
		declared[p.Name] = p
	}
	var unknown []string
	for name := range params {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, apperrors.Validation("parameters", "unknown parameters: "+strings.Join(unknown, ", "))
	}

	values := make(map[string]string, len(declared))
	for name, p := range declared {
		v, ok := params[name]
		if !ok || v == "" {
			v = p.Default
		}
		if v == "" && p.Required {
			return nil, apperrors.Validation("parameters."+name, "required parameter is missing")
		}
		values[name] = v
	}

	out := make([]string, 0, len(a.Invocation))
	for _, arg := range a.Invocation {
		expanded, empty := substitute(arg, values)
		if empty {
			continue
		}
		out = append(out, expanded)
	}
	return out, nil
}

// substitute replaces placeholders in arg. empty reports an argument that was
// a single placeholder resolving to nothing.
func substitute(arg string, values map[string]string) (string, bool) {
	var b strings.Builder
	rest := arg
	placeholders, literal := 0, false
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			break
		}
		if start > 0 {
			literal = true
		}
		b.WriteString(rest[:start])
		name := strings.TrimSpace(rest[start+2 : start+end])
		b.WriteString(values[name])
		placeholders++
		rest = rest[start+end+2:]
	}
	if rest != "" {
		literal = true
	}
	b.WriteString(rest)
	return b.String(), placeholders == 1 && !literal && b.Len() == 0
}
