package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"computeplane/internal/apperrors"
	"computeplane/internal/job"
)

func figlet() Application {
	return Application{
		Name:       "figlet",
		Version:    "1.0",
		Tool:       job.Tool{Backend: "DOCKER", Image: "dockerhub.io/figlet:1.0"},
		Invocation: []string{"figlet", "{{font}}", "{{text}}"},
		Parameters: []Parameter{
			{Name: "text", Required: true},
			{Name: "font"},
		},
	}
}

func TestExpand(t *testing.T) {
	t.Parallel()
	app := figlet()
	tests := []struct {
		name    string
		params  map[string]string
		want    []string
		wantErr bool
	}{
		{"required only", map[string]string{"text": "hi"}, []string{"figlet", "hi"}, false},
		{"optional set", map[string]string{"text": "hi", "font": "-fslant"}, []string{"figlet", "-fslant", "hi"}, false},
		{"missing required", map[string]string{}, nil, true},
		{"unknown parameter", map[string]string{"text": "hi", "color": "red"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := app.Expand(tt.params)
			if tt.wantErr {
				if !errors.Is(err, apperrors.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expand: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Expand = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpand_EmbeddedPlaceholderAndDefault(t *testing.T) {
	t.Parallel()
	app := Application{
		Name: "echo", Version: "1",
		Invocation: []string{"sh", "-c", "echo {{greeting}}, {{name}}!"},
		Parameters: []Parameter{{Name: "greeting", Default: "hello"}, {Name: "name", Required: true}},
	}
	got, err := app.Expand(map[string]string{"name": "world"})
	if err != nil {
		t.Fatal(err)
	}
	if got[2] != "echo hello, world!" {
		t.Errorf("unexpected expansion %q", got)
	}
}

func TestStatic_Resolve(t *testing.T) {
	t.Parallel()
	c, err := NewStatic(figlet())
	if err != nil {
		t.Fatal(err)
	}
	app, err := c.Resolve(context.Background(), job.Application{Name: "figlet", Version: "1.0"})
	if err != nil || app.Tool.Image != "dockerhub.io/figlet:1.0" {
		t.Fatalf("Resolve = %+v, %v", app, err)
	}
	if _, err := c.Resolve(context.Background(), job.Application{Name: "figlet", Version: "2.0"}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestNewStatic_RejectsDuplicates(t *testing.T) {
	t.Parallel()
	if _, err := NewStatic(figlet(), figlet()); err == nil {
		t.Error("expected duplicate entry error")
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `applications:
  - name: figlet
    version: "1.0"
    tool:
      backend: DOCKER
      image: figlet:latest
    invocation: ["figlet", "{{text}}"]
    parameters:
      - name: text
        required: true
    outputGlobs: ["*.txt"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	app, err := c.Resolve(context.Background(), job.Application{Name: "figlet", Version: "1.0"})
	if err != nil {
		t.Fatal(err)
	}
	if app.Tool.Image != "figlet:latest" || app.OutputGlobs[0] != "*.txt" {
		t.Errorf("unexpected app %+v", app)
	}
}
