// Package scenario loads declarative browser tests from YAML and compiles
// them into harness suites.
//
// A file describes one suite:
//
//	suite: Login
//	base_url: http://localhost:8080
//	retries: 1
//	tests:
//	  - name: good password
//	    params: {user: alice}
//	    steps:
//	      - open: /login
//	      - type: {locator: "#email", text: "${user}@example.com"}
//	      - click: "text=Sign in"
//	      - assert_text: {locator: "#banner", text: Welcome}
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kuitang/webprobe/internal/errs"
)

// File is a parsed scenario file.
type File struct {
	Path string `yaml:"-"`

	Suite    string        `yaml:"suite"`
	BaseURL  string        `yaml:"base_url"`
	Retries  int           `yaml:"retries"` // extra attempts after a failure
	Parallel int           `yaml:"parallel"`
	Timeout  time.Duration `yaml:"timeout"`
	Groups   []string      `yaml:"groups"`

	BeforeEach []Step `yaml:"before_each"`
	AfterEach  []Step `yaml:"after_each"`
	Tests      []Test `yaml:"tests"`
}

// Test is one scenario.
type Test struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Groups      []string          `yaml:"groups"`
	Disabled    bool              `yaml:"disabled"`
	Priority    int               `yaml:"priority"`
	DependsOn   []string          `yaml:"depends_on"`
	Retries     *int              `yaml:"retries"`
	Timeout     time.Duration     `yaml:"timeout"`
	Params      map[string]string `yaml:"params"`
	Steps       []Step            `yaml:"steps"`
}

// ValidationError lists every problem found in a file.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	name := e.Path
	if name == "" {
		name = "scenario"
	}
	return fmt.Sprintf("%s: invalid scenario:\n  - %s", name, strings.Join(e.Problems, "\n  - "))
}

// Load reads and validates the scenario at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Wrap(errs.NotFound, "scenario "+path+" not found", err)
		}
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	f, err := parse(data, path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*File, error) {
	return parse(data, "")
}

func parse(data []byte, path string) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Path: path, Problems: []string{"empty document"}}
		}
		return nil, errs.Wrap(errs.InvalidArgument, describe(path)+": "+err.Error(), err)
	}
	f.Path = path
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func describe(path string) string {
	if path == "" {
		return "scenario"
	}
	return path
}

// Validate checks the whole file and reports every problem at once.
func (f *File) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(f.Suite) == "" {
		addf("suite name is required")
	}
	if f.Retries < 0 {
		addf("retries must be >= 0")
	}
	if f.Timeout < 0 {
		addf("timeout must be >= 0")
	}
	if len(f.Tests) == 0 {
		addf("at least one test is required")
	}
	for i, st := range f.BeforeEach {
		if err := st.check(); err != nil {
			addf("before_each step %d: %v", i+1, err)
		}
	}
	for i, st := range f.AfterEach {
		if err := st.check(); err != nil {
			addf("after_each step %d: %v", i+1, err)
		}
	}

	names := make(map[string]bool, len(f.Tests))
	for i, t := range f.Tests {
		label := fmt.Sprintf("test %d", i+1)
		if t.Name == "" {
			addf("%s: name is required", label)
		} else {
			label = fmt.Sprintf("test %q", t.Name)
			if names[t.Name] {
				addf("%s: duplicate name", label)
			}
			names[t.Name] = true
		}
		if t.Retries != nil && *t.Retries < 0 {
			addf("%s: retries must be >= 0", label)
		}
		if t.Timeout < 0 {
			addf("%s: timeout must be >= 0", label)
		}
		if len(t.Steps) == 0 {
			addf("%s: at least one step is required", label)
		}
		for j, st := range t.Steps {
			if err := st.check(); err != nil {
				addf("%s step %d: %v", label, j+1, err)
			}
		}
	}
	for _, t := range f.Tests {
		for _, dep := range t.DependsOn {
			if !names[dep] {
				addf("test %q: depends on unknown test %q", t.Name, dep)
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Path: f.Path, Problems: problems}
	}
	return nil
}
