package scenario

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrCaseNotFound    = errors.New("case not found")
	ErrStageOutOfRange = errors.New("stage index out of range")
	ErrInvalidCatalog  = errors.New("invalid scenario catalog")
	ErrDuplicateCaseID = errors.New("duplicate case id")
)

//go:embed cases.yaml
var defaultCatalog []byte

// Stage is one step of the OSCE workflow, e.g. "Physical Examination" played by "Veterinary Nurse".
type Stage struct {
	Title string `yaml:"title" json:"title"`
	Role  string `yaml:"role" json:"role"`
	Brief string `yaml:"brief,omitempty" json:"brief,omitempty"`
}

// Case is an authored clinical scenario.
type Case struct {
	ID         string  `yaml:"id" json:"id"`
	Title      string  `yaml:"title" json:"title"`
	Species    string  `yaml:"species" json:"species"`
	Summary    string  `yaml:"summary" json:"summary"`
	OwnerBrief string  `yaml:"ownerBrief,omitempty" json:"-"`
	NurseBrief string  `yaml:"nurseBrief,omitempty" json:"-"`
	Stages     []Stage `yaml:"stages" json:"stages"`
}

// Stage returns the stage at index.
func (c Case) Stage(index int) (Stage, bool) {
	if index < 0 || index >= len(c.Stages) {
		return Stage{}, false
	}
	return c.Stages[index], true
}

// Catalog is an ordered, read-only set of cases.
type Catalog struct {
	cases []Case
}

type catalogFile struct {
	Cases []Case `yaml:"cases"`
}

// Default returns the catalog bundled with the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scenario catalog: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Cases))
	for i, c := range file.Cases {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: case %d has no id", ErrInvalidCatalog, i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCaseID, id)
		}
		seen[id] = struct{}{}

		if len(c.Stages) == 0 {
			return nil, fmt.Errorf("%w: case %s has no stages", ErrInvalidCatalog, id)
		}
		for j, stage := range c.Stages {
			if strings.TrimSpace(stage.Title) == "" {
				return nil, fmt.Errorf("%w: case %s stage %d has no title", ErrInvalidCatalog, id, j)
			}
		}
		file.Cases[i].ID = id
	}

	return &Catalog{cases: file.Cases}, nil
}

// List returns a copy of all cases.
func (c *Catalog) List() []Case {
	return append([]Case(nil), c.cases...)
}

// Find looks up a case by id.
func (c *Catalog) Find(id string) (Case, error) {
	for _, item := range c.cases {
		if item.ID == id {
			return item, nil
		}
	}
	return Case{}, ErrCaseNotFound
}
