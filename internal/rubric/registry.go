package rubric

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed rubrics.yaml
var defaultRubrics []byte

// Registry is a read-only set of rubrics keyed by id.
type Registry struct {
	rubrics map[string]Rubric
}

type registryFile struct {
	Rubrics []Rubric `yaml:"rubrics"`
}

// LoadRegistry reads rubrics from a YAML file. An empty path loads the
// built-in rubric set.
func LoadRegistry(path string) (*Registry, error) {
	data := defaultRubrics
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rubrics file: %w", err)
		}
		data = raw
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates a YAML rubric document.
func ParseRegistry(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file registryFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode rubrics: %w", err)
	}
	return NewRegistry(file.Rubrics...)
}

// NewRegistry builds a registry from in-memory rubrics.
func NewRegistry(rubrics ...Rubric) (*Registry, error) {
	reg := &Registry{rubrics: make(map[string]Rubric, len(rubrics))}
	for _, r := range rubrics {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := reg.rubrics[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rubric id %s", ErrInvalid, r.ID)
		}
		reg.rubrics[r.ID] = r
	}
	return reg, nil
}

// Get returns a rubric by id.
func (r *Registry) Get(id string) (Rubric, error) {
	rb, ok := r.rubrics[id]
	if !ok {
		return Rubric{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rb, nil
}

// List returns all rubrics ordered by id.
func (r *Registry) List() []Rubric {
	out := make([]Rubric, 0, len(r.rubrics))
	for _, rb := range r.rubrics {
		out = append(out, rb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
