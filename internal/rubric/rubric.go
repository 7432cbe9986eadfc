// Package rubric holds marking rubrics and the pure scoring function that turns
// per-criterion suggestions into a total and a grade label.
package rubric

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("rubric not found")
	ErrInvalid  = errors.New("invalid rubric")
)

// Criterion is one scored dimension of a rubric.
type Criterion struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name,omitempty" yaml:"name"`
	MaxScore    float64 `json:"max_score" yaml:"max_score"`
	Weight      float64 `json:"weight,omitempty" yaml:"weight"`
	Description string  `json:"description,omitempty" yaml:"description"`
}

// GradeBoundary maps a minimum percentage to a grade label.
type GradeBoundary struct {
	Grade string  `json:"grade" yaml:"grade"`
	Min   float64 `json:"min" yaml:"min"`
}

// Rubric is an ordered set of criteria plus a grade boundary table.
type Rubric struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name,omitempty" yaml:"name"`
	Criteria   []Criterion     `json:"criteria" yaml:"criteria"`
	Boundaries []GradeBoundary `json:"boundaries,omitempty" yaml:"boundaries"`
}

// Criterion returns the criterion with the given id.
func (r Rubric) Criterion(id string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if c.ID == id {
			return c, true
		}
	}
	return Criterion{}, false
}

// MaxTotal is the sum of all criterion maxima.
func (r Rubric) MaxTotal() float64 {
	var total float64
	for _, c := range r.Criteria {
		total += c.MaxScore
	}
	return total
}

// Validate checks structural rules: an id, at least one criterion, unique
// criterion ids with positive maxima, and named boundaries within 0..100.
func (r Rubric) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if len(r.Criteria) == 0 {
		return fmt.Errorf("%w: rubric %s has no criteria", ErrInvalid, r.ID)
	}
	seen := make(map[string]struct{}, len(r.Criteria))
	for _, c := range r.Criteria {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("%w: rubric %s has a criterion without id", ErrInvalid, r.ID)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: rubric %s repeats criterion %s", ErrInvalid, r.ID, c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.MaxScore <= 0 {
			return fmt.Errorf("%w: criterion %s max_score must be positive", ErrInvalid, c.ID)
		}
		if c.Weight < 0 {
			return fmt.Errorf("%w: criterion %s weight must not be negative", ErrInvalid, c.ID)
		}
	}
	for _, b := range r.Boundaries {
		if strings.TrimSpace(b.Grade) == "" {
			return fmt.Errorf("%w: rubric %s has an unnamed grade boundary", ErrInvalid, r.ID)
		}
		if b.Min < 0 || b.Min > 100 {
			return fmt.Errorf("%w: boundary %s must be within 0..100", ErrInvalid, b.Grade)
		}
	}
	return nil
}
