package rubric

import (
	"math"
	"sort"
)

// Suggestion is a proposed score for one criterion.
type Suggestion struct {
	CriterionID string  `json:"criterion_id"`
	Score       float64 `json:"score"`
	Confidence  float64 `json:"confidence"`
	Feedback    string  `json:"feedback"`
}

// CriterionScore is the evaluated outcome for one criterion.
type CriterionScore struct {
	CriterionID string  `json:"criterion_id"`
	Name        string  `json:"name,omitempty"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"max_score"`
	Weight      float64 `json:"weight,omitempty"`
	Confidence  float64 `json:"confidence"`
	Feedback    string  `json:"feedback"`
	Suggested   bool    `json:"suggested"`
	Edited      bool    `json:"edited,omitempty"`
}

// Result aggregates criterion scores into a total and grade.
type Result struct {
	Criteria   []CriterionScore `json:"criteria"`
	Total      float64          `json:"total"`
	MaxTotal   float64          `json:"max_total"`
	Percentage float64          `json:"percentage"`
	Grade      string           `json:"grade"`
}

// Criterion returns the score entry for id.
func (r Result) Criterion(id string) (CriterionScore, bool) {
	for _, c := range r.Criteria {
		if c.CriterionID == id {
			return c, true
		}
	}
	return CriterionScore{}, false
}

// Evaluate scores suggestions against the rubric. Scores are clamped to
// [0, max_score]; a criterion without a suggestion scores 0 with confidence 0.
// The total is the unweighted sum; weight is carried through as metadata only.
// Suggestions for unknown criteria are ignored and the first suggestion for a
// criterion wins.
func Evaluate(r Rubric, suggestions []Suggestion) Result {
	byID := make(map[string]Suggestion, len(suggestions))
	for _, s := range suggestions {
		if _, dup := byID[s.CriterionID]; dup {
			continue
		}
		byID[s.CriterionID] = s
	}

	scores := make([]CriterionScore, 0, len(r.Criteria))
	for _, c := range r.Criteria {
		cs := CriterionScore{
			CriterionID: c.ID,
			Name:        c.Name,
			MaxScore:    c.MaxScore,
			Weight:      c.Weight,
		}
		if s, ok := byID[c.ID]; ok {
			cs.Score = clamp(s.Score, 0, c.MaxScore)
			cs.Confidence = clamp(s.Confidence, 0, 1)
			cs.Feedback = s.Feedback
			cs.Suggested = true
		}
		scores = append(scores, cs)
	}
	return Total(scores, r.Boundaries)
}

// Evaluate scores suggestions against r.
func (r Rubric) Evaluate(suggestions []Suggestion) Result {
	return Evaluate(r, suggestions)
}

// Total recomputes the aggregate fields for a set of criterion scores.
func Total(scores []CriterionScore, boundaries []GradeBoundary) Result {
	res := Result{Criteria: scores}
	for _, cs := range scores {
		res.Total += cs.Score
		res.MaxTotal += cs.MaxScore
	}
	if res.MaxTotal > 0 {
		res.Percentage = percentage(res.Total, res.MaxTotal)
	}
	res.Grade = ResolveGrade(res.Percentage, boundaries)
	return res
}

// ResolveGrade returns the grade of the highest boundary whose minimum is at or
// below percentage. When none matches, the lowest defined grade is returned.
func ResolveGrade(percentage float64, boundaries []GradeBoundary) string {
	if len(boundaries) == 0 {
		return ""
	}
	sorted := make([]GradeBoundary, len(boundaries))
	copy(sorted, boundaries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })
	for _, b := range sorted {
		if b.Min <= percentage {
			return b.Grade
		}
	}
	return sorted[len(sorted)-1].Grade
}

// percentage rounds to 1e-9 so a total exactly on a boundary is not pushed
// below it by float error.
func percentage(total, maxTotal float64) float64 {
	return math.Round(total*100/maxTotal*1e9) / 1e9
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
