package rubric

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func essayRubric() Rubric {
	return Rubric{
		ID: "essay",
		Criteria: []Criterion{
			{ID: "understanding", MaxScore: 30, Weight: 0.3},
			{ID: "analysis", MaxScore: 30, Weight: 0.3},
			{ID: "structure", MaxScore: 20, Weight: 0.2},
			{ID: "evidence", MaxScore: 20, Weight: 0.2},
		},
		Boundaries: []GradeBoundary{{Grade: "B", Min: 70}, {Grade: "B+", Min: 75}},
	}
}

func TestEvaluateTotalsAndGrade(t *testing.T) {
	res := Evaluate(essayRubric(), []Suggestion{
		{CriterionID: "understanding", Score: 24, Confidence: 0.8},
		{CriterionID: "analysis", Score: 22, Confidence: 0.7},
		{CriterionID: "structure", Score: 17, Confidence: 0.9},
		{CriterionID: "evidence", Score: 15, Confidence: 0.6},
	})

	assert.Equal(t, 78.0, res.Total)
	assert.Equal(t, 100.0, res.MaxTotal)
	assert.InDelta(t, 78.0, res.Percentage, 1e-9)
	assert.Equal(t, "B+", res.Grade)
	require.Len(t, res.Criteria, 4)
	assert.Equal(t, "understanding", res.Criteria[0].CriterionID)
}

func TestEvaluateClampsAndFillsMissing(t *testing.T) {
	res := Evaluate(essayRubric(), []Suggestion{
		{CriterionID: "understanding", Score: 45, Confidence: 1.4},
		{CriterionID: "analysis", Score: -3, Confidence: -0.2},
		{CriterionID: "structure", Score: math.NaN(), Confidence: 0.5},
		{CriterionID: "unknown", Score: 10, Confidence: 1},
	})

	u, _ := res.Criterion("understanding")
	assert.Equal(t, 30.0, u.Score)
	assert.Equal(t, 1.0, u.Confidence)

	a, _ := res.Criterion("analysis")
	assert.Equal(t, 0.0, a.Score)
	assert.Equal(t, 0.0, a.Confidence)

	s, _ := res.Criterion("structure")
	assert.Equal(t, 0.0, s.Score)

	e, ok := res.Criterion("evidence")
	require.True(t, ok)
	assert.False(t, e.Suggested)
	assert.Equal(t, 0.0, e.Score)
	assert.Equal(t, 0.0, e.Confidence)

	assert.Equal(t, 30.0, res.Total)
	_, ok = res.Criterion("unknown")
	assert.False(t, ok)
}

func TestEvaluateFirstSuggestionWins(t *testing.T) {
	res := Evaluate(essayRubric(), []Suggestion{
		{CriterionID: "evidence", Score: 10, Feedback: "first"},
		{CriterionID: "evidence", Score: 20, Feedback: "second"},
	})
	e, _ := res.Criterion("evidence")
	assert.Equal(t, 10.0, e.Score)
	assert.Equal(t, "first", e.Feedback)
}

func TestEvaluateWeightIsMetadataOnly(t *testing.T) {
	rb := essayRubric()
	suggestions := []Suggestion{{CriterionID: "understanding", Score: 30}, {CriterionID: "structure", Score: 20}}
	base := Evaluate(rb, suggestions)

	rb.Criteria[0].Weight = 5
	rb.Criteria[2].Weight = 0
	reweighted := Evaluate(rb, suggestions)

	assert.Equal(t, base.Total, reweighted.Total)
	assert.Equal(t, base.Grade, reweighted.Grade)
	assert.Equal(t, 5.0, reweighted.Criteria[0].Weight)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	suggestions := []Suggestion{
		{CriterionID: "analysis", Score: 12.5, Confidence: 0.4, Feedback: "ok"},
		{CriterionID: "understanding", Score: 29, Confidence: 0.9},
	}
	first := Evaluate(essayRubric(), suggestions)
	second := Evaluate(essayRubric(), suggestions)
	assert.Equal(t, first, second)
}

func TestResolveGrade(t *testing.T) {
	boundaries := []GradeBoundary{
		{Grade: "Pass 3", Min: 55},
		{Grade: "Distinction", Min: 85},
		{Grade: "Pass 2", Min: 70},
		{Grade: "Pass 4", Min: 40},
	}
	tests := []struct {
		pct  float64
		want string
	}{
		{pct: 100, want: "Distinction"},
		{pct: 85, want: "Distinction"},
		{pct: 84.99, want: "Pass 2"},
		{pct: 55, want: "Pass 3"},
		{pct: 40, want: "Pass 4"},
		{pct: 12, want: "Pass 4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveGrade(tt.pct, boundaries), "pct=%v", tt.pct)
	}
	assert.Equal(t, "", ResolveGrade(50, nil))
}

func TestTotalRecomputesAfterEdit(t *testing.T) {
	res := Evaluate(essayRubric(), []Suggestion{{CriterionID: "understanding", Score: 10}})
	res.Criteria[1].Score = 30
	updated := Total(res.Criteria, essayRubric().Boundaries)
	assert.Equal(t, 40.0, updated.Total)
	assert.Equal(t, "B", updated.Grade)
}

func TestEvaluateScoreOnBoundaryGetsThatGrade(t *testing.T) {
	tests := []struct {
		max, score, boundary float64
	}{
		{max: 100, score: 57, boundary: 57},
		{max: 100, score: 29, boundary: 29},
		{max: 100, score: 58, boundary: 58},
		{max: 30, score: 21, boundary: 70},
		{max: 7, score: 5.25, boundary: 75},
	}
	for _, tt := range tests {
		r := Rubric{
			ID:         "single",
			Criteria:   []Criterion{{ID: "c", MaxScore: tt.max}},
			Boundaries: []GradeBoundary{{Grade: "B", Min: tt.boundary}, {Grade: "C", Min: 0}},
		}
		res := Evaluate(r, []Suggestion{{CriterionID: "c", Score: tt.score}})
		assert.Equal(t, tt.boundary, res.Percentage, "score=%v max=%v", tt.score, tt.max)
		assert.Equal(t, "B", res.Grade, "score=%v max=%v", tt.score, tt.max)
	}
}
