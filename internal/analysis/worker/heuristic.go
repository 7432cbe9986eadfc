package worker

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"marking-backend/internal/analysis"
)

var (
	citationPattern  = regexp.MustCompile(`\([A-Z][A-Za-z-]+(?: et al\.?)?,? \d{4}[a-z]?\)|\[\d+\]`)
	sentenceSplitter = regexp.MustCompile(`[.!?]+(?:\s|$)`)
	connectives      = []string{
		"however", "therefore", "because", "although", "consequently", "whereas",
		"furthermore", "in contrast", "this suggests", "as a result", "on the other hand",
	}
)

// features are the surface measurements the heuristic scores from.
type features struct {
	words          int
	uniqueRatio    float64
	sentences      int
	avgSentence    float64
	paragraphs     int
	citations      int
	connectives    int
	hasReferences  bool
	hasHeadingLike bool
}

func measure(text string) features {
	var f features
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	f.words = len(tokens)
	unique := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		unique[t] = struct{}{}
	}
	if f.words > 0 {
		f.uniqueRatio = float64(len(unique)) / float64(f.words)
	}
	for _, s := range sentenceSplitter.Split(text, -1) {
		if strings.TrimSpace(s) != "" {
			f.sentences++
		}
	}
	if f.sentences > 0 {
		f.avgSentence = float64(f.words) / float64(f.sentences)
	}
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if strings.TrimSpace(p) != "" {
			f.paragraphs++
		}
	}
	f.citations = len(citationPattern.FindAllString(text, -1))
	lower := strings.ToLower(text)
	for _, c := range connectives {
		f.connectives += strings.Count(lower, c)
	}
	f.hasReferences = strings.Contains(lower, "references") || strings.Contains(lower, "bibliography")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && len(line) < 60 && !strings.ContainsAny(line, ".!?") && len(strings.Fields(line)) <= 8 {
			f.hasHeadingLike = true
			break
		}
	}
	return f
}

// Heuristic is a deterministic, offline engine that scores from text surface
// features. The same request always produces the same suggestions.
type Heuristic struct{}

// NewHeuristic returns the heuristic engine.
func NewHeuristic() Heuristic { return Heuristic{} }

// Analyze scores every criterion in the request.
func (Heuristic) Analyze(ctx context.Context, req analysis.Request) ([]analysis.Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := measure(req.EssayText)
	confidence := round2(0.35 + 0.45*math.Min(1, float64(f.words)/800))

	out := make([]analysis.Suggestion, 0, len(req.Rubric.Criteria))
	for _, c := range req.Rubric.Criteria {
		ratio := ratioFor(c.ID, f)
		score := math.Round(ratio*c.MaxScore*2) / 2
		score = math.Max(0, math.Min(c.MaxScore, score))
		conf := confidence
		out = append(out, analysis.Suggestion{
			CriterionID: c.ID,
			Score:       &score,
			Confidence:  &conf,
			Feedback:    feedbackFor(c.ID, ratio, f),
		})
	}
	return out, nil
}

func ratioFor(criterionID string, f features) float64 {
	length := math.Min(1, float64(f.words)/1000)
	id := strings.ToLower(criterionID)
	switch {
	case strings.Contains(id, "understand") || strings.Contains(id, "content") || strings.Contains(id, "knowledge"):
		return blend(0.5*length, 0.5*clamp01((f.uniqueRatio-0.3)/0.4))
	case strings.Contains(id, "analys") || strings.Contains(id, "argument") || strings.Contains(id, "critical"):
		return blend(0.4*length, 0.6*clamp01(float64(f.connectives)/8))
	case strings.Contains(id, "structure") || strings.Contains(id, "clarity") || strings.Contains(id, "present"):
		sentence := 1 - clamp01(math.Abs(f.avgSentence-20)/20)
		paras := clamp01(float64(f.paragraphs) / 5)
		heading := 0.0
		if f.hasHeadingLike {
			heading = 1
		}
		return blend(0.45*sentence, 0.4*paras, 0.15*heading)
	case strings.Contains(id, "evidence") || strings.Contains(id, "referenc") || strings.Contains(id, "source"):
		refs := 0.0
		if f.hasReferences {
			refs = 1
		}
		return blend(0.7*clamp01(float64(f.citations)/6), 0.3*refs)
	default:
		return blend(0.6*length, 0.4*clamp01((f.uniqueRatio-0.3)/0.4))
	}
}

func feedbackFor(criterionID string, ratio float64, f features) string {
	var band string
	switch {
	case ratio >= 0.8:
		band = "Strong work"
	case ratio >= 0.6:
		band = "Sound work"
	case ratio >= 0.4:
		band = "Adequate work"
	default:
		band = "Needs development"
	}
	id := strings.ToLower(criterionID)
	switch {
	case strings.Contains(id, "evidence") || strings.Contains(id, "referenc") || strings.Contains(id, "source"):
		return fmt.Sprintf("%s on %s: %d in-text citation(s) found.", band, criterionID, f.citations)
	case strings.Contains(id, "structure") || strings.Contains(id, "clarity"):
		return fmt.Sprintf("%s on %s: %d paragraph(s), about %.0f words per sentence.", band, criterionID, f.paragraphs, f.avgSentence)
	case strings.Contains(id, "analys") || strings.Contains(id, "argument"):
		return fmt.Sprintf("%s on %s: %d linking phrase(s) develop the argument.", band, criterionID, f.connectives)
	default:
		return fmt.Sprintf("%s on %s across %d words.", band, criterionID, f.words)
	}
}

func blend(parts ...float64) float64 {
	var sum float64
	for _, p := range parts {
		sum += p
	}
	return clamp01(sum)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
