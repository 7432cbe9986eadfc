package orchestrator

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	moduleCodePattern = regexp.MustCompile(`^[A-Z]{1,3}\d{3}$`)
	assignmentPattern = regexp.MustCompile(`^(?:TMA|EMA|iCMA)\d{2}$|^[A-Za-z0-9_-]{1,32}$`)
)

const maxFeedbackRunes = 10000

// normalizeModule upper-cases and checks a module code such as TM112.
func normalizeModule(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", validationf("module code is required")
	}
	if !moduleCodePattern.MatchString(code) {
		return "", validationf("module code must be 1-3 letters followed by 3 digits (e.g. TM112, M250)")
	}
	return code, nil
}

func normalizeAssignment(raw string) (string, error) {
	label := strings.TrimSpace(raw)
	if label == "" {
		return "", validationf("assignment is required")
	}
	if !assignmentPattern.MatchString(label) {
		return "", validationf("assignment must be a label such as TMA01, or up to 32 letters, digits, '-' or '_'")
	}
	return label, nil
}

func requireID(field, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", validationf("%s is required", field)
	}
	if len(v) > 64 {
		return "", validationf("%s is too long", field)
	}
	return v, nil
}

func checkFeedback(text string, score float64) error {
	if utf8.RuneCountInString(text) > maxFeedbackRunes {
		return validationf("feedback text exceeds %d characters", maxFeedbackRunes)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return validationf("score must be a finite number")
	}
	return nil
}
