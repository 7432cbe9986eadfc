package rubric

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRegistryDefault(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	rb, err := reg.Get("tma-essay")
	require.NoError(t, err)
	assert.Equal(t, 100.0, rb.MaxTotal())
	assert.Len(t, rb.Criteria, 4)
	assert.NotEmpty(t, reg.List())
}

func TestLoadRegistryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rubrics.yaml")
	doc := `rubrics:
  - id: quick
    criteria:
      - id: content
        max_score: 10
    boundaries:
      - grade: Pass
        min: 40
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)
	rb, err := reg.Get("quick")
	require.NoError(t, err)
	assert.Equal(t, "content", rb.Criteria[0].ID)

	_, err = reg.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestParseRegistryRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown field":     "rubrics:\n  - id: a\n    colour: red\n    criteria:\n      - id: x\n        max_score: 1\n",
		"no criteria":       "rubrics:\n  - id: a\n",
		"duplicate crit":    "rubrics:\n  - id: a\n    criteria:\n      - id: x\n        max_score: 1\n      - id: x\n        max_score: 2\n",
		"zero max":          "rubrics:\n  - id: a\n    criteria:\n      - id: x\n        max_score: 0\n",
		"boundary range":    "rubrics:\n  - id: a\n    criteria:\n      - id: x\n        max_score: 1\n    boundaries:\n      - grade: A\n        min: 120\n",
		"duplicate rubrics": "rubrics:\n  - id: a\n    criteria:\n      - id: x\n        max_score: 1\n  - id: a\n    criteria:\n      - id: x\n        max_score: 1\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(doc))
			assert.Error(t, err)
		})
	}
}
