package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marking-backend/internal/eventlog"
	"marking-backend/internal/events"
	"marking-backend/internal/projection"
	"marking-backend/internal/rubric"
)

func seededLog(t *testing.T) *eventlog.MemoryStore {
	t.Helper()
	store := eventlog.NewMemoryStore()
	log, _, err := eventlog.Open(context.Background(), store, eventlog.Options{})
	require.NoError(t, err)
	hash := strings.Repeat("d4", 64)
	rb := rubric.Rubric{ID: "r", Criteria: []rubric.Criterion{{ID: "c", MaxScore: 10}}}
	_, err = log.AppendEvents(context.Background(),
		events.IdentityAnonymized{IdentityHash: hash},
		events.DocumentLoaded{DocumentID: "d1", IdentityHash: hash, Module: "TM112", Assignment: "TMA01"},
		events.AnalysisRequested{DocumentID: "d1", IdentityHash: hash, AnalysisID: "a1", RequestID: "r1", Rubric: rb, Deadline: time.Now().Add(time.Minute)},
		events.AnalysisCompleted{DocumentID: "d1", IdentityHash: hash, AnalysisID: "a1", RequestID: "r1", Rubric: rb,
			Suggestions: []rubric.Suggestion{{CriterionID: "c", Score: 7, Confidence: 0.9}}},
	)
	require.NoError(t, err)
	require.NoError(t, log.Close())
	return store
}

func run(t *testing.T, store eventlog.Store, args ...string) (string, error) {
	t.Helper()
	open := func(ctx context.Context) (*eventlog.Log, func() error, error) {
		log, _, err := eventlog.Open(ctx, store, eventlog.Options{})
		if err != nil {
			return nil, nil, err
		}
		return log, log.Close, nil
	}
	var out bytes.Buffer
	cmd := rootCmd(open)
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVerifyReportsIntactLog(t *testing.T) {
	out, err := run(t, seededLog(t), "verify")
	require.NoError(t, err)
	var report eventlog.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, uint64(4), report.Head)
	assert.False(t, report.Broken)
}

func TestSnapshotThenRebuildAgree(t *testing.T) {
	store := seededLog(t)

	out, err := run(t, store, "snapshot")
	require.NoError(t, err)
	assert.Contains(t, out, `"snapshots": 1`)

	out, err = run(t, store, "rebuild")
	require.NoError(t, err)
	var result rebuildResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Documents)
	assert.Equal(t, 1, result.Snapshots)
	assert.Empty(t, result.Mismatches)
}

func TestCompareProjectionsFlagsDifferences(t *testing.T) {
	a := []projection.Document{{ID: "d1", Status: projection.StatusAnalyzed}, {ID: "d2"}}
	b := []projection.Document{{ID: "d1", Status: projection.StatusPending}, {ID: "d3"}}
	assert.ElementsMatch(t, []string{"d1", "d2", "d3"}, compareProjections(a, b))
	assert.Empty(t, compareProjections(a, a))
}
