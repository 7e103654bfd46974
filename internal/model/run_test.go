package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunStatusPending, false},
		{RunStatusRunning, false},
		{RunStatusSuccess, true},
		{RunStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.status.Terminal())
		})
	}
}

func TestRun_ViewHidesSnippet(t *testing.T) {
	t.Parallel()

	r := &Run{
		ID:       "run-1",
		Status:   RunStatusFailed,
		Progress: 40,
		Error: &RunError{
			ErrorType:        ErrorTypeExtractionParse,
			Message:          "llm output is not valid JSON",
			RawOutputSnippet: "Sure! Here is the data: {oops",
		},
	}

	v := r.View()
	assert.Equal(t, "run-1", v.RunID)
	assert.Equal(t, ErrorTypeExtractionParse, v.ErrorType)
	assert.Equal(t, "llm output is not valid JSON", v.Message)

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "oops")
	assert.NotContains(t, string(data), "raw_output_snippet")
}

func TestChunkIDs(t *testing.T) {
	t.Parallel()

	chunks := []RetrievedChunk{{ChunkID: "c2"}, {ChunkID: "c1"}}
	assert.Equal(t, []string{"c2", "c1"}, ChunkIDs(chunks))
	assert.Empty(t, ChunkIDs(nil))
}

func TestRuleDefinition_FailOrRisk(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FindingFail, RuleDefinition{Rigid: true}.FailOrRisk())
	assert.Equal(t, FindingRisk, RuleDefinition{Rigid: false}.FailOrRisk())
}
