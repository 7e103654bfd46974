package runner

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/evidence-cli/internal/extract"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/retrieval"
	"github.com/sells-group/evidence-cli/internal/schema"
)

func TestFailureFromError(t *testing.T) {
	long := "0123456789abcdefghij"

	tests := []struct {
		name       string
		err        error
		errorType  string
		category   model.ErrorCategory
		stage      string
		snippet    string
		violations []string
	}{
		{
			name:      "provider error",
			err:       eris.Wrap(&retrieval.ProviderError{Provider: "hybrid", Op: "retrieve", Err: eris.New("down")}, "extract: query deadline"),
			errorType: model.ErrorTypeRetrievalProvider,
			category:  model.ErrorCategoryPermanent,
		},
		{
			name:      "transient provider error",
			err:       &retrieval.ProviderError{Provider: "hybrid", Op: "retrieve", Err: resilience.NewTransientError(eris.New("503"), 503)},
			errorType: model.ErrorTypeRetrievalProvider,
			category:  model.ErrorCategoryTransient,
		},
		{
			name:      "parse error in stage",
			err:       &extract.StageError{Stage: "dates", Err: &extract.ParseError{Snippet: long, Err: eris.New("eof")}},
			errorType: model.ErrorTypeExtractionParse,
			category:  model.ErrorCategoryPermanent,
			stage:     "dates",
			snippet:   "0123456789",
		},
		{
			name: "schema error",
			err: &extract.SchemaError{
				Violations: []schema.Violation{{Field: "deadline", Rule: "required", Message: "is required"}},
				Snippet:    "{}",
			},
			errorType:  model.ErrorTypeExtractionSchema,
			category:   model.ErrorCategoryPermanent,
			snippet:    "{}",
			violations: schema.Strings([]schema.Violation{{Field: "deadline", Rule: "required", Message: "is required"}}),
		},
		{
			name:      "cancelled between stages",
			err:       extract.ErrCancelled,
			errorType: model.ErrorTypeCancelled,
			category:  model.ErrorCategoryPermanent,
		},
		{
			name:      "context cancelled",
			err:       eris.Wrap(context.Canceled, "extract: retrieve"),
			errorType: model.ErrorTypeCancelled,
			category:  model.ErrorCategoryPermanent,
		},
		{
			name:      "anything else",
			err:       eris.New("disk full"),
			errorType: model.ErrorTypeInternal,
			category:  model.ErrorCategoryPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FailureFromError(tt.err, 10)
			assert.Equal(t, tt.errorType, got.ErrorType)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.stage, got.Stage)
			assert.Equal(t, tt.snippet, got.RawOutputSnippet)
			assert.Equal(t, tt.violations, got.ValidationErrors)
			assert.NotEmpty(t, got.Message)
		})
	}
}

func TestFailureFromError_Nil(t *testing.T) {
	assert.Nil(t, FailureFromError(nil, 10))
}
