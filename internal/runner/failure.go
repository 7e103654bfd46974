package runner

import (
	"context"
	"errors"

	"github.com/sells-group/evidence-cli/internal/extract"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/resilience"
	"github.com/sells-group/evidence-cli/internal/retrieval"
	"github.com/sells-group/evidence-cli/internal/schema"
)

// FailureFromError builds the failure payload persisted on a failed run.
// Raw model output is truncated to snippetLimit runes.
func FailureFromError(err error, snippetLimit int) *model.RunError {
	if err == nil {
		return nil
	}
	out := &model.RunError{
		ErrorType: model.ErrorTypeInternal,
		Message:   err.Error(),
		Category:  resilience.Classify(err),
	}

	var stageErr *extract.StageError
	if errors.As(err, &stageErr) {
		out.Stage = stageErr.Stage
	}

	var (
		provErr   *retrieval.ProviderError
		parseErr  *extract.ParseError
		schemaErr *extract.SchemaError
	)
	switch {
	case errors.Is(err, extract.ErrCancelled), errors.Is(err, context.Canceled):
		out.ErrorType = model.ErrorTypeCancelled
		out.Category = model.ErrorCategoryPermanent
	case errors.As(err, &schemaErr):
		out.ErrorType = model.ErrorTypeExtractionSchema
		out.ValidationErrors = schema.Strings(schemaErr.Violations)
		out.RawOutputSnippet = extract.Snippet(schemaErr.Snippet, snippetLimit)
		out.Category = model.ErrorCategoryPermanent
	case errors.As(err, &parseErr):
		out.ErrorType = model.ErrorTypeExtractionParse
		out.RawOutputSnippet = extract.Snippet(parseErr.Snippet, snippetLimit)
	case errors.As(err, &provErr):
		out.ErrorType = model.ErrorTypeRetrievalProvider
	}
	return out
}
