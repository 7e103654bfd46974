package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/evidence-cli/internal/schema"
)

// DefaultSnippetLimit bounds raw output kept on errors.
const DefaultSnippetLimit = 500

// ParseError means the model output could not be coerced into a JSON
// object, even after repair.
type ParseError struct {
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("extract: model output is not a JSON object: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SchemaError means the parsed object failed validation. Violations is
// never empty.
type SchemaError struct {
	Violations []schema.Violation
	Snippet    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("extract: output failed schema validation: %s",
		strings.Join(schema.Strings(e.Violations), "; "))
}

// Snippet truncates raw to at most limit runes.
func Snippet(raw string, limit int) string {
	if limit <= 0 {
		limit = DefaultSnippetLimit
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	runes := []rune(raw)
	return string(runes[:limit])
}
