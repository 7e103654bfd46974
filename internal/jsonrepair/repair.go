// Package jsonrepair coerces LLM output into a JSON object using a fixed,
// bounded set of repairs. It never invents content: when no repair yields a
// valid object the caller gets an error.
package jsonrepair

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

// MaxInput caps the bytes considered for repair.
const MaxInput = 1 << 20

// maxSpanStarts caps how many '{' positions are tried as span starts.
const maxSpanStarts = 128

// ErrNoObject is returned when no repair produced a JSON object.
var ErrNoObject = eris.New("jsonrepair: no valid JSON object in output")

// ErrTooLarge is returned for inputs over MaxInput.
var ErrTooLarge = eris.New("jsonrepair: input exceeds size limit")

// Repair returns the first candidate that is a valid JSON object, trying in
// order: the raw text, fence-stripped text, trailing commas removed, and the
// balanced {...} spans from longest to shortest. ok is false when none is valid.
func Repair(raw string) (string, bool) {
	if len(raw) > MaxInput {
		return "", false
	}

	text := strings.TrimSpace(raw)
	if isObject(text) {
		return text, true
	}

	unfenced := stripFences(text)
	if isObject(unfenced) {
		return unfenced, true
	}

	noCommas := stripTrailingCommas(unfenced)
	if isObject(noCommas) {
		return noCommas, true
	}

	for _, span := range balancedSpans(noCommas) {
		if isObject(span) {
			return span, true
		}
		if fixed := stripTrailingCommas(span); isObject(fixed) {
			return fixed, true
		}
	}
	return "", false
}

// Parse repairs raw and decodes it into a map.
func Parse(raw string) (map[string]any, error) {
	if len(raw) > MaxInput {
		return nil, ErrTooLarge
	}
	text, ok := Repair(raw)
	if !ok {
		return nil, ErrNoObject
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, eris.Wrap(err, "jsonrepair: decode")
	}
	return out, nil
}

func isObject(s string) bool {
	return s != "" && gjson.Valid(s) && gjson.Parse(s).IsObject()
}

// stripFences removes a surrounding markdown code fence (``` or ```json).
func stripFences(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	body := text[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// stripTrailingCommas drops commas that directly precede } or ], ignoring
// string contents.
func stripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(text) && isSpace(text[j]) {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// balancedSpans returns every balanced {...} span that starts at one of the
// first maxSpanStarts '{' bytes, longest first, earlier first on ties. Each
// start is scanned independently, so a stray or quoted brace before the
// object does not hide it.
func balancedSpans(text string) []string {
	var spans []string
	starts := 0
	for i := 0; i < len(text) && starts < maxSpanStarts; i++ {
		if text[i] != '{' {
			continue
		}
		starts++
		if end := matchBrace(text, i); end > 0 {
			spans = append(spans, text[i:end+1])
		}
	}
	sort.SliceStable(spans, func(a, b int) bool { return len(spans[a]) > len(spans[b]) })
	return spans
}

// matchBrace returns the index of the '}' closing the '{' at start, or -1.
// Braces inside strings are ignored.
func matchBrace(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
