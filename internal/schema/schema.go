// Package schema validates extracted data objects and reports every
// field-level violation rather than stopping at the first.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Violation is one field-level failure.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Message
}

// Validator checks a decoded data object. An empty result means valid.
type Validator interface {
	Validate(data map[string]any) []Violation
}

// Func adapts a function to Validator.
type Func func(data map[string]any) []Violation

// Validate implements Validator.
func (f Func) Validate(data map[string]any) []Violation { return f(data) }

// Strings renders violations for run error payloads.
func Strings(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func engine() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

type structValidator[T any] struct{}

// Struct validates data by decoding it into T and running T's `validate`
// struct tags. Type mismatches during decoding are reported as violations.
func Struct[T any]() Validator {
	return structValidator[T]{}
}

func (structValidator[T]) Validate(data map[string]any) []Violation {
	raw, err := json.Marshal(data)
	if err != nil {
		return []Violation{{Field: "", Rule: "json", Message: err.Error()}}
	}
	var target T
	if err := json.Unmarshal(raw, &target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return []Violation{{
				Field:   typeErr.Field,
				Rule:    "type",
				Message: fmt.Sprintf("%s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value),
			}}
		}
		return []Violation{{Rule: "json", Message: err.Error()}}
	}

	err = engine().Struct(target)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return []Violation{{Rule: "validate", Message: err.Error()}}
	}
	out := make([]Violation, 0, len(ves))
	for _, fe := range ves {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out = append(out, fieldViolation(field, fe))
	}
	return out
}

type rulesValidator struct {
	rules map[string]any
}

// Rules validates data against validator tags keyed by field name. Values
// are tag strings ("required,min=1") or nested maps for nested objects.
func Rules(rules map[string]any) Validator {
	return rulesValidator{rules: normalizeRules(rules)}
}

// RulesFromStrings is Rules for flat rule sets.
func RulesFromStrings(rules map[string]string) Validator {
	m := make(map[string]any, len(rules))
	for k, v := range rules {
		m[k] = v
	}
	return Rules(m)
}

func (r rulesValidator) Validate(data map[string]any) []Violation {
	if data == nil {
		data = map[string]any{}
	}
	errs := engine().ValidateMap(data, r.rules)
	out := flatten("", errs)
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// normalizeRules converts YAML-decoded nested maps into the shape
// ValidateMap expects.
func normalizeRules(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = normalizeRules(t)
		case map[any]any:
			conv := make(map[string]any, len(t))
			for kk, vv := range t {
				conv[fmt.Sprint(kk)] = vv
			}
			out[k] = normalizeRules(conv)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func flatten(prefix string, errs map[string]any) []Violation {
	var out []Violation
	for key, v := range errs {
		field := key
		if prefix != "" {
			field = prefix + "." + key
		}
		switch e := v.(type) {
		case map[string]any:
			out = append(out, flatten(field, e)...)
		case validator.ValidationErrors:
			for _, fe := range e {
				out = append(out, fieldViolation(field, fe))
			}
		case error:
			out = append(out, Violation{Field: field, Rule: "validate", Message: field + ": " + e.Error()})
		}
	}
	return out
}

func fieldViolation(field string, fe validator.FieldError) Violation {
	msg := fmt.Sprintf("%s: failed %q", field, fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("%s: failed %q (%s)", field, fe.Tag(), fe.Param())
	}
	if fe.Tag() == "required" {
		msg = field + ": is required"
	}
	return Violation{Field: field, Rule: fe.Tag(), Message: msg}
}
