package rules

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Prior holds earlier extraction data keyed by spec name.
type Prior map[string]map[string]any

// Lookup resolves a dotted field reference against prior. "spec.field.sub"
// reads from the named spec; a reference whose first segment is not a spec
// name is searched across every spec in name order. The first non-empty
// match wins.
func (p Prior) Lookup(ref string) (gjson.Result, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || len(p) == 0 {
		return gjson.Result{}, false
	}

	if name, rest, ok := strings.Cut(ref, "."); ok {
		if data, found := p[name]; found {
			return lookupIn(data, rest)
		}
	}

	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if res, ok := lookupIn(p[name], ref); ok {
			return res, true
		}
	}
	return gjson.Result{}, false
}

func lookupIn(data map[string]any, path string) (gjson.Result, bool) {
	if data == nil {
		return gjson.Result{}, false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return gjson.Result{}, false
	}
	res := gjson.GetBytes(raw, path)
	return res, nonEmpty(res)
}

// nonEmpty rejects absent values, null, blank strings and empty
// arrays or objects.
func nonEmpty(res gjson.Result) bool {
	switch {
	case !res.Exists(), res.Type == gjson.Null:
		return false
	case res.Type == gjson.String:
		return strings.TrimSpace(res.Str) != ""
	case res.IsArray():
		return len(res.Array()) > 0
	case res.IsObject():
		return len(res.Map()) > 0
	}
	return true
}
