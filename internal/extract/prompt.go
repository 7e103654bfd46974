package extract

import (
	"encoding/json"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sells-group/evidence-cli/internal/model"
)

// BuildContext wraps each chunk in a citation tag carrying its id, so the
// model can cite exact evidence.
func BuildContext(chunks []model.RetrievedChunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(`<chunk id="`)
		b.WriteString(html.EscapeString(c.ChunkID))
		b.WriteString(`"`)
		if c.Metadata.PageNo != nil {
			b.WriteString(` page="`)
			b.WriteString(strconv.Itoa(*c.Metadata.PageNo))
			b.WriteString(`"`)
		}
		if c.Metadata.DocType != "" {
			b.WriteString(` doc_type="`)
			b.WriteString(html.EscapeString(c.Metadata.DocType))
			b.WriteString(`"`)
		}
		b.WriteString(">\n")
		b.WriteString(strings.ReplaceAll(c.Text, "</chunk>", "&lt;/chunk&gt;"))
		b.WriteString("\n</chunk>")
	}
	return b.String()
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// RenderPrompt substitutes {{name}} placeholders from vars. Unknown
// placeholders are left verbatim.
func RenderPrompt(tmpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// promptVars assembles template variables for one run.
func promptVars(spec *Spec, projectID, contextText string, stage *StageContext) map[string]string {
	vars := map[string]string{
		"context":    contextText,
		"project_id": projectID,
		"spec.name":  spec.Name,
	}
	if stage == nil {
		return vars
	}
	vars["stage.name"] = stage.Name
	vars["stage.index"] = strconv.Itoa(stage.Index)

	names := make([]string, 0, len(stage.Prior))
	for name := range stage.Prior {
		names = append(names, name)
	}
	sort.Strings(names)
	all := make(map[string]map[string]any, len(names))
	for _, name := range names {
		b, err := json.Marshal(stage.Prior[name])
		if err != nil {
			continue
		}
		vars["prior."+name] = string(b)
		all[name] = stage.Prior[name]
	}
	if b, err := json.Marshal(all); err == nil {
		vars["prior"] = string(b)
	}
	for k, v := range stage.Vars {
		if _, reserved := vars[k]; !reserved {
			vars[k] = v
		}
	}
	return vars
}
