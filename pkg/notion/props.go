package notion

import (
	"strings"

	"github.com/jomei/notionapi"
)

// PlainText concatenates the plain_text values of rich text.
func PlainText(rts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rts {
		b.WriteString(rt.PlainText)
	}
	return b.String()
}

// Text returns the text of a title or rich_text property, or "".
func Text(p notionapi.Page, name string) string {
	switch prop := p.Properties[name].(type) {
	case *notionapi.TitleProperty:
		return PlainText(prop.Title)
	case *notionapi.RichTextProperty:
		return PlainText(prop.RichText)
	}
	return ""
}

// Select returns the option name of a select or status property, or "".
func Select(p notionapi.Page, name string) string {
	switch prop := p.Properties[name].(type) {
	case *notionapi.SelectProperty:
		return prop.Select.Name
	case *notionapi.StatusProperty:
		return prop.Status.Name
	}
	return ""
}

// MultiSelect returns the option names of a multi_select property.
func MultiSelect(p notionapi.Page, name string) []string {
	prop, ok := p.Properties[name].(*notionapi.MultiSelectProperty)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(prop.MultiSelect))
	for _, opt := range prop.MultiSelect {
		out = append(out, opt.Name)
	}
	return out
}

// Number returns a number property and whether it was present.
func Number(p notionapi.Page, name string) (float64, bool) {
	prop, ok := p.Properties[name].(*notionapi.NumberProperty)
	if !ok {
		return 0, false
	}
	return prop.Number, true
}

// Checkbox returns a checkbox property, false when absent.
func Checkbox(p notionapi.Page, name string) bool {
	prop, ok := p.Properties[name].(*notionapi.CheckboxProperty)
	return ok && prop.Checkbox
}
