package notion

import (
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
)

func rich(s string) []notionapi.RichText {
	return []notionapi.RichText{{PlainText: s}}
}

func TestPageProperties(t *testing.T) {
	page := notionapi.Page{
		Properties: notionapi.Properties{
			"Name":      &notionapi.TitleProperty{Title: []notionapi.RichText{{PlainText: "tender"}, {PlainText: "er"}}},
			"Query":     &notionapi.RichTextProperty{RichText: rich("who is the tenderer")},
			"Type":      &notionapi.SelectProperty{Select: notionapi.Option{Name: "exists"}},
			"Status":    &notionapi.StatusProperty{Status: notionapi.Status{Name: "Active"}},
			"DocTypes":  &notionapi.MultiSelectProperty{MultiSelect: []notionapi.Option{{Name: "tender"}, {Name: "annex"}}},
			"Threshold": &notionapi.NumberProperty{Number: 0.4},
			"Required":  &notionapi.CheckboxProperty{Checkbox: true},
		},
	}

	assert.Equal(t, "tenderer", Text(page, "Name"))
	assert.Equal(t, "who is the tenderer", Text(page, "Query"))
	assert.Equal(t, "exists", Select(page, "Type"))
	assert.Equal(t, "Active", Select(page, "Status"))
	assert.Equal(t, []string{"tender", "annex"}, MultiSelect(page, "DocTypes"))
	n, ok := Number(page, "Threshold")
	assert.True(t, ok)
	assert.InDelta(t, 0.4, n, 1e-9)
	assert.True(t, Checkbox(page, "Required"))
}

func TestPagePropertiesMissing(t *testing.T) {
	page := notionapi.Page{Properties: notionapi.Properties{}}

	assert.Empty(t, Text(page, "Name"))
	assert.Empty(t, Select(page, "Type"))
	assert.Nil(t, MultiSelect(page, "DocTypes"))
	_, ok := Number(page, "Threshold")
	assert.False(t, ok)
	assert.False(t, Checkbox(page, "Required"))
}
