// Package export writes review findings to spreadsheets.
package export

import (
	"io"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/evidence-cli/internal/model"
)

// Sheet names.
const (
	FindingsSheet = "Findings"
	SummarySheet  = "Summary"
)

var findingsHeader = []string{
	"Rule", "Dimension", "Result", "Remark", "Evidence", "Rule Set", "Evaluated At",
}

var summaryHeader = []string{"Dimension", "Pass", "Risk", "Fail", "Total"}

// Workbook builds a findings workbook: one row per finding plus a
// per-dimension summary.
func Workbook(projectID string, findings []model.Finding) (*xlsx.File, error) {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet(FindingsSheet)
	if err != nil {
		return nil, eris.Wrap(err, "export: add findings sheet")
	}
	writeRow(sheet, findingsHeader)
	for _, fd := range findings {
		writeRow(sheet, []string{
			fd.RuleID,
			fd.Dimension,
			string(fd.Result),
			fd.Remark,
			strings.Join(fd.EvidenceChunkIDs, ", "),
			fd.RuleSetVersion,
			fd.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		})
	}

	summary, err := f.AddSheet(SummarySheet)
	if err != nil {
		return nil, eris.Wrap(err, "export: add summary sheet")
	}
	writeRow(summary, []string{"Project", projectID})
	writeRow(summary, summaryHeader)
	for _, d := range summarize(findings) {
		row := summary.AddRow()
		row.AddCell().SetString(d.dimension)
		row.AddCell().SetInt(d.pass)
		row.AddCell().SetInt(d.risk)
		row.AddCell().SetInt(d.fail)
		row.AddCell().SetInt(d.pass + d.risk + d.fail)
	}
	return f, nil
}

// WriteFindings writes the findings workbook to w.
func WriteFindings(w io.Writer, projectID string, findings []model.Finding) error {
	f, err := Workbook(projectID, findings)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "export: write workbook")
}

// SaveFindings writes the findings workbook to path.
func SaveFindings(path, projectID string, findings []model.Finding) error {
	f, err := Workbook(projectID, findings)
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "export: save %s", path)
}

func writeRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

type dimensionCounts struct {
	dimension        string
	pass, risk, fail int
}

func summarize(findings []model.Finding) []dimensionCounts {
	byDim := make(map[string]*dimensionCounts)
	for _, f := range findings {
		d := byDim[f.Dimension]
		if d == nil {
			d = &dimensionCounts{dimension: f.Dimension}
			byDim[f.Dimension] = d
		}
		switch f.Result {
		case model.FindingPass:
			d.pass++
		case model.FindingRisk:
			d.risk++
		case model.FindingFail:
			d.fail++
		}
	}
	out := make([]dimensionCounts, 0, len(byDim))
	for _, d := range byDim {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dimension < out[j].dimension })
	return out
}
