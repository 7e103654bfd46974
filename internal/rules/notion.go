package rules

import (
	"context"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/pkg/notion"
)

// LoadRuleSetFromNotion builds a rule set from the active pages of a Notion
// rule database. Each page is one rule; pages that do not parse are logged
// and skipped.
//
// Expected properties: RuleID (title), Type (select), Query, FieldRef,
// FieldRefB, Comparator, Dimension (rich text), Rigid (checkbox),
// DocTypes (multi-select), Threshold and TopK (number).
func LoadRuleSetFromNotion(ctx context.Context, client notion.Client, dbID, version string) (*model.RuleSet, error) {
	pages, err := notion.QueryByStatus(ctx, client, dbID, "Active")
	if err != nil {
		return nil, eris.Wrap(err, "rules: load rule set from notion")
	}

	rs := &model.RuleSet{Version: version, CreatedAt: time.Now().UTC()}
	for _, p := range pages {
		r, err := parseRulePage(p)
		if err != nil {
			zap.L().Warn("rules: skipping malformed rule page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		rs.Rules = append(rs.Rules, r)
	}

	if err := ValidateRuleSet(rs); err != nil {
		return nil, err
	}
	zap.L().Info("rules: loaded rule set from notion",
		zap.String("version", version),
		zap.Int("rules", len(rs.Rules)),
		zap.Int("pages", len(pages)),
	)
	return rs, nil
}

func parseRulePage(p notionapi.Page) (model.RuleDefinition, error) {
	r := model.RuleDefinition{
		RuleID:     strings.TrimSpace(notion.Text(p, "RuleID")),
		Type:       model.RuleType(strings.ToLower(notion.Select(p, "Type"))),
		Query:      notion.Text(p, "Query"),
		FieldRef:   notion.Text(p, "FieldRef"),
		FieldRefB:  notion.Text(p, "FieldRefB"),
		Comparator: notion.Text(p, "Comparator"),
		Dimension:  notion.Text(p, "Dimension"),
		Rigid:      notion.Checkbox(p, "Rigid"),
		DocTypes:   notion.MultiSelect(p, "DocTypes"),
	}
	if th, ok := notion.Number(p, "Threshold"); ok {
		r.Threshold = &th
	}
	if k, ok := notion.Number(p, "TopK"); ok {
		r.TopK = int(k)
	}

	if r.RuleID == "" {
		return r, eris.New("missing RuleID")
	}
	if err := validateRule(r); err != nil {
		return r, err
	}
	return r, nil
}
