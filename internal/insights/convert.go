package insights

import (
	"strconv"
	"strings"

	"adsync/internal/graph"
	"adsync/internal/repo"

	"github.com/goccy/go-json"
)

// Action types counted as leads and purchases, in preference order. Upstream
// reports overlapping variants of the same conversion, so only the first
// present type is counted.
var (
	LeadActionTypes = []string{
		"lead",
		"onsite_conversion.lead_grouped",
		"offsite_conversion.fb_pixel_lead",
	}
	PurchaseActionTypes = []string{
		"purchase",
		"omni_purchase",
		"offsite_conversion.fb_pixel_purchase",
		"onsite_web_purchase",
	}
)

// ConvertRow maps an upstream report row onto the insights table. accountID
// fills rows that omit their account.
func ConvertRow(accountID string, row graph.InsightRow) repo.Insight {
	actions := make(map[string]int64, len(row.Actions))
	for _, a := range row.Actions {
		if a.ActionType == "" {
			continue
		}
		actions[a.ActionType] += parseCount(a.Value)
	}

	out := repo.Insight{
		AccountID:    accountID,
		AccountName:  row.AccountName,
		CampaignID:   row.CampaignID,
		CampaignName: row.CampaignName,
		AdsetID:      row.AdsetID,
		AdsetName:    row.AdsetName,
		AdID:         row.AdID,
		AdName:       row.AdName,
		DateStart:    row.DateStart,
		DateStop:     row.DateStop,
		Impressions:  parseCount(row.Impressions),
		Clicks:       parseCount(row.Clicks),
		Reach:        parseCount(row.Reach),
		Spend:        parseSpend(row.Spend),
		Leads:        firstAction(actions, LeadActionTypes),
		Purchases:    firstAction(actions, PurchaseActionTypes),
		Actions:      "{}",
		Raw:          "{}",
	}
	if row.AccountID != "" {
		out.AccountID = accountKey(row.AccountID)
	}
	if out.DateStop == "" {
		out.DateStop = out.DateStart
	}
	if len(actions) > 0 {
		if b, err := json.Marshal(actions); err == nil {
			out.Actions = string(b)
		}
	}
	if b, err := json.Marshal(row); err == nil {
		out.Raw = string(b)
	}
	return out
}

func firstAction(actions map[string]int64, types []string) int64 {
	for _, t := range types {
		if v, ok := actions[t]; ok {
			return v
		}
	}
	return 0
}

// parseCount accepts integer or decimal strings; anything else counts as 0.
func parseCount(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// parseSpend keeps the upstream decimal text so NUMERIC stores it exactly.
func parseSpend(s string) string {
	s = strings.TrimSpace(s)
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return "0"
	}
	return s
}
