package repo

import (
	"context"
	"time"
)

var (
	insightColumns = []string{
		"account_id", "account_name", "campaign_id", "campaign_name",
		"adset_id", "adset_name", "ad_id", "ad_name",
		"date_start", "date_stop",
		"impressions", "clicks", "reach", "spend", "leads", "purchases",
		"actions", "raw", "synced_at",
	}
	insightNaturalKey = []string{"account_id", "campaign_id", "ad_id", "date_start", "date_stop"}
	upsertInsightSQL  = upsertStatement("insights", insightColumns, insightNaturalKey)
)

// UpsertInsights stores metric rows keyed by account, campaign, ad and date
// window. Overlapping re-syncs overwrite instead of duplicating.
func (r *Repository) UpsertInsights(ctx context.Context, rows []Insight) (UpsertResult, error) {
	syncedAt := r.now().UTC()
	args := make([][]any, len(rows))
	for i, row := range rows {
		args[i] = insightArgs(row, syncedAt)
	}
	return r.upsertRows(ctx, "insights", upsertInsightSQL, args)
}

func insightArgs(row Insight, syncedAt time.Time) []any {
	spend := row.Spend
	if spend == "" {
		spend = "0"
	}
	actions := row.Actions
	if actions == "" {
		actions = "{}"
	}
	raw := row.Raw
	if raw == "" {
		raw = "{}"
	}
	return []any{
		row.AccountID, row.AccountName, row.CampaignID, row.CampaignName,
		row.AdsetID, row.AdsetName, row.AdID, row.AdName,
		row.DateStart, row.DateStop,
		row.Impressions, row.Clicks, row.Reach, spend, row.Leads, row.Purchases,
		actions, raw, syncedAt,
	}
}
