package repo

import (
	"context"
	"time"
)

var (
	leadColumns = []string{
		"lead_id", "form_id", "form_name", "page_id",
		"campaign_id", "campaign_name", "adset_id", "ad_id", "ad_name",
		"full_name", "phone", "email", "street", "city", "state", "zip_code", "country",
		"created_time", "created_at", "date_only", "platform", "is_organic", "field_data",
		"synced_at",
	}
	upsertLeadSQL = upsertStatement("leads", leadColumns, []string{"lead_id"})
)

// UpsertLeads stores leads keyed by lead id. Re-submitting a lead
// overwrites the stored row.
func (r *Repository) UpsertLeads(ctx context.Context, leads []Lead) (UpsertResult, error) {
	syncedAt := r.now().UTC()
	args := make([][]any, len(leads))
	for i, l := range leads {
		args[i] = leadArgs(l, syncedAt)
	}
	return r.upsertRows(ctx, "leads", upsertLeadSQL, args)
}

func leadArgs(l Lead, syncedAt time.Time) []any {
	fieldData := l.FieldData
	if fieldData == "" {
		fieldData = "[]"
	}
	return []any{
		l.LeadID, l.FormID, l.FormName, l.PageID,
		l.CampaignID, l.CampaignName, l.AdsetID, l.AdID, l.AdName,
		l.FullName, l.Phone, l.Email, l.Street, l.City, l.State, l.ZipCode, l.Country,
		l.CreatedTime, l.CreatedAt, l.DateOnly, l.Platform, l.IsOrganic, fieldData,
		syncedAt,
	}
}
