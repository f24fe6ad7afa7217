package repo

import "time"

// Lead is a row in the leads table. LeadID is the natural key.
type Lead struct {
	LeadID       string
	FormID       string
	FormName     string
	PageID       string
	CampaignID   *string
	CampaignName *string
	AdsetID      *string
	AdID         *string
	AdName       *string
	FullName     string
	Phone        string
	Email        *string
	Street       string
	City         string
	State        string
	ZipCode      string
	Country      string
	// CreatedTime is the upstream timestamp exactly as received.
	CreatedTime string
	CreatedAt   *time.Time
	DateOnly    string
	Platform    string
	IsOrganic   bool
	// FieldData is the raw field payload encoded as JSON.
	FieldData string
}

// Insight is a row in the insights table, unique on
// (AccountID, CampaignID, AdID, DateStart, DateStop). Absent ids are "".
type Insight struct {
	AccountID    string
	AccountName  string
	CampaignID   string
	CampaignName string
	AdsetID      string
	AdsetName    string
	AdID         string
	AdName       string
	DateStart    string
	DateStop     string
	Impressions  int64
	Clicks       int64
	Reach        int64
	Spend        string
	Leads        int64
	Purchases    int64
	// Actions and Raw are JSON documents.
	Actions string
	Raw     string
}

// JobState is a durable cursor row.
type JobState struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Credential is a stored long-lived access token.
type Credential struct {
	Name      string
	Value     string
	ExpiresAt *time.Time
	UpdatedAt time.Time
}

// SyncRun is the audit record of one sync invocation.
type SyncRun struct {
	ID          string     `json:"id"`
	Job         string     `json:"job"`
	Scope       string     `json:"scope"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
	Fetched     int        `json:"fetched"`
	Inserted    int        `json:"inserted"`
	Updated     int        `json:"updated"`
	Error       string     `json:"error,omitempty"`
}

// Sync run statuses.
const (
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// UpsertResult counts rows written by a deduplicating upsert.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Add accumulates other into r.
func (r *UpsertResult) Add(other UpsertResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
}
