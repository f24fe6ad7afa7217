package graph

import "github.com/goccy/go-json"

// Page is the standard list envelope {data, paging}.
type Page[T any] struct {
	Data   []T    `json:"data"`
	Paging Paging `json:"paging"`
}

// Paging carries cursor-based pagination links.
type Paging struct {
	Cursors struct {
		Before string `json:"before"`
		After  string `json:"after"`
	} `json:"cursors"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
}

// NextCursor returns the after cursor when a further page exists.
func (p Paging) NextCursor() string {
	if p.Next == "" {
		return ""
	}
	return p.Cursors.After
}

// LeadForm is a lead-capture form owned by a page.
type LeadForm struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Locale    string `json:"locale"`
	LeadCount int    `json:"leads_count"`
	PageID    string `json:"page_id"`
}

// FieldData is one free-form answer on a lead.
type FieldData struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Value joins multi-valued answers.
func (f FieldData) Value() string {
	switch len(f.Values) {
	case 0:
		return ""
	case 1:
		return f.Values[0]
	}
	out := f.Values[0]
	for _, v := range f.Values[1:] {
		out += ", " + v
	}
	return out
}

// Lead is one lead-generation submission as returned upstream.
type Lead struct {
	ID           string      `json:"id"`
	CreatedTime  string      `json:"created_time"`
	FormID       string      `json:"form_id"`
	AdID         string      `json:"ad_id"`
	AdName       string      `json:"ad_name"`
	AdsetID      string      `json:"adset_id"`
	CampaignID   string      `json:"campaign_id"`
	CampaignName string      `json:"campaign_name"`
	Platform     string      `json:"platform"`
	IsOrganic    bool        `json:"is_organic"`
	FieldData    []FieldData `json:"field_data"`
}

// AdAccount is an ad account reachable by the system token.
type AdAccount struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Status    int    `json:"account_status"`
	Currency  string `json:"currency"`
	Timezone  string `json:"timezone_name"`
}

// Action is a named counter inside an insights row.
type Action struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

// InsightRow is one aggregated metrics observation.
type InsightRow struct {
	AccountID    string   `json:"account_id"`
	AccountName  string   `json:"account_name"`
	CampaignID   string   `json:"campaign_id"`
	CampaignName string   `json:"campaign_name"`
	AdsetID      string   `json:"adset_id"`
	AdsetName    string   `json:"adset_name"`
	AdID         string   `json:"ad_id"`
	AdName       string   `json:"ad_name"`
	Impressions  string   `json:"impressions"`
	Clicks       string   `json:"clicks"`
	Reach        string   `json:"reach"`
	Spend        string   `json:"spend"`
	Actions      []Action `json:"actions"`
	DateStart    string   `json:"date_start"`
	DateStop     string   `json:"date_stop"`
}

// Ad is a list item served through the ads list cache.
type Ad struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	EffectiveStatus string `json:"effective_status"`
	CampaignID      string `json:"campaign_id"`
	AdsetID         string `json:"adset_id"`
	CreatedTime     string `json:"created_time"`
	UpdatedTime     string `json:"updated_time"`
}

// Campaign is a list item served through the campaigns list cache.
type Campaign struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Objective       string `json:"objective"`
	Status          string `json:"status"`
	EffectiveStatus string `json:"effective_status"`
	DailyBudget     string `json:"daily_budget"`
	LifetimeBudget  string `json:"lifetime_budget"`
	StartTime       string `json:"start_time"`
	StopTime        string `json:"stop_time"`
}

// TokenInfo is the introspection result of /debug_token.
type TokenInfo struct {
	AppID     string   `json:"app_id"`
	Type      string   `json:"type"`
	IsValid   bool     `json:"is_valid"`
	ExpiresAt int64    `json:"expires_at"`
	IssuedAt  int64    `json:"issued_at"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	Error     *struct {
		Code    int    `json:"code"`
		Subcode int    `json:"subcode"`
		Message string `json:"message"`
	} `json:"error"`
}

// ExchangedToken is the result of the long-lived token exchange.
type ExchangedToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// BatchRequest is one sub-request of a batch call.
type BatchRequest struct {
	Method      string `json:"method"`
	RelativeURL string `json:"relative_url"`
	Name        string `json:"name,omitempty"`
}

// BatchResponse is one sub-response; a nil entry means upstream timed it out.
type BatchResponse struct {
	Code int    `json:"code"`
	Body string `json:"body"`
}

// Decode unmarshals the sub-response body.
func (r *BatchResponse) Decode(dest any) error {
	return json.Unmarshal([]byte(r.Body), dest)
}
