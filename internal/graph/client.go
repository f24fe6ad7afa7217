package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"adsync/internal/metrics"

	"github.com/goccy/go-json"
)

const (
	defaultBaseURL  = "https://graph.facebook.com"
	defaultVersion  = "v21.0"
	formContentType = "application/x-www-form-urlencoded"
	userAgent       = "adsync/graph-client"
)

// Client provides typed access to the Graph API.
type Client struct {
	logger       *slog.Logger
	baseURL      string
	version      string
	http         *http.Client
	metrics      *metrics.Metrics
	timeout      time.Duration
	batchTimeout time.Duration
	tokenTimeout time.Duration
}

// Config holds Graph client configuration.
type Config struct {
	BaseURL      string
	Version      string
	Timeout      time.Duration
	BatchTimeout time.Duration
	TokenTimeout time.Duration
	HTTPClient   *http.Client
}

// New creates a new Graph API client.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	version := strings.Trim(cfg.Version, "/")
	if version == "" {
		version = defaultVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		logger:       logger.With("component", "graph"),
		baseURL:      base,
		version:      version,
		http:         httpClient,
		metrics:      metrics,
		timeout:      orDefault(cfg.Timeout, 30*time.Second),
		batchTimeout: orDefault(cfg.BatchTimeout, 60*time.Second),
		tokenTimeout: orDefault(cfg.TokenTimeout, 10*time.Second),
	}
}

// LeadForms lists one page of lead-capture forms owned by pageID.
func (c *Client) LeadForms(ctx context.Context, token, pageID, after string) (*Page[LeadForm], error) {
	q := url.Values{}
	q.Set("fields", "id,name,status,locale,leads_count")
	q.Set("limit", "100")
	if after != "" {
		q.Set("after", after)
	}
	var page Page[LeadForm]
	if err := c.get(ctx, "leadgen_forms", token, pageID+"/leadgen_forms", q, c.timeout, &page); err != nil {
		return nil, err
	}
	for i := range page.Data {
		if page.Data[i].PageID == "" {
			page.Data[i].PageID = pageID
		}
	}
	return &page, nil
}

// AdAccounts lists one page of ad accounts visible to token.
func (c *Client) AdAccounts(ctx context.Context, token, after string) (*Page[AdAccount], error) {
	q := url.Values{}
	q.Set("fields", "id,account_id,name,account_status,currency,timezone_name")
	q.Set("limit", "100")
	if after != "" {
		q.Set("after", after)
	}
	var page Page[AdAccount]
	if err := c.get(ctx, "adaccounts", token, "me/adaccounts", q, c.timeout, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// InsightsQuery selects an aggregated metrics report.
type InsightsQuery struct {
	Since    string
	Until    string
	Level    string
	Statuses []string
	Limit    int
}

// AllEffectiveStatuses covers every ad lifecycle state so paused or deleted
// ads keep their history.
var AllEffectiveStatuses = []string{
	"ACTIVE", "PAUSED", "DELETED", "PENDING_REVIEW", "DISAPPROVED",
	"PREAPPROVED", "PENDING_BILLING_INFO", "CAMPAIGN_PAUSED", "ARCHIVED",
	"ADSET_PAUSED", "IN_PROCESS", "WITH_ISSUES",
}

// Insights fetches one page of an account's daily, ad-level metrics.
func (c *Client) Insights(ctx context.Context, token, accountID string, query InsightsQuery, after string) (*Page[InsightRow], error) {
	level := query.Level
	if level == "" {
		level = "ad"
	}
	statuses := query.Statuses
	if len(statuses) == 0 {
		statuses = AllEffectiveStatuses
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 500
	}
	timeRange, err := json.Marshal(map[string]string{"since": query.Since, "until": query.Until})
	if err != nil {
		return nil, fmt.Errorf("encode time range: %w", err)
	}
	filtering, err := json.Marshal([]map[string]any{{
		"field":    level + ".effective_status",
		"operator": "IN",
		"value":    statuses,
	}})
	if err != nil {
		return nil, fmt.Errorf("encode filtering: %w", err)
	}

	q := url.Values{}
	q.Set("level", level)
	q.Set("time_increment", "1")
	q.Set("time_range", string(timeRange))
	q.Set("filtering", string(filtering))
	q.Set("fields", "account_id,account_name,campaign_id,campaign_name,adset_id,adset_name,ad_id,ad_name,impressions,clicks,reach,spend,actions,date_start,date_stop")
	q.Set("limit", strconv.Itoa(limit))
	if after != "" {
		q.Set("after", after)
	}
	var page Page[InsightRow]
	if err := c.get(ctx, "insights", token, ActID(accountID)+"/insights", q, c.batchTimeout, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Ads lists one page of ads for an account, optionally filtered by status.
func (c *Client) Ads(ctx context.Context, token, accountID string, statuses []string, after string) (*Page[Ad], error) {
	q := listQuery("id,name,status,effective_status,campaign_id,adset_id,created_time,updated_time", statuses, after)
	var page Page[Ad]
	if err := c.get(ctx, "ads", token, ActID(accountID)+"/ads", q, c.timeout, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Campaigns lists one page of campaigns for an account.
func (c *Client) Campaigns(ctx context.Context, token, accountID string, statuses []string, after string) (*Page[Campaign], error) {
	q := listQuery("id,name,objective,status,effective_status,daily_budget,lifetime_budget,start_time,stop_time", statuses, after)
	var page Page[Campaign]
	if err := c.get(ctx, "campaigns", token, ActID(accountID)+"/campaigns", q, c.timeout, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PageAccessToken derives the page-scoped token from the system token.
func (c *Client) PageAccessToken(ctx context.Context, token, pageID string) (string, error) {
	q := url.Values{}
	q.Set("fields", "access_token")
	var resp struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
	}
	if err := c.get(ctx, "page_token", token, pageID, q, c.tokenTimeout, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", &APIError{Status: http.StatusForbidden, Code: 10, Message: "no page access token returned for page " + pageID}
	}
	return resp.AccessToken, nil
}

// DebugToken introspects inputToken using an app access token.
func (c *Client) DebugToken(ctx context.Context, inputToken, appToken string) (*TokenInfo, error) {
	q := url.Values{}
	q.Set("input_token", inputToken)
	var resp struct {
		Data TokenInfo `json:"data"`
	}
	if err := c.get(ctx, "debug_token", appToken, "debug_token", q, c.tokenTimeout, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ExchangeToken swaps token for a fresh long-lived token.
func (c *Client) ExchangeToken(ctx context.Context, appID, appSecret, token string) (*ExchangedToken, error) {
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", appID)
	q.Set("client_secret", appSecret)
	q.Set("fb_exchange_token", token)
	var resp ExchangedToken
	if err := c.get(ctx, "oauth_exchange", "", "oauth/access_token", q, c.tokenTimeout, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, errors.New("token exchange returned no access token")
	}
	return &resp, nil
}

// Batch issues up to 50 sub-requests in one physical call. The returned
// slice is aligned with reqs; entries upstream could not finish are nil.
func (c *Client) Batch(ctx context.Context, token string, reqs []BatchRequest) ([]*BatchResponse, error) {
	payload, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	form := url.Values{}
	form.Set("access_token", token)
	form.Set("batch", string(payload))
	form.Set("include_headers", "false")

	var resp []*BatchResponse
	if err := c.do(ctx, "batch", http.MethodPost, c.endpoint(""), strings.NewReader(form.Encode()), formContentType, c.batchTimeout, &resp); err != nil {
		return nil, err
	}
	if len(resp) < len(reqs) {
		padded := make([]*BatchResponse, len(reqs))
		copy(padded, resp)
		resp = padded
	}
	return resp, nil
}

// BatchError classifies a sub-response. It returns nil only for a 2xx
// sub-response whose body carries no error object.
func BatchError(resp *BatchResponse) error {
	if resp == nil {
		return &APIError{Status: http.StatusGatewayTimeout, Code: 2, Message: "batch sub-request timed out", IsTransient: true}
	}
	if resp.Code >= 200 && resp.Code < 300 {
		if apiErr := embeddedError(resp.Code, []byte(resp.Body)); apiErr != nil {
			return apiErr
		}
		return nil
	}
	return parseError(resp.Code, []byte(resp.Body))
}

// LeadsRelativeURL is the batch sub-request URL for one page of form leads.
func LeadsRelativeURL(formID, after string, limit int) string {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("fields", "id,created_time,form_id,ad_id,ad_name,adset_id,campaign_id,campaign_name,platform,is_organic,field_data")
	q.Set("limit", strconv.Itoa(limit))
	if after != "" {
		q.Set("after", after)
	}
	return formID + "/leads?" + q.Encode()
}

// ActID normalises an ad account id to the act_ prefixed form.
func ActID(accountID string) string {
	accountID = strings.TrimSpace(accountID)
	if strings.HasPrefix(accountID, "act_") {
		return accountID
	}
	return "act_" + accountID
}

func listQuery(fields string, statuses []string, after string) url.Values {
	q := url.Values{}
	q.Set("fields", fields)
	q.Set("limit", "200")
	if len(statuses) > 0 {
		encoded, _ := json.Marshal(statuses)
		q.Set("effective_status", string(encoded))
	}
	if after != "" {
		q.Set("after", after)
	}
	return q
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + c.version + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) get(ctx context.Context, name, token, path string, query url.Values, timeout time.Duration, dest any) error {
	if token != "" {
		query.Set("access_token", token)
	}
	reqURL := c.endpoint(path) + "?" + query.Encode()
	return c.do(ctx, name, http.MethodGet, reqURL, nil, "", timeout, dest)
}

func (c *Client) do(ctx context.Context, name, method, reqURL string, body io.Reader, contentType string, timeout time.Duration, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.GraphRequests.WithLabelValues(name, "error").Inc()
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return fmt.Errorf("graph %s: %w", name, err)
		}
		return fmt.Errorf("graph %s: %w: %w", name, ErrTransient, err)
	}
	defer res.Body.Close()

	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.GraphRequests.WithLabelValues(name, statusLabel).Inc()
		c.metrics.GraphLatency.WithLabelValues(name, statusLabel).Observe(time.Since(start).Seconds())
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("graph %s: read response: %w: %w", name, ErrTransient, err)
	}

	if res.StatusCode >= 400 {
		apiErr := parseError(res.StatusCode, bodyBytes)
		if retryAfter := res.Header.Get("Retry-After"); retryAfter != "" {
			c.logger.Debug("graph asked to retry later", "endpoint", name, "retry_after", retryAfter)
		}
		return fmt.Errorf("graph %s: %w", name, apiErr)
	}

	// Some throttling and auth failures arrive as 200 with an error object.
	if apiErr := embeddedError(res.StatusCode, bodyBytes); apiErr != nil {
		return fmt.Errorf("graph %s: %w", name, apiErr)
	}

	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("graph %s: decode response: %w", name, err)
	}
	return nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
