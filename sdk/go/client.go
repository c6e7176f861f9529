package relocationsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal relocation HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// StatusEntry is one row of a verification's audit trail.
type StatusEntry struct {
	Status   int    `json:"status"`
	Comments string `json:"comments"`
	Verifier string `json:"verifier"`
	Time     string `json:"time"`
}

// Verification represents a stage-update record.
type Verification struct {
	ID            string        `json:"verificationId"`
	EntityType    string        `json:"entityType"`
	EntityID      string        `json:"entityId"`
	VillageID     string        `json:"villageId"`
	StageID       string        `json:"stageId"`
	SubStageID    string        `json:"subStageId,omitempty"`
	Name          string        `json:"name,omitempty"`
	Notes         string        `json:"notes"`
	Documents     []string      `json:"documents"`
	Status        int           `json:"status"`
	StatusHistory []StatusEntry `json:"statusHistory"`
	InsertedBy    string        `json:"insertedBy"`
	InsertedAt    string        `json:"insertedAt"`
	VerifiedBy    string        `json:"verifiedBy"`
	VerifiedAt    string        `json:"verifiedAt"`
}

// VerificationPage is one page of a verification listing.
type VerificationPage struct {
	Items []Verification `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// Stage represents a stage or sub-stage.
type Stage struct {
	ID          string  `json:"stageId"`
	Scope       string  `json:"scope"`
	ParentID    string  `json:"parentId,omitempty"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Deleted     bool    `json:"deleted"`
	Position    int     `json:"position"`
	SubStages   []Stage `json:"subStages,omitempty"`
}

// ProgressStage is one stage annotated for an entity.
type ProgressStage struct {
	StageID   string `json:"stageId"`
	ParentID  string `json:"parentId,omitempty"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
	Current   bool   `json:"current"`
	Reachable bool   `json:"reachable"`
}

// Progress is an entity's stage ladder.
type Progress struct {
	Entity struct {
		ID              string   `json:"id"`
		CurrentStage    *string  `json:"currentStage"`
		StagesCompleted []string `json:"stagesCompleted"`
	} `json:"entity"`
	Stages []ProgressStage `json:"stages"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	VillageID   string `json:"villageId"`
	EntityKind  string `json:"entityKind"`
	EntityID    string `json:"entityId"`
	ActorID     string `json:"actorId"`
	PayloadJSON string `json:"payloadJson"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"nextCursor"`
}

// ListOptions filters a verification listing. Zero values are omitted.
type ListOptions struct {
	EntityID  string
	VillageID string
	StageID   string
	Status    int
	AllStatus bool
	Name      string
	FromDate  string
	ToDate    string
	Page      int
	Limit     int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("entityId", o.EntityID)
	set("villageId", o.VillageID)
	set("stageId", o.StageID)
	set("name", o.Name)
	set("fromDate", o.FromDate)
	set("toDate", o.ToDate)
	if o.Status > 0 {
		q.Set("status", strconv.Itoa(o.Status))
	}
	if o.AllStatus {
		q.Set("allStatus", "true")
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// InsertVerification records evidence that entityID reached stageID.
func (c *Client) InsertVerification(ctx context.Context, entityType, entityID, stageID, notes string, documents []string) (Verification, error) {
	body := map[string]any{
		"stageId":   stageID,
		"notes":     notes,
		"documents": documents,
	}
	var resp Verification
	endpoint := fmt.Sprintf("%s/stage-update/insert/%s", url.PathEscape(entityType), url.PathEscape(entityID))
	err := c.do(ctx, http.MethodPost, c.apiPath(endpoint), body, &resp)
	return resp, err
}

// Verify moves a record one step: delta +1 approves, -1 sends back.
func (c *Client) Verify(ctx context.Context, entityType, verificationID string, delta int, comments string) (Verification, error) {
	body := map[string]any{
		"verificationId": verificationID,
		"status":         delta,
		"comments":       comments,
	}
	var resp Verification
	err := c.do(ctx, http.MethodPost, c.apiPath(url.PathEscape(entityType)+"/stage-update/verify"), body, &resp)
	return resp, err
}

// DeleteVerification soft-deletes a record that has not been approved yet.
func (c *Client) DeleteVerification(ctx context.Context, entityType, verificationID string) error {
	endpoint := fmt.Sprintf("%s/stage-update/%s", url.PathEscape(entityType), url.PathEscape(verificationID))
	return c.do(ctx, http.MethodDelete, c.apiPath(endpoint), nil, nil)
}

// ListVerifications lists records newest first.
func (c *Client) ListVerifications(ctx context.Context, entityType string, opts ListOptions) (VerificationPage, error) {
	endpoint := c.apiPath(url.PathEscape(entityType) + "/stage-update")
	if q := opts.query().Encode(); q != "" {
		endpoint += "?" + q
	}
	var resp VerificationPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stages lists the active stages of a scope.
func (c *Client) Stages(ctx context.Context, scope string) ([]Stage, error) {
	var resp struct {
		Items []Stage `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.apiPath("stages?scope="+url.QueryEscape(scope)), nil, &resp)
	return resp.Items, err
}

// Progress returns the annotated stage ladder of an entity.
func (c *Client) Progress(ctx context.Context, entityType, entityID string) (Progress, error) {
	var resp Progress
	endpoint := fmt.Sprintf("%s/progress/%s", url.PathEscape(entityType), url.PathEscape(entityID))
	err := c.do(ctx, http.MethodGet, c.apiPath(endpoint), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.apiPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
