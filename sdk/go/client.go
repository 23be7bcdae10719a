package ledgerflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Ledgerflow HTTP API client bound to one account.
type Client struct {
	BaseURL     string
	Account     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, account string) *Client {
	return &Client{
		BaseURL: baseURL,
		Account: account,
		Timeout: 2 * time.Minute,
	}
}

// ActionRequest is the body of an action call. Amount is a base-10 integer
// in the asset's smallest unit.
type ActionRequest struct {
	Amount    string `json:"amount"`
	Asset     string `json:"asset,omitempty"`
	Tranche   string `json:"tranche,omitempty"`
	Item      string `json:"item,omitempty"`
	AutoRepay bool   `json:"auto_repay,omitempty"`
}

type Operation struct {
	ID        string `json:"id"`
	StepIndex int    `json:"step_index"`
	Kind      string `json:"kind"`
	Method    string `json:"method"`
	Status    string `json:"status"`
	Handle    string `json:"handle,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	ID           string      `json:"id"`
	Account      string      `json:"account"`
	Action       string      `json:"action"`
	TargetKey    string      `json:"target_key"`
	CurrentIndex int         `json:"current_index"`
	State        string      `json:"state"`
	Status       string      `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	Operations   []Operation `json:"operations,omitempty"`
}

// BatchJob represents a release batch (partial).
type BatchJob struct {
	ID           string      `json:"id"`
	Account      string      `json:"account"`
	Items        []string    `json:"items"`
	CurrentIndex int         `json:"current_index"`
	State        string      `json:"state"`
	Status       string      `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	Resumes      int         `json:"resumes"`
	Operations   []Operation `json:"operations,omitempty"`
}

type ActionResponse struct {
	Workflow     Workflow  `json:"workflow"`
	Release      *BatchJob `json:"release,omitempty"`
	ReleaseError string    `json:"release_error,omitempty"`
}

// View is the reconciled view of the account. Amounts are decimal strings.
type View struct {
	Account     string            `json:"account"`
	Fields      map[string]string `json:"fields"`
	Effective   map[string]string `json:"effective"`
	LockedItems []string          `json:"locked_items"`
	InFlight    []string          `json:"in_flight,omitempty"`
	Unresolved  []string          `json:"unresolved,omitempty"`
	ReadAt      string            `json:"read_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Account    string         `json:"account"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body carried one, e.g. "already_in_flight".
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Action runs an action and waits for the workflow to rest.
func (c *Client) Action(ctx context.Context, action string, req ActionRequest) (ActionResponse, error) {
	var resp ActionResponse
	err := c.do(ctx, http.MethodPost, c.accountPath("actions/"+url.PathEscape(action)), req, &resp)
	return resp, err
}

// StartAction creates the workflow and returns without waiting for it.
func (c *Client) StartAction(ctx context.Context, action string, req ActionRequest) (Workflow, error) {
	var resp ActionResponse
	err := c.do(ctx, http.MethodPost, c.accountPath("actions/"+url.PathEscape(action))+"?wait=false", req, &resp)
	return resp.Workflow, err
}

func (c *Client) View(ctx context.Context) (View, error) {
	var resp View
	err := c.do(ctx, http.MethodGet, c.accountPath("view"), nil, &resp)
	return resp, err
}

// Reconcile resolves unresolved operations against the ledger.
func (c *Client) Reconcile(ctx context.Context) (View, error) {
	var resp View
	err := c.do(ctx, http.MethodPost, c.accountPath("reconcile"), nil, &resp)
	return resp, err
}

func (c *Client) Workflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "v0/workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ResumeWorkflow(ctx context.Context, id string) (ActionResponse, error) {
	var resp ActionResponse
	err := c.do(ctx, http.MethodPost, "v0/workflows/"+url.PathEscape(id)+"/resume", nil, &resp)
	return resp, err
}

func (c *Client) AbandonWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "v0/workflows/"+url.PathEscape(id)+"/abandon", nil, &resp)
	return resp, err
}

// Release starts a release batch; nil items releases everything locked.
func (c *Client) Release(ctx context.Context, items []string) (BatchJob, error) {
	var resp BatchJob
	err := c.do(ctx, http.MethodPost, c.accountPath("releases"), map[string]any{"items": items}, &resp)
	return resp, err
}

func (c *Client) Batch(ctx context.Context, id string) (BatchJob, error) {
	var resp BatchJob
	err := c.do(ctx, http.MethodGet, "v0/batches/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ResumeBatch(ctx context.Context, id string) (BatchJob, error) {
	var resp BatchJob
	err := c.do(ctx, http.MethodPost, "v0/batches/"+url.PathEscape(id)+"/resume", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.accountPath("events")
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
		return parseAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) accountPath(p string) string {
	return fmt.Sprintf("v0/accounts/%s/%s", url.PathEscape(c.Account), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
