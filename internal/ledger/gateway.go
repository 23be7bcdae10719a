package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ledgerflow/internal/domain"
)

// Gateway talks JSON over HTTP to a ledger relay that owns signing and
// broadcast. Every request goes through a shared limiter.
type Gateway struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
}

// GatewayOptions configures NewGateway.
type GatewayOptions struct {
	Timeout time.Duration
	Token   string
	RPS     float64
	Burst   int
}

func NewGateway(baseURL string, opts GatewayOptions) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	return &Gateway{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      opts.Token,
		HTTPClient: &http.Client{Timeout: opts.Timeout},
		Limiter:    rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
	}
}

type gatewayError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type submitResponse struct {
	Handle Handle `json:"handle"`
}

type amountResponse struct {
	Amount string `json:"amount"`
}

type itemsResponse struct {
	Items []string `json:"items"`
}

func (g *Gateway) Submit(ctx context.Context, call Call) (Handle, error) {
	var resp submitResponse
	if err := g.do(ctx, call.Method, http.MethodPost, "v1/calls", call, &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", &UnavailableError{Method: call.Method, Err: errors.New("relay returned no handle")}
	}
	return resp.Handle, nil
}

func (g *Gateway) Status(ctx context.Context, h Handle) (Receipt, error) {
	var resp Receipt
	err := g.do(ctx, "status", http.MethodGet, "v1/calls/"+url.PathEscape(string(h)), nil, &resp)
	var rejected *RejectedError
	if errors.As(err, &rejected) && rejected.HTTPStatus == http.StatusNotFound {
		return Receipt{Handle: h, Status: TxUnknown}, nil
	}
	if err != nil {
		return Receipt{}, err
	}
	if resp.Handle == "" {
		resp.Handle = h
	}
	switch resp.Status {
	case TxPending, TxConfirmed, TxReverted, TxUnknown:
	default:
		return Receipt{}, &UnavailableError{Method: "status", Err: fmt.Errorf("unexpected status %q", resp.Status)}
	}
	return resp, nil
}

func (g *Gateway) OutstandingObligation(ctx context.Context, account string) (domain.Amount, error) {
	return g.amount(ctx, "getOutstandingObligation", accountPath(account, "obligation"))
}

func (g *Gateway) LockedItems(ctx context.Context, account string) ([]string, error) {
	var resp itemsResponse
	if err := g.do(ctx, "getLockedItems", http.MethodGet, accountPath(account, "locked-items"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (g *Gateway) Balance(ctx context.Context, account, asset string) (domain.Amount, error) {
	return g.amount(ctx, "getBalance", accountPath(account, "balances/"+url.PathEscape(asset)))
}

func (g *Gateway) Allowance(ctx context.Context, owner, spender, asset string) (domain.Amount, error) {
	p := accountPath(owner, fmt.Sprintf("allowances/%s/%s", url.PathEscape(spender), url.PathEscape(asset)))
	return g.amount(ctx, "getAllowance", p)
}

func (g *Gateway) amount(ctx context.Context, method, endpoint string) (domain.Amount, error) {
	var resp amountResponse
	if err := g.do(ctx, method, http.MethodGet, endpoint, nil, &resp); err != nil {
		return domain.Zero, err
	}
	a, err := domain.ParseAmount(resp.Amount)
	if err != nil {
		return domain.Zero, &UnavailableError{Method: method, Err: err}
	}
	return a, nil
}

func accountPath(account, rest string) string {
	return fmt.Sprintf("v1/accounts/%s/%s", url.PathEscape(account), rest)
}

// do performs one request. Transport failures and 5xx responses become
// UnavailableError; 4xx responses become RejectedError.
func (g *Gateway) do(ctx context.Context, ledgerMethod, method, endpoint string, body any, out any) error {
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx); err != nil {
			return &UnavailableError{Method: ledgerMethod, Err: err}
		}
	}
	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+"/"+endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return &UnavailableError{Method: ledgerMethod, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UnavailableError{Method: ledgerMethod, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))}
	}
	if resp.StatusCode >= 400 {
		var ge gatewayError
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		reason := strings.TrimSpace(string(b))
		if json.Unmarshal(b, &ge) == nil && ge.Error.Message != "" {
			reason = ge.Error.Message
		}
		return &RejectedError{Method: ledgerMethod, Reason: reason, HTTPStatus: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &UnavailableError{Method: ledgerMethod, Err: err}
		}
	}
	return nil
}
