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
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	coreerrors "arcesc/core/errors"
)

// API routes served by arcescd for the adapter contract.
const (
	RouteSubmit  = "/v1/ledger/submit"
	RouteRead    = "/v1/ledger/read"
	RouteTx      = "/v1/ledger/tx/"
	RouteEvents  = "/v1/ledger/events"
	RouteEventWS = "/v1/ledger/events/ws"
)

// ErrorBody is the JSON error envelope written by the node API.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the taxonomy code of a failed request.
type ErrorDetail struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	RemainingSeconds int64  `json:"remainingSeconds,omitempty"`
}

// Err converts the detail back into a taxonomy error.
func (d ErrorDetail) Err() error {
	if d.Code == coreerrors.CodeNotYetEligible {
		return &coreerrors.NotYetEligibleError{Remaining: time.Duration(d.RemainingSeconds) * time.Second}
	}
	return coreerrors.FromCode(d.Code, d.Message)
}

// ClientConfig configures a remote ledger client.
type ClientConfig struct {
	BaseURL string
	// Token is sent as a bearer credential. The node derives the caller
	// identity from it.
	Token        string
	Timeout      time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Client talks to an arcescd node over HTTP/JSON and WebSocket.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	poll     time.Duration
	chainID  string
	feeAsset string
}

var (
	_ Adapter    = (*Client)(nil)
	_ Subscriber = (*Client)(nil)
)

// Dial connects to the node and caches its chain id and fee asset.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: base url required")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	c := &Client{base: base, token: strings.TrimSpace(cfg.Token), http: httpClient, poll: poll}
	var info Info
	if err := c.Read(ctx, View{Method: ViewLedgerInfo}, &info); err != nil {
		return nil, err
	}
	c.chainID = info.ChainID
	c.feeAsset = info.FeeAsset
	return c, nil
}

// ChainID implements Adapter.
func (c *Client) ChainID() string { return c.chainID }

// FeeAsset implements Adapter.
func (c *Client) FeeAsset() string { return c.feeAsset }

// Submit implements Adapter. The call's Caller is ignored; the node
// authenticates the bearer token.
func (c *Client) Submit(ctx context.Context, call Call) (*Receipt, error) {
	var receipt Receipt
	if err := c.do(ctx, http.MethodPost, RouteSubmit, call, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Read implements Adapter.
func (c *Client) Read(ctx context.Context, view View, out any) error {
	return c.do(ctx, http.MethodPost, RouteRead, view, out)
}

// Receipt fetches a receipt by transaction id.
func (c *Client) Receipt(ctx context.Context, txID string) (*Receipt, error) {
	var receipt Receipt
	if err := c.do(ctx, http.MethodGet, RouteTx+url.PathEscape(txID), nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// WaitForFinality polls for the receipt until it appears or ctx ends.
func (c *Client) WaitForFinality(ctx context.Context, txID string) (Outcome, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.Receipt(ctx, txID)
		switch {
		case err == nil:
			return receipt.Outcome(), nil
		case errors.Is(err, coreerrors.ErrNotFound), coreerrors.Retryable(err):
		default:
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", coreerrors.Transient(ctx.Err())
		case <-ticker.C:
		}
	}
}

// Events pages through the event log.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]Notification, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Notification
	if err := c.do(ctx, http.MethodGet, RouteEvents+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens the event stream. The channel closes when ctx ends or the
// connection drops; callers resume from the last seen Seq.
func (c *Client) Subscribe(ctx context.Context, afterSeq uint64) (<-chan Notification, error) {
	target := *c.base
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = strings.TrimRight(target.Path, "/") + RouteEventWS
	target.RawQuery = url.Values{"after": {strconv.FormatUint(afterSeq, 10)}}.Encode()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, target.String(), opts)
	if err != nil {
		return nil, coreerrors.Transient(fmt.Errorf("ledger: dial event stream: %w", err))
	}
	out := make(chan Notification, 64)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var n Notification
			if err := wsjson.Read(ctx, conn, &n); err != nil {
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	endpoint := strings.TrimRight(c.base.String(), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return coreerrors.Transient(fmt.Errorf("ledger: %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return coreerrors.Transient(fmt.Errorf("ledger: read response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	return nil
}

func statusError(status int, payload []byte) error {
	var body ErrorBody
	decoded := json.Unmarshal(payload, &body) == nil && body.Error.Code != ""
	if status >= 500 || status == http.StatusTooManyRequests {
		msg := strings.TrimSpace(string(payload))
		if decoded {
			msg = body.Error.Message
		}
		return coreerrors.Transient(fmt.Errorf("ledger: node returned %d: %s", status, msg))
	}
	if decoded {
		return body.Error.Err()
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("ledger: node returned %d: %w", status, coreerrors.ErrUnauthorized)
	case http.StatusNotFound:
		return fmt.Errorf("ledger: node returned %d: %w", status, coreerrors.ErrNotFound)
	default:
		return fmt.Errorf("ledger: node returned %d: %s: %w", status, strings.TrimSpace(string(payload)), coreerrors.ErrInvalidInput)
	}
}
