// Package telephony talks to the Call Provider's REST API: placing outbound
// calls, fetching their status and looking up the account's number directory.
package telephony

import (
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
)

const DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// Call statuses reported by the Call Provider.
const (
	StatusQueued     = "queued"
	StatusInitiated  = "initiated"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusAnswered   = "answered"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// IsTerminal reports whether status ends the call.
func IsTerminal(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	default:
		return false
	}
}

var ErrRateLimited = errors.New("telephony: call placement rate limit exceeded")

// APIError is a non-2xx response from the Call Provider.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("telephony: provider returned %d", e.StatusCode)
	}
	return fmt.Sprintf("telephony: provider returned %d: %s", e.StatusCode, e.Message)
}

type Call struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	Direction string `json:"direction,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Duration  string `json:"duration,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

type CallRequest struct {
	To                string
	From              string
	TwiMLURL          string
	StatusCallbackURL string
}

// StatusCallbackEvents are the lifecycle events requested for every placed call.
var StatusCallbackEvents = []string{StatusInitiated, StatusRinging, StatusAnswered, StatusCompleted}

type ClientConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
	// PlaceRPS and PlaceBurst bound outbound call placement. Zero PlaceRPS disables the limit.
	PlaceRPS   float64
	PlaceBurst int
}

type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
	limiter    *rate.Limiter
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("telephony: account sid and auth token are required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultAPIBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{accountSID: cfg.AccountSID, authToken: cfg.AuthToken, baseURL: base, http: hc}
	if cfg.PlaceRPS > 0 {
		burst := cfg.PlaceBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.PlaceRPS), burst)
	}
	return c, nil
}

func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (Call, error) {
	if req.To == "" || req.From == "" || req.TwiMLURL == "" {
		return Call{}, errors.New("telephony: to, from and twiml url are required")
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return Call{}, ErrRateLimited
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.TwiMLURL)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range StatusCallbackEvents {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	var call Call
	if err := c.do(ctx, http.MethodPost, "/Calls.json", nil, form, &call); err != nil {
		return Call{}, err
	}
	return call, nil
}

func (c *Client) FetchCall(ctx context.Context, callID string) (Call, error) {
	if callID == "" {
		return Call{}, errors.New("telephony: call id is required")
	}
	var call Call
	if err := c.do(ctx, http.MethodGet, "/Calls/"+url.PathEscape(callID)+".json", nil, nil, &call); err != nil {
		return Call{}, err
	}
	return call, nil
}

// IsIncomingNumber reports whether number is one of the account's own numbers.
func (c *Client) IsIncomingNumber(ctx context.Context, number string) (bool, error) {
	var page struct {
		Numbers []json.RawMessage `json:"incoming_phone_numbers"`
	}
	q := url.Values{"PhoneNumber": {number}}
	if err := c.do(ctx, http.MethodGet, "/IncomingPhoneNumbers.json", q, nil, &page); err != nil {
		return false, err
	}
	return len(page.Numbers) > 0, nil
}

// IsVerifiedCallerID reports whether number is a verified outgoing caller ID.
func (c *Client) IsVerifiedCallerID(ctx context.Context, number string) (bool, error) {
	var page struct {
		CallerIDs []json.RawMessage `json:"outgoing_caller_ids"`
	}
	q := url.Values{"PhoneNumber": {number}}
	if err := c.do(ctx, http.MethodGet, "/OutgoingCallerIds.json", q, nil, &page); err != nil {
		return false, err
	}
	return len(page.CallerIDs) > 0, nil
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values, out any) error {
	endpoint := c.baseURL + "/Accounts/" + url.PathEscape(c.accountSID) + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("telephony: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telephony: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("telephony: decode response: %w", err)
	}
	return nil
}
