// Package mpesa talks to the Safaricom Daraja API: STK push for activation payments and
// B2C for withdrawal payouts.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const timestampLayout = "20060102150405"

// ErrRejected marks a request the provider definitely did not act on. Any other error
// leaves the outcome unknown.
var ErrRejected = errors.New("mpesa request rejected")

type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	Passkey            string
	CallbackURL        string
	InitiatorName      string
	SecurityCredential string
	ResultURL          string
	TimeoutURL         string
}

type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient, now: time.Now}
}

type STKPushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

type STKPushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type B2CRequest struct {
	OriginatorConversationID string
	Phone                    string
	Amount                   int64
	Remarks                  string
	Occasion                 string
}

type B2CResult struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// STKPush asks the provider to show a payment prompt on the customer's phone.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResult, error) {
	ts := c.now().Format(timestampLayout)
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + ts))

	payload := map[string]any{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            req.Amount,
		"PartyA":            req.Phone,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       req.Phone,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  req.AccountReference,
		"TransactionDesc":   req.Description,
	}

	var res STKPushResult
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &res); err != nil {
		return nil, err
	}
	if res.ResponseCode != "0" || res.CheckoutRequestID == "" || res.MerchantRequestID == "" {
		return nil, fmt.Errorf("%w: stk push code %q: %s", ErrRejected, res.ResponseCode, res.ResponseDescription)
	}
	return &res, nil
}

// B2CPayment sends money from the business short code to a customer phone.
func (c *Client) B2CPayment(ctx context.Context, req B2CRequest) (*B2CResult, error) {
	payload := map[string]any{
		"OriginatorConversationID": req.OriginatorConversationID,
		"InitiatorName":            c.cfg.InitiatorName,
		"SecurityCredential":       c.cfg.SecurityCredential,
		"CommandID":                "BusinessPayment",
		"Amount":                   req.Amount,
		"PartyA":                   c.cfg.ShortCode,
		"PartyB":                   req.Phone,
		"Remarks":                  req.Remarks,
		"QueueTimeOutURL":          c.cfg.TimeoutURL,
		"ResultURL":                c.cfg.ResultURL,
		"Occasion":                 req.Occasion,
	}

	var res B2CResult
	if err := c.post(ctx, "/mpesa/b2c/v3/paymentrequest", payload, &res); err != nil {
		return nil, err
	}
	if res.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: b2c code %q: %s", ErrRejected, res.ResponseCode, res.ResponseDescription)
	}
	return &res, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	// nothing has reached path until c.http.Do, so earlier failures are rejections
	token, err := c.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", ErrRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrRejected, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		if resp.StatusCode == http.StatusUnauthorized {
			c.resetToken()
		}
		// a 4xx means the request was refused before processing; 5xx may have been acted on
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("%w: %s returned status %d: %s %s", ErrRejected, path, resp.StatusCode, apiErr.ErrorCode, apiErr.ErrorMessage)
		}
		return fmt.Errorf("%s returned status %d: %s %s", path, resp.StatusCode, apiErr.ErrorCode, apiErr.ErrorMessage)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode access token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token endpoint returned empty access token")
	}

	ttl, err := strconv.Atoi(tok.ExpiresIn)
	if err != nil || ttl <= 60 {
		ttl = 3599
	}
	c.token = tok.AccessToken
	// refresh a minute early
	c.tokenExpiry = c.now().Add(time.Duration(ttl-60) * time.Second)
	return c.token, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
