// Package telco is the thin carrier REST client. The service only ever
// needs one mutation from the carrier: ending a call whose media stream it
// already owns.
package telco

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/bt-bridge/callbridge/shared"
)

const (
	defaultBaseURL = "https://api.twilio.com/2010-04-01"
	defaultTimeout = 10 * time.Second
)

// Client talks to the Twilio Calls REST resource.
type Client struct {
	logger     shared.LoggerAdapter
	accountSID string
	baseURL    string
	authHeader string
	http       *fasthttp.Client
	timeout    time.Duration
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

// New builds a carrier client. baseURL overrides are for tests.
func New(logger shared.LoggerAdapter, accountSID, authToken string, baseURL ...string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if accountSID == "" || authToken == "" {
		return nil, shared.ErrNoAPIKey
	}

	base := defaultBaseURL
	if len(baseURL) > 0 && baseURL[0] != "" {
		base = baseURL[0]
	}

	creds := base64.StdEncoding.EncodeToString([]byte(accountSID + ":" + authToken))
	return &Client{
		logger:     logger,
		accountSID: accountSID,
		baseURL:    base,
		authHeader: "Basic " + creds,
		http:       &fasthttp.Client{},
		timeout:    defaultTimeout,
	}, nil
}

// Hangup moves an in-progress call to completed. The carrier then tears
// down the media stream from its side.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	return c.updateCall(ctx, callID, "Status=completed")
}

func (c *Client) updateCall(ctx context.Context, callID, form string) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.SetRequestURI(fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callID))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set(fasthttp.HeaderAuthorization, c.authHeader)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(form)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.http.DoTimeout(req, resp, c.timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("updating call: %w", ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("updating call: %w", err)
		}
	}

	if resp.StatusCode() >= 400 {
		var apiErr apiError
		if uerr := sonic.Unmarshal(resp.Body(), &apiErr); uerr != nil {
			return fmt.Errorf("updating call: unexpected status %d", resp.StatusCode())
		}
		c.logger.Warn("carrier rejected call update",
			zap.String("call_id", callID),
			zap.Int("status", resp.StatusCode()),
		)
		return &apiErr
	}
	return nil
}
