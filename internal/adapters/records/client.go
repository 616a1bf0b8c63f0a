// Package records reports call lifecycle to the external call-records
// service. Every request is fire-and-forget: failures are logged and never
// reach the signaling path.
package records

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

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/callmesh/internal/domain"
)

type Config struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

type InitiateRequest struct {
	CallID   domain.CallID   `json:"callId"`
	CallerID domain.UserID   `json:"callerId"`
	CalleeID domain.UserID   `json:"calleeId"`
	Kind     domain.CallKind `json:"kind"`
}

type StatusRequest struct {
	Status   domain.CallState `json:"status"`
	Reason   domain.EndReason `json:"reason,omitempty"`
	Duration int64            `json:"durationSeconds"`
}

// Client implements core.CallRecorder.
type Client struct {
	baseURL    string
	token      string
	local      domain.UserID
	httpClient *http.Client

	inflight conc.WaitGroup
}

func New(cfg Config, local domain.UserID) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		local:      local,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Initiated(id domain.CallID, callee domain.UserID, kind domain.CallKind) {
	req := InitiateRequest{CallID: id, CallerID: c.local, CalleeID: callee, Kind: kind}
	c.inflight.Go(func() {
		c.do(context.Background(), http.MethodPost, c.baseURL+"/calls/initiate", req, id)
	})
}

func (c *Client) StatusChanged(id domain.CallID, state domain.CallState, reason domain.EndReason, duration time.Duration) {
	req := StatusRequest{Status: state, Reason: reason, Duration: int64(duration / time.Second)}
	c.inflight.Go(func() {
		c.do(context.Background(), http.MethodPut, c.baseURL+"/calls/"+url.PathEscape(id.String())+"/status", req, id)
	})
}

// Wait blocks until every pending request has finished.
func (c *Client) Wait() { c.inflight.Wait() }

func (c *Client) do(ctx context.Context, method, target string, payload any, id domain.CallID) {
	if err := c.send(ctx, method, target, payload); err != nil {
		log.Warn().Err(err).Str("module", "adapters.records").Str("call", id.String()).Str("method", method).Msg("call record not stored")
		return
	}
	log.Debug().Str("module", "adapters.records").Str("call", id.String()).Str("method", method).Msg("call record stored")
}

func (c *Client) send(ctx context.Context, method, target string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request failed: %s - %s", resp.Status, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
