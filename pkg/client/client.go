// Package client talks to a signal relay as one participant of a session.
package client

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

	"github.com/pion/webrtc/v4"

	"webrtc-signal-relay/pkg/signaling"
	"webrtc-signal-relay/pkg/webrtc/protocol"
)

// DefaultPollInterval matches the bundled page.
const DefaultPollInterval = 2 * time.Second

// ErrNoRole is returned by calls that need a role before one was assigned.
var ErrNoRole = errors.New("client: role not assigned")

// APIError is a non-2xx answer from the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %d %s", e.Status, e.Message)
}

// Settings mirrors GET /api/settings.
type Settings struct {
	ICEMode      string               `json:"iceMode"`
	ICEServers   []protocol.ICEServer `json:"iceServers"`
	PollInterval int64                `json:"pollInterval"`
	RolePolicy   string               `json:"rolePolicy"`
}

// Interval returns the advertised poll interval or the default.
func (s Settings) Interval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(s.PollInterval) * time.Millisecond
}

type Client struct {
	base    *url.URL
	http    *http.Client
	session string
	role    signaling.Role
	hasRole bool
}

// New returns a client for session on the relay at baseURL. A nil
// httpClient uses http.DefaultClient.
func New(baseURL, session string, httpClient *http.Client) (*Client, error) {
	if err := signaling.ValidateSessionID(session); err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: base url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: u, http: httpClient, session: session}, nil
}

func (c *Client) Session() string { return c.session }

// Role returns the assigned role and whether one was assigned.
func (c *Client) Role() (signaling.Role, bool) { return c.role, c.hasRole }

// SetRole skips assignment, e.g. when both sides agreed roles up front.
func (c *Client) SetRole(role signaling.Role) {
	c.role = role
	c.hasRole = true
}

// AssignRole asks the relay which role to take. Messages drained by the
// probe are returned alongside.
func (c *Client) AssignRole(ctx context.Context) (signaling.Role, []protocol.Message, error) {
	var out struct {
		Role     signaling.Role     `json:"role"`
		Messages []protocol.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/role/"+url.PathEscape(c.session), nil, &out); err != nil {
		return 0, nil, err
	}
	c.SetRole(out.Role)
	return out.Role, out.Messages, nil
}

// Settings fetches ICE servers and the advertised poll interval.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	err := c.do(ctx, http.MethodGet, "/api/settings", nil, &s)
	return s, err
}

// Publish sends msg to the other participant.
func (c *Client) Publish(ctx context.Context, msg protocol.Message) error {
	if !c.hasRole {
		return ErrNoRole
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, c.signalPath(), body, nil)
}

func (c *Client) PublishDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	msg, err := protocol.NewDescriptionMessage(desc)
	if err != nil {
		return err
	}
	return c.Publish(ctx, msg)
}

func (c *Client) PublishCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	msg, err := protocol.NewCandidateMessage(cand)
	if err != nil {
		return err
	}
	return c.Publish(ctx, msg)
}

// Fetch drains this participant's queue without waiting.
func (c *Client) Fetch(ctx context.Context) ([]protocol.Message, error) {
	return c.FetchWait(ctx, 0)
}

// FetchWait long-polls for up to wait. The relay may cap it.
func (c *Client) FetchWait(ctx context.Context, wait time.Duration) ([]protocol.Message, error) {
	if !c.hasRole {
		return nil, ErrNoRole
	}
	path := c.signalPath()
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	var msgs []protocol.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Poll fetches every interval and hands each message to fn in order until
// ctx is done or fn fails.
func (c *Client) Poll(ctx context.Context, interval time.Duration, fn func(protocol.Message) error) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		msgs, err := c.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, m := range msgs {
			if err := fn(m); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) signalPath() string {
	return "/signal/" + url.PathEscape(c.session) + "/" + c.role.Token()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
