// Package sdk holds the error taxonomy and store interfaces shared by the
// beacon components, plus an HTTP client for the beacond API.
package sdk

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

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

// Client talks to a beacond HTTP API on behalf of one user.
type Client struct {
	base   string
	userID string
	http   *http.Client
}

// Connect returns a client for the API at addr acting as userID.
func Connect(addr, userID string) (*Client, error) {
	if userID == "" {
		return nil, Invalid("user", "is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	return &Client{
		base:   strings.TrimRight(u.String(), "/"),
		userID: userID,
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type apiError struct {
	Error string `json:"error"`
}

// do sends one request, retrying network failures and 5xx responses up to
// three times.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	var lastErr error
	for i := 0; i < 3; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i*200) * time.Millisecond):
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("X-User-ID", c.userID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = statusError(resp.StatusCode, data)
			continue
		}
		if resp.StatusCode >= 300 {
			return statusError(resp.StatusCode, data)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(data, out)
	}
	return fmt.Errorf("failed after 3 attempts: %w", lastErr)
}

// statusError maps an HTTP error response back onto the error taxonomy.
func statusError(code int, data []byte) error {
	var e apiError
	_ = json.Unmarshal(data, &e)
	msg := e.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrValidation, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrNotPermitted, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return fmt.Errorf("server returned %d: %s", code, msg)
}

func (c *Client) SetStatus(ctx context.Context, status schema.Status, message string) (schema.UserStatus, error) {
	var out schema.UserStatus
	err := c.do(ctx, http.MethodPost, "/api/status", map[string]any{"status": status, "message": message}, &out)
	return out, err
}

// Status returns userID's current status, or the caller's own when userID is empty.
func (c *Client) Status(ctx context.Context, userID string) (schema.UserStatus, error) {
	path := "/api/status"
	if userID != "" {
		path += "/" + url.PathEscape(userID)
	}
	var out schema.UserStatus
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, limit int) ([]schema.UserStatus, error) {
	var out []schema.UserStatus
	err := c.do(ctx, http.MethodGet, "/api/status/history?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *Client) Friends(ctx context.Context, state schema.FriendshipState) ([]schema.Friendship, error) {
	path := "/api/friends"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var out []schema.Friendship
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) RequestFriend(ctx context.Context, recipientID string) (schema.Friendship, error) {
	var out schema.Friendship
	err := c.do(ctx, http.MethodPost, "/api/friends/requests", map[string]string{"recipient_id": recipientID}, &out)
	return out, err
}

// RespondFriend accepts or denies a pending request addressed to the caller.
func (c *Client) RespondFriend(ctx context.Context, friendshipID string, accept bool) (schema.Friendship, error) {
	verb := "deny"
	if accept {
		verb = "accept"
	}
	var out schema.Friendship
	err := c.do(ctx, http.MethodPost, "/api/friends/requests/"+url.PathEscape(friendshipID)+"/"+verb, nil, &out)
	return out, err
}

// Notifications lists the caller's notifications and the unread count.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]schema.Notification, int, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if unreadOnly {
		q.Set("unread", "true")
	}
	var out struct {
		Notifications []schema.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, "/api/notifications?"+q.Encode(), nil, &out)
	return out.Notifications, out.Unread, err
}

func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, &out)
	return out.Updated, err
}

func (c *Client) Escalation(ctx context.Context, userID string) (schema.EscalationRun, error) {
	var out schema.EscalationRun
	err := c.do(ctx, http.MethodGet, "/api/escalations/"+url.PathEscape(userID), nil, &out)
	return out, err
}

// Acknowledge stops userID's escalation. A zero revision targets the latest run.
func (c *Client) Acknowledge(ctx context.Context, userID string, revision int64) (schema.EscalationRun, error) {
	var out schema.EscalationRun
	err := c.do(ctx, http.MethodPost, "/api/escalations/"+url.PathEscape(userID)+"/ack", map[string]int64{"revision": revision}, &out)
	return out, err
}
