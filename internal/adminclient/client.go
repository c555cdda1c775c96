// Package adminclient calls the admin REST service as an opaque external
// collaborator: reporting, banning, tag/member lookups, and world-chat
// queries.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fenwickgames/pusher/internal/metrics"
	"github.com/sony/gobreaker"
)

// Client wraps an HTTP client to the admin service behind a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

func New(baseURL string) *Client {
	st := gobreaker.Settings{
		Name:        "admin-service",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("admin service returned status %d", resp.StatusCode)
		}
		if out != nil {
			return nil, json.NewDecoder(resp.Body).Decode(out)
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("admin-service").Inc()
			metrics.AdminServiceCalls.WithLabelValues(path, "circuit_open").Inc()
		} else {
			metrics.AdminServiceCalls.WithLabelValues(path, "error").Inc()
		}
		return err
	}
	metrics.AdminServiceCalls.WithLabelValues(path, "ok").Inc()
	return nil
}

// Member is the shape returned by member/tag lookups.
type Member struct {
	UUID string   `json:"uuid"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func (c *Client) ReportPlayer(ctx context.Context, reportedUUID, reporterUUID, reportText string) error {
	body := map[string]string{"reportedUserUuid": reportedUUID, "reporterUserUuid": reporterUUID, "reportText": reportText}
	return c.call(ctx, http.MethodPost, "/report", body, nil)
}

func (c *Client) BanUserByUUID(ctx context.Context, userUUID, reason string) error {
	body := map[string]string{"uuid": userUUID, "reason": reason}
	return c.call(ctx, http.MethodPost, "/ban", body, nil)
}

// GetTagsList degrades to an empty list on failure.
func (c *Client) GetTagsList(ctx context.Context) []string {
	var tags []string
	if err := c.call(ctx, http.MethodGet, "/tags", nil, &tags); err != nil {
		return nil
	}
	return tags
}

func (c *Client) GetURLRoomsFromSameWorld(ctx context.Context, roomURL string) ([]string, error) {
	var rooms []string
	err := c.call(ctx, http.MethodGet, "/world/rooms?room="+roomURL, nil, &rooms)
	return rooms, err
}

func (c *Client) SearchMembers(ctx context.Context, query string) ([]Member, error) {
	var members []Member
	err := c.call(ctx, http.MethodGet, "/members/search?q="+query, nil, &members)
	return members, err
}

func (c *Client) SearchTags(ctx context.Context, query string) ([]string, error) {
	var tags []string
	err := c.call(ctx, http.MethodGet, "/tags/search?q="+query, nil, &tags)
	return tags, err
}

func (c *Client) GetMember(ctx context.Context, uuid string) (*Member, error) {
	var m Member
	err := c.call(ctx, http.MethodGet, "/members/"+uuid, nil, &m)
	return &m, err
}

func (c *Client) GetWorldChatMembers(ctx context.Context, world string) ([]Member, error) {
	var members []Member
	err := c.call(ctx, http.MethodGet, "/world/"+world+"/chat-members", nil, &members)
	return members, err
}

func (c *Client) UpdateChatID(ctx context.Context, userUUID, chatID string) error {
	body := map[string]string{"uuid": userUUID, "chatId": chatID}
	return c.call(ctx, http.MethodPost, "/members/chat-id", body, nil)
}

func (c *Client) RefreshOauthToken(ctx context.Context, refreshToken string) (string, error) {
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	err := c.call(ctx, http.MethodPost, "/oauth/refresh", map[string]string{"refreshToken": refreshToken}, &out)
	return out.AccessToken, err
}
