// Package rest is the client for the chat REST endpoints: message
// history, read receipts, room resolution and login. Everything else the
// platform backend serves is out of scope for this module.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/putto11262002/chatlink/chat"
)

// requestTimeout bounds every REST call. The backend is an external
// collaborator; a hung request must not hang the client.
const requestTimeout = 10 * time.Second

type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client for the backend at base (scheme://host[:port]).
// The token is attached to every request as an Authorization header; it
// may be empty for login-only use.
func NewClient(base string, token string, opts ...ClientOpt) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:   u,
		token:  token,
		http:   &http.Client{Timeout: requestTimeout},
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type ClientOpt func(*Client)

func WithHTTPClient(h *http.Client) ClientOpt {
	return func(c *Client) { c.http = h }
}

func WithClientLogger(logger *slog.Logger) ClientOpt {
	return func(c *Client) { c.logger = logger }
}

// SetToken replaces the token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Messages fetches one history page for a room, oldest first within the
// page. It satisfies chat.History.
func (c *Client) Messages(ctx context.Context, roomID, page, pageSize int) (chat.HistoryPage, error) {
	var res chat.HistoryPage
	u := c.endpoint("chat", "rooms", strconv.Itoa(roomID), "messages")
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	if err := c.do(ctx, http.MethodGet, u, nil, &res); err != nil {
		return res, err
	}
	return res, nil
}

// MarkRead resets the unread counter for a room. It satisfies
// chat.History.
func (c *Client) MarkRead(ctx context.Context, roomID int) error {
	u := c.endpoint("chat", "rooms", strconv.Itoa(roomID), "mark-read")
	return c.do(ctx, http.MethodPost, u, nil, nil)
}

// Rooms lists the user's chat rooms.
func (c *Client) Rooms(ctx context.Context) ([]chat.Room, error) {
	var rooms []chat.Room
	if err := c.do(ctx, http.MethodGet, c.endpoint("chat", "rooms"), nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomForFriend resolves (creating if necessary) the 1:1 room with a
// friend.
func (c *Client) RoomForFriend(ctx context.Context, friendID int) (chat.Room, error) {
	var room chat.Room
	u := c.endpoint("chat", "rooms", "friend", strconv.Itoa(friendID))
	if err := c.do(ctx, http.MethodGet, u, nil, &room); err != nil {
		return room, err
	}
	return room, nil
}

// Friends lists the users available to chat with.
func (c *Client) Friends(ctx context.Context) ([]chat.User, error) {
	var friends []chat.User
	if err := c.do(ctx, http.MethodGet, c.endpoint("chat", "friends"), nil, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// LoginResult is the backend's answer to a successful login.
type LoginResult struct {
	Token string    `json:"token"`
	User  chat.User `json:"user"`
}

// Login authenticates and returns a token plus the user's identity. The
// client's own token is not changed; call SetToken with the result.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var res LoginResult
	payload := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{username, password}
	if err := c.do(ctx, http.MethodPost, c.endpoint("auth", "login"), payload, &res); err != nil {
		return res, err
	}
	return res, nil
}

// Register creates a user account. Only the dev backend serves this; the
// production backend manages accounts elsewhere.
func (c *Client) Register(ctx context.Context, username, password string) (chat.User, error) {
	var user chat.User
	payload := struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{username, password}
	if err := c.do(ctx, http.MethodPost, c.endpoint("auth", "register"), payload, &user); err != nil {
		return user, err
	}
	return user, nil
}

// endpoint joins path segments onto the base URL, with the backend's
// trailing-slash convention.
func (c *Client) endpoint(segments ...string) *url.URL {
	u := c.base.JoinPath(segments...)
	u.Path += "/"
	return u
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{Code: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(res.StatusCode)
		}
		c.logger.Debug(fmt.Sprintf("%s %s: %v", method, u.Path, apiErr))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
