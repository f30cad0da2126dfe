package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default timeouts for backend calls.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Response is the decoded body of an activate or deactivate call.
type Response struct {
	Status      string        `json:"status"`
	RoomURL     string        `json:"room_url,omitempty"`
	PID         json.Number   `json:"bot_pid,omitempty"`
	Message     string        `json:"message,omitempty"`
	StoppedBots []json.Number `json:"stopped_bots,omitempty"`
}

// Handle returns the process handle as display text.
func (r Response) Handle() string {
	return r.PID.String()
}

// Credentials is the decoded body of POST /connect. Raw keeps every field
// so callers can probe shapes the struct does not name.
type Credentials struct {
	RoomURL string
	Token   string
	Raw     map[string]any
}

// ProcessStatus is the decoded body of GET /status/{pid}.
type ProcessStatus struct {
	BotID  json.Number `json:"bot_id"`
	Status string      `json:"status"`
}

// Client calls the backend that manages bot processes.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// NewClient returns a client for the backend at baseURL. A nil httpClient
// gets one with production timeouts.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}
	return &Client{baseURL: u, http: httpClient}, nil
}

// NewHTTPClient returns an HTTP client with the given overall timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   DefaultConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Do executes a call issued by a Controller.
func (c *Client) Do(ctx context.Context, call Call) (Response, error) {
	switch call.Action {
	case ActionActivate:
		return c.Activate(ctx, call.Locator)
	case ActionDeactivate:
		return c.Deactivate(ctx, call.Locator)
	default:
		return Response{}, fmt.Errorf("bot: unknown action %q", call.Action)
	}
}

// Activate asks the backend to start a bot in roomURL.
func (c *Client) Activate(ctx context.Context, roomURL string) (Response, error) {
	return c.control(ctx, "activate", roomURL)
}

// Deactivate asks the backend to stop the bots in roomURL.
func (c *Client) Deactivate(ctx context.Context, roomURL string) (Response, error) {
	return c.control(ctx, "deactivate", roomURL)
}

// Connect asks the backend for a room and token without starting a bot.
func (c *Client) Connect(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/connect", nil), nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("build connect request: %w", err)
	}

	var raw map[string]any
	if err := c.do(req, "connect", &raw); err != nil {
		return Credentials{}, err
	}

	creds := Credentials{Raw: raw}
	creds.RoomURL, _ = raw["room_url"].(string)
	creds.Token, _ = raw["token"].(string)
	return creds, nil
}

// Status reports whether the bot process pid is still running.
func (c *Client) Status(ctx context.Context, pid string) (ProcessStatus, error) {
	pid = strings.TrimSpace(pid)
	if pid == "" {
		return ProcessStatus{}, errors.New("bot: process id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/status/"+url.PathEscape(pid), nil), nil)
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("build status request: %w", err)
	}

	var status ProcessStatus
	if err := c.do(req, "status", &status); err != nil {
		return ProcessStatus{}, err
	}
	return status, nil
}

func (c *Client) control(ctx context.Context, op, roomURL string) (Response, error) {
	if strings.TrimSpace(roomURL) == "" {
		return Response{}, ErrNoActiveSession
	}

	q := url.Values{}
	q.Set("room_url", roomURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/bot/"+op, q), nil)
	if err != nil {
		return Response{}, fmt.Errorf("build %s request: %w", op, err)
	}

	var resp Response
	if err := c.do(req, op, &resp); err != nil {
		return Response{}, err
	}
	if resp.Status == "error" {
		return resp, &RemoteError{Status: resp.Status, Message: resp.Message}
	}
	return resp, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RemoteError{StatusCode: resp.StatusCode, Message: errorDetail(body, resp.Status)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func errorDetail(body []byte, fallback string) string {
	var shaped struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &shaped); err == nil {
		switch d := shaped.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
		if shaped.Message != "" {
			return shaped.Message
		}
		if shaped.Error != "" {
			return shaped.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 {
		return text
	}
	return fallback
}
