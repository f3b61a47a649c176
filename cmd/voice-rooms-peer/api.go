package main

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

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/identity"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/protocol"
)

const maxAPIResponseBytes = 1 << 20

// apiClient talks to the server's REST surface.
type apiClient struct {
	base *url.URL
	http *http.Client
}

func newAPIClient(server string) (*apiClient, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("server url must be http:// or https:// (got %q)", server)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", server)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return &apiClient{base: u, http: &http.Client{Timeout: 10 * time.Second}}, nil
}

// signalingURL is the ws:// or wss:// form of the base URL with /ws appended.
func (c *apiClient) signalingURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String()
}

func (c *apiClient) endpoint(path string) string {
	u := *c.base
	u.Path += path
	return u.String()
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
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
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *apiClient) Login(ctx context.Context, username, password string) (identity.Session, error) {
	var sess identity.Session
	err := c.do(ctx, http.MethodPost, "/api/login", map[string]string{"username": username, "password": password}, &sess)
	return sess, err
}

func (c *apiClient) Register(ctx context.Context, username, password string) (identity.Session, error) {
	var sess identity.Session
	err := c.do(ctx, http.MethodPost, "/api/register", map[string]string{"username": username, "password": password}, &sess)
	return sess, err
}

func (c *apiClient) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var resp struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/ice", nil, &resp); err != nil {
		return nil, err
	}
	return resp.ICEServers, nil
}

func (c *apiClient) Rooms(ctx context.Context) ([]protocol.RoomInfo, error) {
	var out []protocol.RoomInfo
	err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &out)
	return out, err
}
