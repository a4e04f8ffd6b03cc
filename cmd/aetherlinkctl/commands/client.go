package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client is a minimal HTTP client for aetherlinkd's session API (§6).
type Client struct {
	Base string
	HTTP *http.Client
}

// SessionView mirrors the daemon's JSON session rendering.
type SessionView struct {
	LocalSessionID string `json:"local_session_id"`
	PeerDeviceCode string `json:"peer_device_code"`
	Role           string `json:"role"`
	State          string `json:"state"`
	FailReason     string `json:"fail_reason,omitempty"`
	PathCategory   string `json:"path_category,omitempty"`
	AttemptCounter int    `json:"attempt_counter"`
	CreatedAtMS    int64  `json:"created_at_ms"`
}

func (c *Client) do(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.Base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("aetherlinkd: %s", apiErr.Error)
		}
		return fmt.Errorf("aetherlinkd: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Connect issues connect(device_code) (§6).
func (c *Client) Connect(deviceCode string) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(http.MethodPost, "/v1/sessions", map[string]string{"device_code": deviceCode}, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// Close issues close(session_id) (§6).
func (c *Client) Close(sessionID string) error {
	return c.do(http.MethodDelete, "/v1/sessions/"+sessionID, nil, nil)
}

// ListSessions issues list_sessions() (§6).
func (c *Client) ListSessions() ([]SessionView, error) {
	var out []SessionView
	if err := c.do(http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats issues get_stats(session_id) (§6).
func (c *Client) Stats(sessionID string) (SessionView, error) {
	var out SessionView
	err := c.do(http.MethodGet, "/v1/sessions/"+sessionID, nil, &out)
	return out, err
}

// Pair issues pair(device_code, approved) (§6).
func (c *Client) Pair(deviceCode string, approved bool, pubKeyHex string) error {
	body := map[string]any{
		"device_code": deviceCode,
		"approved":    approved,
	}
	if pubKeyHex != "" {
		body["public_key_hex"] = pubKeyHex
	}
	return c.do(http.MethodPost, "/v1/pair", body, nil)
}
