package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Client talks to the session backend: session creation, text message
// submission, and the avatar negotiation endpoints.
type Client struct {
	base string
	http *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{},
	}
}

// CreateSession requests a new session identifier.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/session", nil, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("backend returned empty session id")
	}
	return out.SessionID, nil
}

// SendMessage posts a user text message into the session. The echo turn, if
// any, arrives asynchronously over the channel.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) error {
	in := struct {
		Text string `json:"text"`
	}{Text: text}
	return c.doJSON(ctx, http.MethodPost, "/api/session/"+sessionID+"/message", in, nil)
}

// ConnectAvatar exchanges session descriptions with the negotiation
// endpoint.
func (c *Client) ConnectAvatar(ctx context.Context, sessionID, clientSDP string) (string, error) {
	in := struct {
		ClientSDP string `json:"client_sdp"`
	}{ClientSDP: clientSDP}
	var out struct {
		ServerSDP string `json:"server_sdp"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/session/"+sessionID+"/avatar/connect", in, &out); err != nil {
		return "", err
	}
	return out.ServerSDP, nil
}

// DisconnectAvatar tells the backend to tear down the avatar stream.
func (c *Client) DisconnectAvatar(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/session/"+sessionID+"/avatar/disconnect", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-request-id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warn().Str("module", "api").Str("path", path).Int("status", resp.StatusCode).Msg("backend error")
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
