// Package api is the client for the collaborator REST surfaces: the room
// store and the cloud-browser session service. The core only consumes
// their responses; both are opaque request/response calls.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/squidx232/watchparty/internal/protocol"
)

type Client struct {
	baseURL string
	http    *http.Client

	// Last known cloud-browser handle, keyed by session id. ensureSession
	// is idempotent; calling it again for the same id returns the handle
	// without touching the service.
	mu       sync.Mutex
	sessions map[string]string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		sessions: make(map[string]string),
	}
}

func (c *Client) CreateRoom(ctx context.Context, name string) (*protocol.RoomMetadata, error) {
	body, _ := json.Marshal(map[string]string{"name": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rooms", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create room: unexpected status %d", resp.StatusCode)
	}
	var meta protocol.RoomMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

type RoomInfo struct {
	Meta        protocol.RoomMetadata `json:"room"`
	MemberCount int                   `json:"member_count"`
}

func (c *Client) GetRoom(ctx context.Context, id string) (*RoomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/rooms/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("room %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get room: unexpected status %d", resp.StatusCode)
	}
	var info RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// EnsureSession returns the embed URL for a cloud-browser session,
// starting it on first use. The handle is opaque to the core.
func (c *Client) EnsureSession(ctx context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	if url, ok := c.sessions[sessionID]; ok {
		c.mu.Unlock()
		return url, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/browser/"+sessionID, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("ensure session: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessions[sessionID] = out.URL
	c.mu.Unlock()
	return out.URL, nil
}

// TerminateSession forgets and stops the cloud-browser session.
// Best-effort and idempotent.
func (c *Client) TerminateSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/browser/"+sessionID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
