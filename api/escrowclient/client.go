// Package escrowclient implements interfaces.EscrowAPI over HTTP.
package escrowclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/e2ee-key-custody/api"
	"github.com/ruteri/e2ee-key-custody/interfaces"
)

// Client talks to the escrow backend on behalf of one account.
type Client struct {
	BaseURL   string
	AccountID interfaces.AccountID
	Client    *http.Client
}

// New creates a client for account against baseURL.
func New(baseURL string, account interfaces.AccountID) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		AccountID: account,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetSecurityKey returns the escrowed record, or nil when the backend has none.
func (c *Client) GetSecurityKey(ctx context.Context) (*interfaces.EscrowedSecurityKeyRecord, error) {
	status, body, err := c.do(ctx, http.MethodGet, api.SecurityKeyPath, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(body) == 0 {
		return nil, nil
	}

	var record interfaces.EscrowedSecurityKeyRecord
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("could not parse security key response: %w", err)
	}
	return &record, nil
}

// SaveSecurityKey escrows a sealed recovery key.
func (c *Client) SaveSecurityKey(ctx context.Context, ciphertext []byte, forceSave bool) error {
	_, _, err := c.do(ctx, http.MethodPost, api.SecurityKeyPath, api.SaveSecurityKeyRequest{
		Ciphertext: ciphertext,
		ForceSave:  forceSave,
	})
	return err
}

func (c *Client) SaveRoomKeys(ctx context.Context, since time.Time, sessions []interfaces.SessionKeyRecord) ([]interfaces.SessionKeyRecord, time.Time, error) {
	if sessions == nil {
		sessions = []interfaces.SessionKeyRecord{}
	}
	_, body, err := c.do(ctx, http.MethodPost, api.SaveRoomKeysPath, api.SaveRoomKeysRequest{
		Time:     since,
		Sessions: sessions,
	})
	if err != nil {
		return nil, time.Time{}, err
	}

	var resp api.SaveRoomKeysResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, time.Time{}, fmt.Errorf("could not parse room keys response: %w", err)
	}
	return resp.Imported, resp.Time, nil
}

func (c *Client) ListRoomKeys(ctx context.Context) ([]interfaces.SessionKeyRecord, error) {
	_, body, err := c.do(ctx, http.MethodGet, api.ListRoomKeysPath, nil)
	if err != nil {
		return nil, err
	}

	var resp api.ListRoomKeysResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("could not parse room keys list: %w", err)
	}
	return resp.Sessions, nil
}

// do sends a request and maps failures onto the error taxonomy: transport
// failures and 5xx are ErrNetwork, 409 is ErrEscrowConflict.
func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set(api.AccountIDHeader, c.AccountID.String())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.Client == nil {
		c.Client = http.DefaultClient
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: could not reach escrow backend: %v", interfaces.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: could not read escrow response: %v", interfaces.ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return resp.StatusCode, nil, interfaces.ErrEscrowConflict
	case resp.StatusCode >= 500:
		return resp.StatusCode, nil, fmt.Errorf("%w: escrow backend returned %d: %s", interfaces.ErrNetwork, resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 300:
		return resp.StatusCode, nil, fmt.Errorf("escrow backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.StatusCode, body, nil
}
