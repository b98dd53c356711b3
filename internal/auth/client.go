package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoCredential is returned when the token service has no usable
// credential for an account.
var ErrNoCredential = errors.New("no credential available")

// Credential is a ready-to-use mail credential for one account. OAuth
// providers fill the token fields; IMAP accounts fill the connection fields.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time

	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
}

// Client fetches per-account credentials from the token service. The token
// service owns storage and OAuth refresh; this client only asks for the
// current credential.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a credential client for the given token service URL.
func NewClient(tokenServiceURL string) *Client {
	return &Client{
		baseURL: tokenServiceURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetCredential fetches the current credential for a credential handle.
// A 401/403/404 from the token service means the account needs operator
// attention and is surfaced as ErrNoCredential.
func (c *Client) GetCredential(ctx context.Context, credentialRef string) (*Credential, error) {
	url := fmt.Sprintf("%s/api/credentials/%s", c.baseURL, credentialRef)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200:
	case 401, 403, 404:
		return nil, fmt.Errorf("%w: %s (status %d)", ErrNoCredential, credentialRef, resp.StatusCode)
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
		Host         string `json:"host"`
		Port         int    `json:"port"`
		Username     string `json:"username"`
		Password     string `json:"password"`
		UseTLS       bool   `json:"use_tls"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Credential{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
		Host:         result.Host,
		Port:         result.Port,
		Username:     result.Username,
		Password:     result.Password,
		UseTLS:       result.UseTLS,
	}, nil
}
