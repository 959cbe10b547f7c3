// Package provision obtains authentication tokens and chat session
// identifiers from the backend's provisioning API.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/example/chatbot/tools/captest/internal/config"
)

// Errors returned by the provision package.
var (
	// ErrProvisionFailed is returned when the provisioning API rejects the
	// request or returns incomplete credentials.
	ErrProvisionFailed = errors.New("provision: provisioning failed")
)

// Credentials is the auth material a session needs to open its stream.
type Credentials struct {
	Token        string
	ClientCode   string
	SessionID    string
	ConnectionID string
}

// Provisioner supplies credentials for one session ordinal.
type Provisioner interface {
	Provision(ctx context.Context, ordinal int) (*Credentials, error)
}

// Client is the HTTP provisioning client.
type Client struct {
	tokenURL      string
	createChatURL string
	headers       map[string]string
	auth          config.AuthConfig
	userContext   config.UserContextConfig
	metadata      config.MetadataConfig
	httpClient    *http.Client
}

// NewClient creates a provisioning client from configuration.
func NewClient(target config.TargetConfig, auth config.AuthConfig, user config.UserContextConfig, meta config.MetadataConfig) *Client {
	return &Client{
		tokenURL:      target.APIBaseURL + target.TokenPath,
		createChatURL: target.APIBaseURL + target.CreateChatPath,
		headers:       target.Headers,
		auth:          auth,
		userContext:   user,
		metadata:      meta,
		httpClient: &http.Client{
			Timeout: target.APITimeout,
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// tokenRequest is the generate-token request body.
type tokenRequest struct {
	SessionID    string         `json:"session_id"`
	ConnectionID string         `json:"connection_id"`
	AccessKey    string         `json:"access_key"`
	SecretKey    string         `json:"secret_key"`
	KwArgs       map[string]any `json:"kw_args"`
	MetaData     map[string]any `json:"meta_data"`
}

// tokenResponse is the generate-token response body.
type tokenResponse struct {
	Success      string `json:"success"`
	Token        string `json:"token"`
	ClientCode   string `json:"client_code"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
}

// createChatResponse is the create-chat response body.
type createChatResponse struct {
	SessionID string `json:"session_id"`
}

// Provision implements Provisioner. It generates a token and, when the token
// response carries no session id, creates a chat to obtain one. No retries:
// a provisioning failure is terminal for the session.
func (c *Client) Provision(ctx context.Context, ordinal int) (*Credentials, error) {
	sessionID := uuid.NewString()
	connectionID := uuid.NewString()

	reqBody := tokenRequest{
		SessionID:    sessionID,
		ConnectionID: connectionID,
		AccessKey:    c.auth.AccessKey,
		SecretKey:    c.auth.SecretKey,
		KwArgs: map[string]any{
			"user_context": map[string]any{
				"user_id":             c.userContext.UserID,
				"user_name":           c.userContext.UserName,
				"user_email":          c.userContext.UserEmail,
				"course_id":           c.userContext.CourseID,
				"course_name":         c.userContext.CourseName,
				"course_catalog_code": c.userContext.CourseCatalogCode,
			},
		},
		MetaData: map[string]any{
			"latitude":                  c.metadata.Latitude,
			"longitude":                 c.metadata.Longitude,
			"ip_address":                c.metadata.IPAddress,
			"timezone":                  c.metadata.Timezone,
			"browser_unique_identifier": uuid.NewString(),
			"session_time":              time.Now().Format("02-01-2006 15:04:05"),
		},
	}

	var tokenResp tokenResponse
	if err := c.post(ctx, c.tokenURL, reqBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("generate token for session %d: %w", ordinal, err)
	}

	if tokenResp.Success != "1" || tokenResp.Token == "" {
		return nil, fmt.Errorf("%w: generate token returned no token", ErrProvisionFailed)
	}

	creds := &Credentials{
		Token:        tokenResp.Token,
		ClientCode:   tokenResp.ClientCode,
		SessionID:    tokenResp.SessionID,
		ConnectionID: tokenResp.ConnectionID,
	}
	if creds.SessionID == "" {
		creds.SessionID = sessionID
	}
	if creds.ConnectionID == "" {
		creds.ConnectionID = connectionID
	}

	// Some deployments only assign the chat session through create-chat.
	if tokenResp.SessionID == "" {
		var chatResp createChatResponse
		if err := c.post(ctx, c.createChatURL, map[string]string{"token": creds.Token}, &chatResp); err != nil {
			return nil, fmt.Errorf("create chat for session %d: %w", ordinal, err)
		}
		if chatResp.SessionID == "" {
			return nil, fmt.Errorf("%w: create chat returned no session id", ErrProvisionFailed)
		}
		creds.SessionID = chatResp.SessionID
	}

	return creds, nil
}

func (c *Client) post(ctx context.Context, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrProvisionFailed, resp.StatusCode)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrProvisionFailed, err)
	}
	return nil
}
