package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/routecodex/internal/config"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// DeviceFlow carries the server's device authorization response plus the
// PKCE verifier needed while polling.
type DeviceFlow struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
	CodeVerifier            string `json:"-"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	APIKey       string `json:"api_key,omitempty"`
	APIKeyAlt    string `json:"apiKey,omitempty"`
}

func (t *tokenResponse) record(now time.Time) *CredentialRecord {
	apiKey := t.APIKey
	if apiKey == "" {
		apiKey = t.APIKeyAlt
	}
	expiresIn := t.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &CredentialRecord{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second).UnixMilli(),
		APIKey:       apiKey,
		CreatedAt:    now.UnixMilli(),
	}
}

// generateCodeVerifier generates a random code verifier for PKCE.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// generateCodeChallenge derives the S256 challenge from a verifier.
func generateCodeChallenge(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func generatePKCEPair() (string, string, error) {
	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return "", "", err
	}
	return codeVerifier, generateCodeChallenge(codeVerifier), nil
}

// InitiateDeviceFlow starts the OAuth device flow against the provider's
// device-code endpoint.
func (m *Manager) InitiateDeviceFlow(ctx context.Context, auth *config.OAuthAuth) (*DeviceFlow, error) {
	if auth.DeviceCodeURL == "" {
		return nil, fmt.Errorf("provider does not support the device-code flow")
	}
	codeVerifier, codeChallenge, err := generatePKCEPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE pair: %w", err)
	}

	data := url.Values{}
	data.Set("client_id", auth.ClientID)
	if len(auth.Scopes) > 0 {
		data.Set("scope", strings.Join(auth.Scopes, " "))
	}
	data.Set("code_challenge", codeChallenge)
	data.Set("code_challenge_method", "S256")

	body, status, err := m.postForm(ctx, auth.DeviceCodeURL, data)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed: %d. Response: %s", status, string(body))
	}

	var result DeviceFlow
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse device flow response: %w", err)
	}
	if result.DeviceCode == "" {
		return nil, fmt.Errorf("device authorization failed: device_code not found in response")
	}
	result.CodeVerifier = codeVerifier
	return &result, nil
}

// PollForToken polls the token endpoint until the user approves the device
// code, following the RFC 8628 authorization_pending / slow_down responses.
func (m *Manager) PollForToken(ctx context.Context, auth *config.OAuthAuth, flow *DeviceFlow) (*CredentialRecord, error) {
	pollInterval := 5 * time.Second
	if flow.Interval > 0 {
		pollInterval = time.Duration(flow.Interval) * time.Second
	}
	maxAttempts := 60

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		data := url.Values{}
		data.Set("grant_type", deviceGrantType)
		data.Set("client_id", auth.ClientID)
		data.Set("device_code", flow.DeviceCode)
		data.Set("code_verifier", flow.CodeVerifier)

		body, status, err := m.postForm(ctx, auth.TokenURL, data)
		if err != nil {
			log.Warnf("device token poll attempt %d/%d failed: %v", attempt+1, maxAttempts, err)
			time.Sleep(pollInterval)
			continue
		}

		if status != http.StatusOK {
			var errorData map[string]any
			if err = json.Unmarshal(body, &errorData); err == nil {
				errorType, _ := errorData["error"].(string)
				if status == http.StatusBadRequest {
					switch errorType {
					case "authorization_pending":
						log.Infof("waiting for device authorization (%d/%d)...", attempt+1, maxAttempts)
						time.Sleep(pollInterval)
						continue
					case "slow_down":
						pollInterval = time.Duration(float64(pollInterval) * 1.5)
						if pollInterval > 10*time.Second {
							pollInterval = 10 * time.Second
						}
						time.Sleep(pollInterval)
						continue
					case "expired_token":
						return nil, fmt.Errorf("device code expired, restart the authentication process")
					case "access_denied":
						return nil, fmt.Errorf("authorization denied by user")
					}
				}
				errorDesc, _ := errorData["error_description"].(string)
				return nil, fmt.Errorf("device token poll failed: %s - %s", errorType, errorDesc)
			}
			return nil, fmt.Errorf("device token poll failed: %d. Response: %s", status, string(body))
		}

		var response tokenResponse
		if err = json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("failed to parse token response: %w", err)
		}
		return response.record(time.Now()), nil
	}

	return nil, fmt.Errorf("authentication timeout, restart the authentication process")
}

// RefreshToken exchanges a refresh token for a fresh credential record.
func (m *Manager) RefreshToken(ctx context.Context, auth *config.OAuthAuth, refreshToken string) (*CredentialRecord, error) {
	refreshURL := auth.RefreshURL
	if refreshURL == "" {
		refreshURL = auth.TokenURL
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", auth.ClientID)
	if auth.ClientSecret != "" {
		data.Set("client_secret", auth.ClientSecret)
	}

	body, status, err := m.postForm(ctx, refreshURL, data)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	if status != http.StatusOK {
		var errorData map[string]any
		if err = json.Unmarshal(body, &errorData); err == nil {
			return nil, fmt.Errorf("token refresh failed: %v - %v", errorData["error"], errorData["error_description"])
		}
		return nil, fmt.Errorf("token refresh failed: %s", string(body))
	}

	var response tokenResponse
	if err = json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	rec := response.record(time.Now())
	// Providers that do not rotate refresh tokens keep the old one.
	if rec.RefreshToken == "" {
		rec.RefreshToken = refreshToken
	}
	return rec, nil
}

func (m *Manager) postForm(ctx context.Context, rawURL string, data url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
