package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/router-for-me/routecodex/internal/browser"
	"github.com/router-for-me/routecodex/internal/config"
)

// generateRandomState produces the CSRF state parameter for the
// authorization-code flow.
func generateRandomState() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

type callbackResult struct {
	code string
	err  error
}

// AuthorizationCodeFlow runs the browser-based OAuth flow: start a local
// callback listener, open the authorization URL, wait for the redirect, and
// exchange the code for tokens. autoOpen controls whether the browser is
// launched automatically; the URL is always logged for manual use.
func (m *Manager) AuthorizationCodeFlow(ctx context.Context, auth *config.OAuthAuth, autoOpen bool) (*CredentialRecord, error) {
	if auth.AuthorizationURL == "" {
		return nil, fmt.Errorf("provider does not support the authorization-code flow")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener: %w", err)
	}
	defer func() { _ = listener.Close() }()

	redirectURL := fmt.Sprintf("http://%s/oauth/callback", listener.Addr().String())
	conf := &oauth2.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		Scopes:       auth.Scopes,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  auth.AuthorizationURL,
			TokenURL: auth.TokenURL,
		},
	}

	state, err := generateRandomState()
	if err != nil {
		return nil, err
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- callbackResult{err: fmt.Errorf("oauth state mismatch")}
			return
		}
		if errParam := query.Get("error"); errParam != "" {
			http.Error(w, errParam, http.StatusBadRequest)
			results <- callbackResult{err: fmt.Errorf("authorization failed: %s", errParam)}
			return
		}
		_, _ = fmt.Fprint(w, "Authentication complete. You can close this window.")
		results <- callbackResult{code: query.Get("code")}
	})
	server := &http.Server{Handler: mux}
	go func() { _ = server.Serve(listener) }()
	defer func() { _ = server.Close() }()

	verifier, challenge, err := generatePKCEPair()
	if err != nil {
		return nil, err
	}
	authURL := conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	log.Infof("open this URL to authorize: %s", authURL)
	if autoOpen {
		if errOpen := browser.OpenURL(authURL); errOpen != nil {
			log.Warnf("failed to open browser automatically: %v", errOpen)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return nil, fmt.Errorf("authorization timed out waiting for the browser callback")
	case result := <-results:
		if result.err != nil {
			return nil, result.err
		}
		exchangeCtx := context.WithValue(waitCtx, oauth2.HTTPClient, m.httpClient)
		token, errExchange := conf.Exchange(exchangeCtx, result.code,
			oauth2.SetAuthURLParam("code_verifier", verifier))
		if errExchange != nil {
			return nil, fmt.Errorf("code exchange failed: %w", errExchange)
		}
		now := time.Now()
		rec := &CredentialRecord{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    token.Expiry.UnixMilli(),
			CreatedAt:    now.UnixMilli(),
		}
		if token.Expiry.IsZero() {
			rec.ExpiresAt = now.Add(time.Hour).UnixMilli()
		}
		if apiKey, ok := token.Extra("api_key").(string); ok && apiKey != "" {
			rec.APIKey = apiKey
		} else if apiKey, ok := token.Extra("apiKey").(string); ok && apiKey != "" {
			rec.APIKey = apiKey
		}
		return rec, nil
	}
}
