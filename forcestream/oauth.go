package forcestream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// OAuthAuthenticator exchanges a refresh token at the Salesforce token
// endpoint.
type OAuthAuthenticator struct {
	config     *oauth2.Config
	apiVersion string
	client     *http.Client

	mu           sync.Mutex
	refreshToken string
}

// NewOAuthAuthenticator creates an authenticator from cfg. httpClient may
// be nil to use http.DefaultClient.
func NewOAuthAuthenticator(cfg *Config, httpClient *http.Client) *OAuthAuthenticator {
	return &OAuthAuthenticator{
		config:       OAuth2Config(cfg, ""),
		apiVersion:   cfg.APIVersion,
		client:       httpClient,
		refreshToken: cfg.RefreshToken,
	}
}

// OAuth2Config returns the oauth2 configuration for cfg's connected app.
// redirectURL is only needed for the authorization code flow.
func OAuth2Config(cfg *Config, redirectURL string) *oauth2.Config {
	login := strings.TrimRight(cfg.LoginURL, "/")
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   login + cfg.OAuthorizeURI,
			TokenURL:  login + cfg.OAuthURI,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Authenticate implements Authenticator.
func (a *OAuthAuthenticator) Authenticate(ctx context.Context) (*Credentials, error) {
	if a.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	}

	a.mu.Lock()
	refresh := a.refreshToken
	a.mu.Unlock()

	tok, err := a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange: %w", err)
	}

	// Salesforce may rotate the refresh token.
	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		a.mu.Lock()
		a.refreshToken = tok.RefreshToken
		a.mu.Unlock()
	}

	return CredentialsFromToken(tok, a.apiVersion)
}

// CredentialsFromToken builds Credentials from a Salesforce token response.
func CredentialsFromToken(tok *oauth2.Token, apiVersion string) (*Credentials, error) {
	if tok.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}
	instanceURL, _ := tok.Extra("instance_url").(string)
	if instanceURL == "" {
		return nil, errors.New("token response has no instance_url")
	}
	id, _ := tok.Extra("id").(string)

	creds := &Credentials{
		AccessToken: tok.AccessToken,
		InstanceURL: strings.TrimRight(instanceURL, "/"),
		APIVersion:  apiVersion,
		TokenType:   tok.TokenType,
		ID:          id,
		IssuedAt:    time.Now(),
	}
	if creds.TokenType == "" {
		creds.TokenType = "Bearer"
	}
	// issued_at is milliseconds since the epoch, sent as a string.
	if s, ok := tok.Extra("issued_at").(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			creds.IssuedAt = time.UnixMilli(ms)
		}
	}
	return creds, nil
}
