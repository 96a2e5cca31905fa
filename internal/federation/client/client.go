// Package client performs the OIDC authorization-code flow against federated identity providers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"iam-workflow/backend/internal/federation/domain"
)

var (
	// ErrMissingIDToken is returned when the token response carries no id_token.
	ErrMissingIDToken = errors.New("federation: token response has no id_token")
	// ErrEmailNotVerified is returned when the provider does not vouch for the email claim.
	ErrEmailNotVerified = errors.New("federation: email not verified by provider")
)

// Client discovers providers and runs the code flow. Discovered providers are cached per issuer.
type Client struct {
	http      *http.Client
	providers *cache.Cache
	group     singleflight.Group
	logger    *zap.Logger
}

// NewClient returns a client caching provider metadata for ttl. Outbound requests time out after timeout.
func NewClient(ttl, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:      &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		providers: cache.New(ttl, 2*ttl),
		logger:    logger,
	}
}

func (c *Client) discover(ctx context.Context, issuer string) (*oidc.Provider, error) {
	if v, ok := c.providers.Get(issuer); ok {
		return v.(*oidc.Provider), nil
	}
	v, err, _ := c.group.Do(issuer, func() (any, error) {
		p, err := oidc.NewProvider(oidc.ClientContext(context.WithoutCancel(ctx), c.http), issuer)
		if err != nil {
			return nil, err
		}
		c.providers.SetDefault(issuer, p)
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("federation: discover %s: %w", issuer, err)
	}
	return v.(*oidc.Provider), nil
}

func (c *Client) config(ctx context.Context, p *domain.Provider) (*oauth2.Config, *oidc.Provider, error) {
	op, err := c.discover(ctx, p.Issuer)
	if err != nil {
		return nil, nil, err
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Endpoint:     op.Endpoint(),
		Scopes:       p.ScopesOrDefault(),
	}, op, nil
}

// AuthCodeURL returns the provider's authorization URL carrying state.
func (c *Client) AuthCodeURL(ctx context.Context, p *domain.Provider, state string) (string, error) {
	cfg, _, err := c.config(ctx, p)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state), nil
}

// Exchange redeems code at the provider and returns the verified ID token claims.
func (c *Client) Exchange(ctx context.Context, p *domain.Provider, code string) (*domain.Claims, error) {
	cfg, op, err := c.config(ctx, p)
	if err != nil {
		return nil, err
	}
	ctx = oidc.ClientContext(ctx, c.http)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("federation: exchange: %w", err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, ErrMissingIDToken
	}
	idToken, err := op.Verifier(&oidc.Config{ClientID: p.ClientID}).Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("federation: verify id_token: %w", err)
	}
	var claims domain.Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("federation: decode claims: %w", err)
	}
	claims.Subject = idToken.Subject
	if claims.Email != "" && !claims.EmailVerified {
		c.logger.Info("federated email not verified", zap.String("provider_id", p.ID))
		return nil, ErrEmailNotVerified
	}
	return &claims, nil
}
