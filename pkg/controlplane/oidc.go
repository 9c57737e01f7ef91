// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/DataDog/iot-platform/pkg/config"
)

// oidcHTTPTimeout bounds discovery, JWKS and userinfo round-trips.
const oidcHTTPTimeout = 10 * time.Second

// TokenVerifier resolves a bearer token into a principal. The HTTP layer
// calls it once per request.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Principal, error)
}

// OIDCVerifier validates tokens against the platform's identity provider
// and maps their claims onto principals. ID tokens verify locally against
// the provider's JWKS; opaque access tokens resolve through the userinfo
// endpoint.
type OIDCVerifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier

	tenantClaim string
	roleClaim   string
	permsClaim  string
}

// NewOIDCVerifier discovers the issuer and builds a verifier for tokens
// minted to the platform's client id. Reads oidc.issuer_url,
// oidc.client_id, oidc.tenant_claim, oidc.role_claim and
// oidc.permissions_claim.
func NewOIDCVerifier(ctx context.Context, cfg config.Config) (*OIDCVerifier, error) {
	issuer := cfg.GetString("oidc.issuer_url")
	if issuer == "" {
		return nil, errors.New("oidc.issuer_url is not set")
	}
	clientID := cfg.GetString("oidc.client_id")
	if clientID == "" {
		return nil, errors.New("oidc.client_id is not set")
	}

	// Discovery, JWKS and userinfo fetches go through a bounded client
	// instead of http.DefaultClient.
	ctx = oidc.ClientContext(ctx, &http.Client{Timeout: oidcHTTPTimeout})
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrapf(err, "oidc discovery against %s", issuer)
	}

	v := &OIDCVerifier{
		provider:    provider,
		verifier:    provider.Verifier(&oidc.Config{ClientID: clientID}),
		tenantClaim: cfg.GetString("oidc.tenant_claim"),
		roleClaim:   cfg.GetString("oidc.role_claim"),
		permsClaim:  cfg.GetString("oidc.permissions_claim"),
	}
	if v.tenantClaim == "" {
		v.tenantClaim = "tenant_id"
	}
	if v.roleClaim == "" {
		v.roleClaim = "role"
	}
	if v.permsClaim == "" {
		v.permsClaim = "permissions"
	}
	return v, nil
}

// Verify implements TokenVerifier.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	if rawToken == "" {
		return nil, errors.New("empty bearer token")
	}

	// Opaque access tokens cannot be verified locally; only the issuer can
	// vouch for them.
	if strings.Count(rawToken, ".") != 2 {
		return v.userInfo(ctx, rawToken)
	}

	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, errors.Wrap(err, "verifying token")
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "decoding token claims")
	}
	return v.principalFromClaims(idToken.Subject, claims)
}

// userInfo resolves an opaque access token against the provider's userinfo
// endpoint.
func (v *OIDCVerifier) userInfo(ctx context.Context, rawToken string) (*Principal, error) {
	ctx = oidc.ClientContext(ctx, &http.Client{Timeout: oidcHTTPTimeout})
	info, err := v.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: rawToken}))
	if err != nil {
		return nil, errors.Wrap(err, "resolving access token")
	}
	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "decoding userinfo claims")
	}
	return v.principalFromClaims(info.Subject, claims)
}

// principalFromClaims maps token claims onto a principal using the
// configured claim names. A token granting neither a tenant nor the
// operator role has nothing it may touch and is rejected outright.
func (v *OIDCVerifier) principalFromClaims(subject string, claims map[string]any) (*Principal, error) {
	if subject == "" {
		return nil, errors.New("token has no subject")
	}
	p := &Principal{Subject: subject}
	if tenant, ok := claims[v.tenantClaim].(string); ok {
		p.TenantID = tenant
	}
	if role, ok := claims[v.roleClaim].(string); ok {
		p.Role = role
	}
	p.Permissions = stringList(claims[v.permsClaim])
	if p.TenantID == "" && !p.Operator() {
		return nil, errors.Errorf("token grants neither a tenant nor the %s role", RoleOperator)
	}
	return p, nil
}

// stringList accepts both a JSON array of strings and a space-separated
// scope string, the two shapes providers emit list claims in.
func stringList(v any) []string {
	switch list := v.(type) {
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(list)
	}
	return nil
}
