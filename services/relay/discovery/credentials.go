// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CloudPlatformScope is the OAuth scope Discovery Engine calls need.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// tokenEarlyExpiry refreshes tokens this long before they expire.
const tokenEarlyExpiry = 2 * time.Minute

// ErrCredentials wraps every failure to obtain a bearer token.
var ErrCredentials = errors.New("credentials unavailable")

// TokenProvider supplies bearer tokens for upstream calls.
//
// # Description
//
// Token is called once per remote call attempt. Implementations refresh
// tokens before they expire so the returned value is always usable.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token, used in tests and for short-lived
// tokens minted outside the process.
type StaticToken string

// Token returns the fixed token.
func (s StaticToken) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty static token", ErrCredentials)
	}
	return string(s), nil
}

// googleTokenProvider adapts an oauth2.TokenSource.
type googleTokenProvider struct {
	source oauth2.TokenSource
}

// NewGoogleTokenProvider builds a provider from Google credentials.
//
// # Description
//
// With keyFile set, credentials are read from that service account key.
// Otherwise Application Default Credentials are used. The token source is
// wrapped so tokens are refreshed tokenEarlyExpiry before expiry.
//
// # Inputs
//
//   - ctx: Lifetime context for token refresh HTTP calls. Use a context
//     that lives as long as the service, not a request context.
//   - keyFile: Optional path to a service account JSON key.
//
// # Outputs
//
//   - TokenProvider: Ready provider.
//   - error: Wrapped ErrCredentials if no credentials could be found.
func NewGoogleTokenProvider(ctx context.Context, keyFile string) (TokenProvider, error) {
	var (
		creds *google.Credentials
		err   error
	)
	if keyFile != "" {
		data, readErr := os.ReadFile(keyFile)
		if readErr != nil {
			return nil, fmt.Errorf("%w: read key file %s: %v", ErrCredentials, keyFile, readErr)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, CloudPlatformScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, CloudPlatformScope)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentials, err)
	}
	return NewTokenSourceProvider(creds.TokenSource), nil
}

// NewTokenSourceProvider wraps any oauth2.TokenSource with early refresh.
func NewTokenSourceProvider(src oauth2.TokenSource) TokenProvider {
	return &googleTokenProvider{
		source: oauth2.ReuseTokenSourceWithExpiry(nil, src, tokenEarlyExpiry),
	}
}

// Token returns a valid access token.
func (p *googleTokenProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := p.source.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentials, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrCredentials)
	}
	return tok.AccessToken, nil
}
