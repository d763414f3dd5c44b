// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validation error sentinels for better error mapping
var (
	ErrBadEndpoint = errors.New("bad_endpoint")
)

// validateEndpointURL checks a configured sync endpoint. Production requires
// https; dev mode relaxes that so local wakapi instances can be targeted.
func validateEndpointURL(raw string, devMode bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !devMode {
			return fmt.Errorf("%w: http endpoints are only allowed in dev mode", ErrBadEndpoint)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrBadEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrBadEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials are not allowed in the URL", ErrBadEndpoint)
	}
	return nil
}

// validateMirrorEndpointURL additionally refuses mirrors pointed back at this
// server or at loopback addresses, which would create an echo loop.
func validateMirrorEndpointURL(raw string, devMode bool) error {
	if err := validateEndpointURL(raw, devMode); err != nil {
		return err
	}
	if devMode {
		return nil
	}
	u, _ := url.Parse(strings.TrimSpace(raw))
	host := u.Hostname()
	if host == "localhost" {
		return fmt.Errorf("%w: mirrors cannot target this server", ErrBadEndpoint)
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return fmt.Errorf("%w: mirrors cannot target this server", ErrBadEndpoint)
	}
	return nil
}

// normalizeEndpointURL canonicalizes scheme and host casing and strips any
// trailing slash, so (user, endpoint) uniqueness is not defeated by cosmetic
// variants.
func normalizeEndpointURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}
