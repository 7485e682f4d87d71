package security

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/settlehub/internal/apperr"
)

var ErrBlockedEndpoint = apperr.New(apperr.KindValidation, "blocked_endpoint", "endpoint URL is not allowed")

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks that a webhook URL is safe to call from the
// server. Private, loopback, link-local, and unspecified addresses are
// rejected, both as literals and after DNS resolution.
func ValidateEndpointURL(rawURL string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return NewEndpointValidator(net.DefaultResolver).Validate(ctx, rawURL)
}

// EndpointValidator validates outbound URLs against a resolver.
type EndpointValidator struct {
	resolver Resolver
}

// NewEndpointValidator creates a validator using r for DNS lookups.
func NewEndpointValidator(r Resolver) *EndpointValidator {
	return &EndpointValidator{resolver: r}
}

// Validate returns ErrBlockedEndpoint for any URL that may reach an
// internal address.
func (v *EndpointValidator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrBlockedEndpoint.Withf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ErrBlockedEndpoint.Withf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return ErrBlockedEndpoint.Withf("URL must have a host")
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return ErrBlockedEndpoint.Withf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	addrs, err := v.resolver.LookupHost(ctx, host)
	if err != nil {
		return ErrBlockedEndpoint.Withf("cannot resolve URL host %s", host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return ErrBlockedEndpoint.Withf("URL host %q resolves to a blocked address", host)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return ErrBlockedEndpoint.Withf("loopback addresses are not allowed")
	case ip.IsPrivate():
		return ErrBlockedEndpoint.Withf("private addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return ErrBlockedEndpoint.Withf("link-local addresses are not allowed")
	case ip.IsUnspecified():
		return ErrBlockedEndpoint.Withf("unspecified addresses are not allowed")
	}
	return nil
}
