package security

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlockedAddress is wrapped by ValidateEndpointURL when the host is, or
// resolves to, an address the server must not call.
var ErrBlockedAddress = errors.New("blocked address")

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// Carrier-grade NAT space is not covered by netip.Addr.IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// lookupHost is swapped in tests.
var lookupHost = net.LookupHost

// ValidateEndpointURL checks that a webhook URL is safe for the notification
// dispatcher to POST to. Loopback, private, link-local and unspecified
// addresses are refused, both as literals and after DNS resolution.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL must have a host")
	}
	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("host %q: %w", host, ErrBlockedAddress)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolved, err := lookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, s := range resolved {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsUnspecified(),
		addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(),
		sharedAddressSpace.Contains(addr):
		return fmt.Errorf("%s: %w", addr, ErrBlockedAddress)
	}
	return nil
}
