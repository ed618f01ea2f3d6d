// Package validation checks user-supplied URLs and values before they reach
// the CRM or trigger a download.
//
// Private address ranges can be allowed with CRMSYNC_ALLOW_PRIVATE (any value
// strconv.ParseBool accepts) or SetAllowPrivate. Cloud metadata endpoints stay
// blocked either way.
package validation

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var allowPrivate atomic.Bool

var privateNetworks []*net.IPNet

// lookupIP is replaced in tests.
var lookupIP = func(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

func init() {
	v, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("CRMSYNC_ALLOW_PRIVATE")))
	allowPrivate.Store(v)

	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"169.254.0.0/16",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"240.0.0.0/4",
		"fc00::/7",
		"fe80::/10",
		"ff00::/8",
		"::1/128",
		"::/128",
		"100::/64",
		"2001::/32",
		"2001:10::/28",
		"2001:db8::/32",
	} {
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			privateNetworks = append(privateNetworks, network)
		}
	}
}

// SetAllowPrivate enables or disables private and loopback destinations for
// ValidateDownloadURL and private ranges for ValidateBaseURL.
func SetAllowPrivate(enabled bool) {
	allowPrivate.Store(enabled)
}

// AllowPrivateEnabled reports the current private-address policy.
func AllowPrivateEnabled() bool {
	return allowPrivate.Load()
}

// ValidateBaseURL checks a CRM base URL. Loopback hosts are accepted so a
// locally running CRM can be used; other private ranges need AllowPrivate.
func ValidateBaseURL(rawURL string) error {
	host, err := parseHost(rawURL)
	if err != nil {
		return err
	}
	if isLocalhost(host) {
		return nil
	}
	return checkHost(host, true)
}

// ValidateDownloadURL checks a URL the CLI will download on the user's
// behalf. Loopback and private destinations need AllowPrivate.
func ValidateDownloadURL(rawURL string) error {
	host, err := parseHost(rawURL)
	if err != nil {
		return err
	}
	if !allowPrivate.Load() && isLocalhost(host) {
		return fmt.Errorf("localhost URLs are not allowed")
	}
	return checkHost(host, false)
}

func parseHost(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("URL cannot be empty")
	}
	if len(rawURL) > MaxURLLength {
		return "", fmt.Errorf("URL exceeds maximum length of %d characters", MaxURLLength)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid URL scheme: only http and https are allowed, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("URL must contain a hostname")
	}
	if isCloudMetadata(host) {
		return "", fmt.Errorf("cloud metadata endpoints are not allowed")
	}
	return host, nil
}

func checkHost(host string, allowLoopback bool) error {
	if ip := net.ParseIP(host); ip != nil {
		return validateIP(ip, allowLoopback)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ips, err := lookupIP(ctx, host)
	if err != nil {
		// Unresolvable names are left to the HTTP client to report.
		return nil
	}
	for _, ip := range ips {
		if err := validateIP(ip, allowLoopback); err != nil {
			return fmt.Errorf("domain %q resolves to forbidden IP %s: %w", host, ip, err)
		}
	}
	return nil
}

func isLocalhost(host string) bool {
	switch h := strings.ToLower(host); h {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return strings.HasSuffix(h, ".localhost")
	}
}

func isCloudMetadata(host string) bool {
	switch h := strings.ToLower(host); h {
	case "169.254.169.254", "metadata.google.internal", "metadata", "instance-data", "fd00:ec2::254":
		return true
	default:
		return strings.HasSuffix(h, ".metadata.google.internal")
	}
}

func validateIP(ip net.IP, allowLoopback bool) error {
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("cloud metadata IP address is not allowed")
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("unspecified IP addresses are not allowed")
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("link-local IP addresses are not allowed")
	}
	if ip.IsLoopback() {
		if allowLoopback || allowPrivate.Load() {
			return nil
		}
		return fmt.Errorf("loopback IP addresses are not allowed")
	}
	if !allowPrivate.Load() && isPrivateIP(ip) {
		return fmt.Errorf("private IP addresses are not allowed")
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
