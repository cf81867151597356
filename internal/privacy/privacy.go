// Package privacy scrubs credentials, hosts and device serials from text that
// leaves the machine, such as telemetry events and error messages.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const redacted = "[redacted]"

// Pre-compiled patterns
var (
	// broker and HTTP endpoints that may carry credentials
	urlPattern = regexp.MustCompile(`\b(?:tcp|ssl|tls|mqtt|mqtts|ws|wss|https?)://\S+`)

	ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

	// serial="...", serial: ... and iSerial values in USB descriptors
	serialPattern = regexp.MustCompile(`(?i)\b(i?serial(?:[ _]?number)?)(["']?\s*[:=]\s*["']?)([^\s"',}]+)`)

	// usbfs device nodes reveal bus topology
	usbPathPattern = regexp.MustCompile(`/dev/bus/usb/\d{3}/\d{3}`)
)

// ScrubMessage anonymizes URLs, serial numbers and device paths in message.
func ScrubMessage(message string) string {
	message = urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
	message = serialPattern.ReplaceAllString(message, "${1}${2}"+redacted)
	return usbPathPattern.ReplaceAllString(message, "/dev/bus/usb/"+redacted)
}

// AnonymizeURL converts a URL into a stable hash that keeps the scheme, host
// category and port but nothing that identifies the host or its credentials.
func AnonymizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	var normalizedParts []string
	if parsedURL.Scheme != "" {
		normalizedParts = append(normalizedParts, parsedURL.Scheme)
	}
	if host := parsedURL.Hostname(); host != "" {
		normalizedParts = append(normalizedParts, categorizeHost(host))
	}
	if parsedURL.Port() != "" {
		normalizedParts = append(normalizedParts, "port-"+parsedURL.Port())
	}

	hash := sha256.Sum256([]byte(strings.Join(normalizedParts, ":")))
	return fmt.Sprintf("url-%x", hash[:12])
}

// RedactURL returns a display form of rawURL without user info, path or
// query, suitable for local logs.
func RedactURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Host == "" {
		return rawURL
	}
	if parsedURL.Scheme == "" {
		return parsedURL.Host
	}
	return parsedURL.Scheme + "://" + parsedURL.Host
}

// categorizeHost anonymizes hostnames while preserving useful categorization
func categorizeHost(host string) string {
	switch {
	case host == "localhost" || host == "127.0.0.1" || host == "::1":
		return "localhost"
	case isPrivateIP(host):
		return "private-ip"
	case isIPAddress(host):
		return "public-ip"
	}

	// For domain names, preserve TLD only
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return "domain-" + parts[len(parts)-1]
	}
	return "unknown-host"
}

// isPrivateIP checks if the host is a private IP address (both IPv4 and IPv6)
func isPrivateIP(host string) bool {
	privateRanges := []string{
		"10.", "172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.", "172.22.", "172.23.",
		"172.24.", "172.25.", "172.26.", "172.27.", "172.28.", "172.29.", "172.30.", "172.31.",
		"192.168.", "169.254.",
		"fc00:", "fd00:", // unique local
		"fe80:", // link-local
	}

	host = strings.ToLower(host)
	for _, prefix := range privateRanges {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return false
}

// isIPAddress checks if the host looks like an IP address
func isIPAddress(host string) bool {
	if ipv4Pattern.MatchString(host) {
		return true
	}
	return strings.Contains(host, ":")
}
