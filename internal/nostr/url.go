package nostr

import (
	"net"
	"net/url"
	"strings"

	"bookstr/internal/util"
)

// NormalizeRelayURL validates and normalizes a relay URL.
// Returns empty string if URL is invalid/malformed or points somewhere unsafe.
func NormalizeRelayURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return ""
	}

	// Quick reject for obviously bad URLs (no colon = no protocol)
	if !strings.Contains(relayURL, "://") {
		return ""
	}

	// Reject URL-encoded spaces (indicates garbage text as URL)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") {
		return ""
	}

	// Reject double protocols (wss://https://...)
	if strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || strings.Contains(host, " ") {
		return ""
	}
	if !util.IsLoopbackHost(host) {
		if util.IsInternalHost(host) {
			return ""
		}
		if ip := net.ParseIP(host); ip != nil {
			if !util.IsPublicIP(ip) {
				return ""
			}
		} else if !strings.Contains(host, ".") {
			return ""
		}
	}

	// Normalize: strip trailing slash, lowercase scheme and host
	result := scheme + "://"
	if strings.Contains(host, ":") {
		result += "[" + host + "]"
	} else {
		result += host
	}
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if path := strings.TrimRight(parsed.Path, "/"); path != "" {
		result += path
	}
	return result
}
