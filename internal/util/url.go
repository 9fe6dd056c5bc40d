package util

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// NormalizeURL normalizes a URL for audience and resource comparison by
// removing trailing slashes.
//
//	NormalizeURL("https://example.com/") // "https://example.com"
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}

// NormalizeHTU normalizes an HTTP target URI for DPoP htu comparison:
// query and fragment are dropped, scheme and host are lower-cased and
// default ports are removed. An empty path becomes "/".
func NormalizeHTU(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL must be absolute")
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, nil
}

// IsLoopbackHost reports whether host (without port) is "localhost" or a loopback IP
func IsLoopbackHost(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
