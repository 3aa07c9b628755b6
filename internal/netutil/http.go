// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// SubdomainFromHost returns the leftmost label of a host header when the
// host has at least three dot-separated labels (label.domain.tld). IP
// literals and shorter hosts yield "".
func SubdomainFromHost(raw string) string {
	host := NormalizeHost(raw)
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 || labels[0] == "" {
		return ""
	}
	return labels[0]
}

// IsUpgradeRequest reports whether the header map indicates an HTTP Upgrade
// handshake (Connection: upgrade plus an Upgrade protocol).
func IsUpgradeRequest(h http.Header) bool {
	if len(h) == 0 || strings.TrimSpace(h.Get("Upgrade")) == "" {
		return false
	}
	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// IsAddrInUse reports whether err is a bind failure because the address is
// already taken.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// LoopbackAddr returns the 127.0.0.1 listen address for port.
func LoopbackAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
