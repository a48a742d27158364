// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filter provides request filtering middlewares that run around the
// token gate: IP filtering before authentication, email filtering after.
package filter

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/stacklok/relaygate/pkg/logger"
)

// IPFilter restricts requests to an allowlist of addresses and CIDR ranges.
type IPFilter struct {
	prefixes []netip.Prefix
}

// NewIPFilter parses a comma-separated list of IPs and CIDR ranges. An empty
// list yields a filter that allows everything.
func NewIPFilter(allowed string) (*IPFilter, error) {
	f := &IPFilter{}

	for entry := range strings.SplitSeq(allowed, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR range %q: %w", entry, err)
			}
			f.prefixes = append(f.prefixes, prefix)
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid IP address %q: %w", entry, err)
		}
		f.prefixes = append(f.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return f, nil
}

// Enabled reports whether the filter has any entries.
func (f *IPFilter) Enabled() bool {
	return len(f.prefixes) > 0
}

// Allowed reports whether an address matches the allowlist.
func (f *IPFilter) Allowed(addr netip.Addr) bool {
	for _, prefix := range f.prefixes {
		if prefix.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// Middleware rejects requests from addresses outside the allowlist with a
// 403. Requests whose client address cannot be determined pass through, so
// a proxy that strips forwarding headers does not lock everyone out.
func (f *IPFilter) Middleware(next http.Handler) http.Handler {
	if !f.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := clientAddr(r)
		if !ok {
			logger.Warnw("could not determine client IP, allowing request",
				"remote_addr", r.RemoteAddr,
			)
			next.ServeHTTP(w, r)
			return
		}

		if !f.Allowed(addr) {
			logger.Warnw("rejecting request from disallowed IP",
				"client_ip", addr.String(),
				"path", r.URL.Path,
			)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientAddr resolves the client address, preferring proxy headers over the
// socket peer. CF-Connecting-IP wins over X-Forwarded-For (first hop) wins
// over X-Real-IP.
func clientAddr(r *http.Request) (netip.Addr, bool) {
	candidates := []string{
		r.Header.Get("CF-Connecting-IP"),
		firstForwardedFor(r.Header.Get("X-Forwarded-For")),
		r.Header.Get("X-Real-IP"),
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if addr, err := netip.ParseAddr(strings.TrimSpace(candidate)); err == nil {
			return addr, true
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

func firstForwardedFor(header string) string {
	if header == "" {
		return ""
	}
	first, _, _ := strings.Cut(header, ",")
	return strings.TrimSpace(first)
}
