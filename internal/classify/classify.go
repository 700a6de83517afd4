// Package classify decides whether a target host should be reached directly
// or through the upstream SOCKS5 proxy.
package classify

import (
	"net"
	"strings"
)

var privateV4Nets = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
)

var privateV6Nets = mustParseCIDRs(
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("classify: invalid CIDR literal " + c + ": " + err.Error())
		}
		nets = append(nets, n)
	}
	return nets
}

// IsPrivateIP reports whether host is an IP literal in a private/loopback
// range. Hostnames (anything that does not parse as an IP) are never
// resolved here and always return false.
func IsPrivateIP(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	if ip.Equal(net.IPv6loopback) {
		return true
	}

	if v4 := ip.To4(); v4 != nil {
		for _, n := range privateV4Nets {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}

	for _, n := range privateV6Nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Whitelist is a set of domain-match rules compiled once at startup, per the
// design notes' recommendation to avoid re-scanning a raw string list on
// every request when the whitelist is large.
type Whitelist struct {
	exact  map[string]struct{}
	suffix map[string]struct{}
}

// CompileWhitelist builds a Whitelist from the raw entries. Entries are
// lower-cased for case-insensitive matching. An entry beginning with "*."
// becomes a suffix rule matching both the bare suffix and any subdomain;
// any other entry becomes an exact-match rule.
func CompileWhitelist(entries []string) *Whitelist {
	w := &Whitelist{
		exact:  make(map[string]struct{}),
		suffix: make(map[string]struct{}),
	}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, "*.") {
			w.suffix[strings.TrimPrefix(e, "*.")] = struct{}{}
			continue
		}
		w.exact[e] = struct{}{}
	}
	return w
}

// Match reports whether host matches any rule in the whitelist: an exact
// rule matches equal hostnames; a "*.suffix" rule matches the bare suffix
// itself or any dotted subdomain of it.
func (w *Whitelist) Match(host string) bool {
	if w == nil {
		return false
	}
	host = strings.ToLower(host)

	if _, ok := w.exact[host]; ok {
		return true
	}
	for suffix := range w.suffix {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// IsDirect reports whether host should bypass the upstream SOCKS5 proxy:
// a private IP literal or a whitelist match both qualify for direct
// connection.
func IsDirect(host string, w *Whitelist) bool {
	return IsPrivateIP(host) || w.Match(host)
}
