package federation

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nexus-chat/nexus/internal/nexuserr"
)

// DiscoveryCacheTTL is how long a resolved base URL is cached before
// re-resolution is attempted.
const DiscoveryCacheTTL = 24 * time.Hour

// wellKnownTimeout bounds the .well-known/nexus/server lookup.
const wellKnownTimeout = 5 * time.Second

// wellKnownResponse is the body of a successful .well-known/nexus/server fetch.
type wellKnownResponse struct {
	Server string `json:"server"`
}

// explicitPortRE matches a hostname with an explicit port, including the
// bracketed IPv6-literal form (e.g. "nexus.example.com:8448", "[::1]:8448").
var explicitPortRE = regexp.MustCompile(`^(\[[^\]]+\]|[^:\[\]]+):\d+$`)

// hasExplicitPort reports whether serverName already specifies a port,
// handling the IPv6 literal `[addr]:port` form.
func hasExplicitPort(serverName string) bool {
	return explicitPortRE.MatchString(serverName)
}

// DiscoveryCache resolves bare server names to reachable base URLs and
// caches the result for DiscoveryCacheTTL.
type DiscoveryCache struct {
	cache  *TTLCache[*url.URL]
	client *http.Client
}

// NewDiscoveryCache creates a DiscoveryCache with a fresh in-memory store.
func NewDiscoveryCache() *DiscoveryCache {
	return &DiscoveryCache{
		cache:  NewTTLCache[*url.URL](DiscoveryCacheTTL, 10_000),
		client: &http.Client{Timeout: wellKnownTimeout},
	}
}

// Resolve returns the base URL to use for federation requests to
// serverName, following this resolution order: explicit port
// short-circuit, then .well-known delegation, then the default
// federation port fallback.
func (d *DiscoveryCache) Resolve(serverName string) (*url.URL, error) {
	if cached, ok := d.cache.Get(serverName); ok {
		return cached, nil
	}

	resolved, err := d.doResolve(serverName)
	if err != nil {
		return nil, err
	}
	d.cache.Set(serverName, resolved)
	return resolved, nil
}

// Invalidate drops a cached resolution, forcing re-resolution on next Resolve.
func (d *DiscoveryCache) Invalidate(serverName string) {
	d.cache.Invalidate(serverName)
}

func (d *DiscoveryCache) doResolve(serverName string) (*url.URL, error) {
	if hasExplicitPort(serverName) {
		return &url.URL{Scheme: "https", Host: serverName}, nil
	}

	if delegate, ok := d.tryWellKnown(serverName); ok {
		if hasExplicitPort(delegate) {
			return &url.URL{Scheme: "https", Host: delegate}, nil
		}
		return &url.URL{Scheme: "https", Host: delegate + ":8448"}, nil
	}

	// Well-known lookup failure is non-fatal; always fall back.
	return &url.URL{Scheme: "https", Host: serverName + ":8448"}, nil
}

// tryWellKnown fetches https://{serverName}/.well-known/nexus/server and
// returns its delegate server name on success.
func (d *DiscoveryCache) tryWellKnown(serverName string) (string, bool) {
	target := fmt.Sprintf("https://%s/.well-known/nexus/server", serverName)
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false
	}

	var wk wellKnownResponse
	if err := json.NewDecoder(resp.Body).Decode(&wk); err != nil || wk.Server == "" {
		return "", false
	}
	return wk.Server, true
}

// ValidateFederationDomain rejects internal/private/loopback domains to
// prevent SSRF via attacker-controlled federation targets.
func ValidateFederationDomain(domain string) error {
	lower := strings.ToLower(domain)
	if lower == "localhost" || strings.HasSuffix(lower, ".local") ||
		strings.HasSuffix(lower, ".internal") || strings.HasSuffix(lower, ".localhost") {
		return nexuserr.New(nexuserr.DiscoveryFailed, "internal domain not allowed for federation")
	}

	host := lower
	if hasExplicitPort(host) {
		if h, _, err := net.SplitHostPort(strings.Trim(host, "[]")); err == nil {
			host = h
		}
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return nexuserr.Wrap(nexuserr.DiscoveryFailed, "domain does not resolve", err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return nexuserr.New(nexuserr.DiscoveryFailed, "domain resolves to a private/loopback address")
		}
	}
	return nil
}
