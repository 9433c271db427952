// Package proxypool manages the two egress pools: a bounded ISP pool
// with exclusive leases for booking traffic, and a round-robin
// datacenter rotation for scan traffic.
package proxypool

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zeebo/xxh3"
)

// Endpoint is a parsed proxy URL. Password is kept separate from the
// identity so credential rotation does not change a proxy's identity.
type Endpoint struct {
	Scheme   string
	Host     string
	Port     string
	Username string
	Password string
}

// ParseProxyURL parses a proxy URL of the form
// scheme://[user[:pass]@]host:port.
func ParseProxyURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("proxy url %q missing scheme or host", raw)
	}

	ep := Endpoint{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Port:   u.Port(),
	}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

// URL renders the endpoint back into a *url.URL with credentials
// percent-encoded.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: e.Scheme,
		Host:   e.Host,
	}
	if e.Port != "" {
		u.Host = e.Host + ":" + e.Port
	}
	if e.Username != "" {
		if e.Password != "" {
			u.User = url.UserPassword(e.Username, e.Password)
		} else {
			u.User = url.User(e.Username)
		}
	}
	return u
}

// IdentityHash returns a stable 64-bit identity for the endpoint.
// Password is excluded: rotating a credential keeps the same proxy.
func (e Endpoint) IdentityHash() uint64 {
	var b strings.Builder
	b.WriteString(e.Scheme)
	b.WriteByte('|')
	b.WriteString(e.Host)
	b.WriteByte('|')
	b.WriteString(e.Port)
	b.WriteByte('|')
	b.WriteString(e.Username)
	return xxh3.HashString(b.String())
}
