package store

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

var (
	errIllegalDomain = errors.New("cookie domain does not match host")
	errPublicSuffix  = errors.New("cookie domain is a public suffix")
	errNoHost        = errors.New("url has no host")
	errNoName        = errors.New("cookie has no name")
)

// SetCookies records the cookies of a response from u. Implements http.CookieJar.
// A cookie with a negative Max-Age or an expiry in the past removes the
// stored cookie with the same domain, path and name.
func (s *Store) SetCookies(u *url.URL, cookies []*http.Cookie) {
	host, err := canonicalHost(u)
	if err != nil {
		return
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cookies {
		e, remove, err := newEntry(c, u, host, now)
		if err != nil {
			s.logger.Debug("rejected cookie",
				slog.String("host", host),
				slog.String("name", c.Name),
				slog.String("error", err.Error()))
			continue
		}

		k := key{e.Domain, e.Path, e.Name}
		if remove {
			delete(s.entries, k)
			continue
		}
		if old, ok := s.entries[k]; ok {
			e.Created = old.Created
		}
		s.entries[k] = e
	}
}

// Cookies returns the cookies to send in a request to u. Implements http.CookieJar.
// Longer paths come first; cookies with equal paths are ordered by creation.
func (s *Store) Cookies(u *url.URL) []*http.Cookie {
	host, err := canonicalHost(u)
	if err != nil {
		return nil
	}
	https := u.Scheme == "https"
	path := u.Path
	if path == "" {
		path = "/"
	}
	now := time.Now()

	s.mu.Lock()
	var selected []Cookie
	for k, c := range s.entries {
		if c.Expired(now) {
			delete(s.entries, k)
			continue
		}
		if c.Secure && !https {
			continue
		}
		if !domainMatch(c, host) || !pathMatch(c.Path, path) {
			continue
		}
		selected = append(selected, c)
	}
	s.mu.Unlock()

	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if len(a.Path) != len(b.Path) {
			return len(a.Path) > len(b.Path)
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.Name < b.Name
	})

	out := make([]*http.Cookie, 0, len(selected))
	for _, c := range selected {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// newEntry converts a received cookie into its stored form.
// remove is true when the cookie deletes an existing entry.
func newEntry(c *http.Cookie, u *url.URL, host string, now time.Time) (e Cookie, remove bool, err error) {
	if c.Name == "" {
		return e, false, errNoName
	}

	domain, hostOnly, err := cookieDomain(host, c.Domain)
	if err != nil {
		return e, false, err
	}

	path := c.Path
	if path == "" || path[0] != '/' {
		path = defaultPath(u.Path)
	}

	e = Cookie{
		Domain:   domain,
		Path:     path,
		Name:     c.Name,
		Value:    c.Value,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
		HostOnly: hostOnly,
		Created:  now.UTC(),
	}

	switch {
	case c.MaxAge < 0:
		return e, true, nil
	case c.MaxAge > 0:
		exp := now.Add(time.Duration(c.MaxAge) * time.Second).UTC().Truncate(time.Second)
		e.Expires = &exp
	case !c.Expires.IsZero():
		if !c.Expires.After(now) {
			return e, true, nil
		}
		exp := c.Expires.UTC()
		e.Expires = &exp
	}
	return e, false, nil
}

// canonicalHost returns the lowercased host of u without port or trailing dot.
func canonicalHost(u *url.URL) (string, error) {
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", errNoHost
	}
	return host, nil
}

// cookieDomain resolves the Domain attribute of a cookie received from host.
// An empty attribute yields a host-only cookie. IP hosts only accept host-only cookies.
// A public suffix is only accepted from that exact host, as a host-only cookie.
func cookieDomain(host, attr string) (domain string, hostOnly bool, err error) {
	if attr == "" {
		return host, true, nil
	}

	domain = strings.ToLower(strings.TrimPrefix(attr, "."))
	if domain == "" || strings.HasSuffix(domain, ".") {
		return "", false, errIllegalDomain
	}

	if isIP(host) {
		if domain != host {
			return "", false, errIllegalDomain
		}
		return host, true, nil
	}

	if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain {
		if host == domain {
			return host, true, nil
		}
		return "", false, errPublicSuffix
	}

	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return "", false, errIllegalDomain
	}
	return domain, false, nil
}

func domainMatch(c Cookie, host string) bool {
	if c.Domain == host {
		return true
	}
	return !c.HostOnly && !isIP(host) && strings.HasSuffix(host, "."+c.Domain)
}

// pathMatch implements the path-match rule of RFC 6265 section 5.1.4.
func pathMatch(cookiePath, reqPath string) bool {
	if cookiePath == reqPath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

// defaultPath returns the directory of a request path, "/" at minimum.
func defaultPath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}

func isIP(host string) bool {
	return net.ParseIP(host) != nil
}
