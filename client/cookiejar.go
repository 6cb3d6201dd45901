package client

import (
	"strings"
	"sync"
	"time"
)

// cookieEntry is one stored cookie, keyed by its domain;path;name triple
// per RFC 6265 section 5.3.
type cookieEntry struct {
	Name, Value string
	Domain      string
	Path        string
	Expires     time.Time
	Secure      bool
	HostOnly    bool
	creation    time.Time
}

func (e *cookieEntry) id() string { return e.Domain + ";" + e.Path + ";" + e.Name }

func (e *cookieEntry) expired(now time.Time) bool {
	return !e.Expires.IsZero() && !e.Expires.After(now)
}

// domainMatch implements RFC 6265 section 5.1.3.
func (e *cookieEntry) domainMatch(host string) bool {
	if e.Domain == host {
		return true
	}
	return !e.HostOnly && hasDotSuffix(host, e.Domain)
}

// pathMatch implements RFC 6265 section 5.1.4.
func (e *cookieEntry) pathMatch(requestPath string) bool {
	if requestPath == e.Path {
		return true
	}
	le := len(e.Path)
	if len(requestPath) >= le && requestPath[:le] == e.Path {
		if e.Path[len(e.Path)-1] == '/' {
			return true
		}
		if requestPath[le] == '/' {
			return true
		}
	}
	return false
}

func (e *cookieEntry) shouldSend(https bool, host, path string) bool {
	return e.domainMatch(host) && e.pathMatch(path) && (https || !e.Secure)
}

func hasDotSuffix(s, suffix string) bool {
	return len(s) > len(suffix) && s[len(s)-len(suffix)-1] == '.' && s[len(s)-len(suffix):] == suffix
}

// CookieJar stores cookies received via Set-Cookie and attaches them to
// subsequent requests' Cookie headers, scoped by domain/path/secure per
// RFC 6265. The zero value is unusable; construct with NewCookieJar.
type CookieJar struct {
	mu      sync.Mutex
	entries map[string]cookieEntry
}

// NewCookieJar creates an empty jar.
func NewCookieJar() *CookieJar {
	return &CookieJar{entries: make(map[string]cookieEntry)}
}

// SetCookies records every cookie in setCookieValues (the raw values of
// one or more Set-Cookie response headers) as having come from host.
func (j *CookieJar) SetCookies(host string, setCookieValues []string) {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, raw := range setCookieValues {
		e, ok := parseSetCookie(raw, host, now)
		if !ok {
			continue
		}
		if e.expired(now) {
			delete(j.entries, e.id())
			continue
		}
		j.entries[e.id()] = e
	}
}

// Cookies returns the Cookie header value (possibly empty) to attach to a
// request for host/path over the given scheme.
func (j *CookieJar) Cookies(host, path string, https bool) string {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	var b strings.Builder
	for id, e := range j.entries {
		if e.expired(now) {
			delete(j.entries, id)
			continue
		}
		if !e.shouldSend(https, host, path) {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.Name)
		b.WriteByte('=')
		b.WriteString(e.Value)
	}
	return b.String()
}

func parseSetCookie(raw, host string, now time.Time) (cookieEntry, bool) {
	parts := strings.Split(raw, ";")
	if len(parts) == 0 {
		return cookieEntry{}, false
	}
	nv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
	if len(nv) != 2 || nv[0] == "" {
		return cookieEntry{}, false
	}
	e := cookieEntry{
		Name:     nv[0],
		Value:    nv[1],
		Domain:   host,
		Path:     "/",
		HostOnly: true,
		creation: now,
	}
	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		kv := strings.SplitN(attr, "=", 2)
		key := strings.ToLower(kv[0])
		val := ""
		if len(kv) == 2 {
			val = kv[1]
		}
		switch key {
		case "domain":
			if val != "" {
				e.Domain = strings.TrimPrefix(val, ".")
				e.HostOnly = false
			}
		case "path":
			if val != "" {
				e.Path = val
			}
		case "secure":
			e.Secure = true
		case "max-age":
			if n, err := parseIntSafe(val); err == nil {
				if n <= 0 {
					e.Expires = time.Unix(0, 0)
				} else {
					e.Expires = now.Add(time.Duration(n) * time.Second)
				}
			}
		case "expires":
			if t, err := time.Parse(http1TimeFormat, val); err == nil {
				e.Expires = t
			}
		}
	}
	return e, true
}

func parseIntSafe(s string) (int64, error) {
	var n int64
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return 0, errEmptyInt
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errEmptyInt
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}
