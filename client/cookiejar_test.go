package client

import "testing"

func TestCookieJarSetAndSend(t *testing.T) {
	jar := NewCookieJar()
	jar.SetCookies("example.com", []string{"session=abc123; Path=/; HttpOnly"})

	got := jar.Cookies("example.com", "/account", false)
	if got != "session=abc123" {
		t.Fatalf("got %q", got)
	}
}

func TestCookieJarDomainMatch(t *testing.T) {
	jar := NewCookieJar()
	jar.SetCookies("www.example.com", []string{"a=1; Domain=example.com; Path=/"})

	if got := jar.Cookies("sub.example.com", "/", false); got != "a=1" {
		t.Fatalf("expected domain-matched cookie, got %q", got)
	}
	if got := jar.Cookies("otherexample.com", "/", false); got != "" {
		t.Fatalf("expected no cookie for unrelated host, got %q", got)
	}
}

func TestCookieJarHostOnlyDoesNotMatchSubdomain(t *testing.T) {
	jar := NewCookieJar()
	jar.SetCookies("example.com", []string{"a=1; Path=/"})

	if got := jar.Cookies("sub.example.com", "/", false); got != "" {
		t.Fatalf("host-only cookie should not match subdomain, got %q", got)
	}
}

func TestCookieJarPathMatch(t *testing.T) {
	jar := NewCookieJar()
	jar.SetCookies("example.com", []string{"a=1; Path=/admin"})

	if got := jar.Cookies("example.com", "/admin/users", false); got != "a=1" {
		t.Fatalf("expected path-matched cookie, got %q", got)
	}
	if got := jar.Cookies("example.com", "/other", false); got != "" {
		t.Fatalf("expected no cookie outside path scope, got %q", got)
	}
}

func TestCookieJarSecureRequiresHTTPS(t *testing.T) {
	jar := NewCookieJar()
	jar.SetCookies("example.com", []string{"a=1; Path=/; Secure"})

	if got := jar.Cookies("example.com", "/", false); got != "" {
		t.Fatalf("secure cookie must not be sent over plain http, got %q", got)
	}
	if got := jar.Cookies("example.com", "/", true); got != "a=1" {
		t.Fatalf("secure cookie should be sent over https, got %q", got)
	}
}

func TestCookieJarMaxAgeZeroDeletes(t *testing.T) {
	jar := NewCookieJar()
	jar.SetCookies("example.com", []string{"a=1; Path=/"})
	jar.SetCookies("example.com", []string{"a=1; Path=/; Max-Age=0"})

	if got := jar.Cookies("example.com", "/", false); got != "" {
		t.Fatalf("expected cookie deleted by Max-Age=0, got %q", got)
	}
}

func TestCookieJarMultipleCookiesJoinedWithSemicolon(t *testing.T) {
	jar := NewCookieJar()
	jar.SetCookies("example.com", []string{"a=1; Path=/", "b=2; Path=/"})

	got := jar.Cookies("example.com", "/", false)
	if got != "a=1; b=2" && got != "b=2; a=1" {
		t.Fatalf("got %q", got)
	}
}
