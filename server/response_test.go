package server

import (
	"strings"
	"testing"
	"time"
)

func TestCookieString(t *testing.T) {
	c := &Cookie{
		Name:     "session",
		Value:    "abc123",
		Path:     "/",
		Domain:   "example.com",
		MaxAge:   3600,
		Secure:   true,
		HttpOnly: true,
		SameSite: SameSiteLax,
	}
	got := c.String()
	for _, want := range []string{
		"session=abc123",
		"Path=/",
		"Domain=example.com",
		"Max-Age=3600",
		"Secure",
		"HttpOnly",
		"SameSite=Lax",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Cookie.String() = %q, missing %q", got, want)
		}
	}
}

func TestCookieStringNegativeMaxAgeDeletesCookie(t *testing.T) {
	c := &Cookie{Name: "x", Value: "y", MaxAge: -1}
	got := c.String()
	if !strings.Contains(got, "Max-Age=0") {
		t.Errorf("Cookie.String() = %q, want Max-Age=0 for deletion", got)
	}
}

func TestCookieStringExpires(t *testing.T) {
	exp := time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)
	c := &Cookie{Name: "x", Value: "y", Expires: exp}
	got := c.String()
	if !strings.Contains(got, "Expires=Wed, 02 Jan 2030 15:04:05 GMT") {
		t.Errorf("Cookie.String() = %q, unexpected Expires formatting", got)
	}
}

func TestBodyAllowedForStatus(t *testing.T) {
	cases := map[int]bool{
		100: false,
		101: false,
		199: false,
		200: true,
		204: false,
		304: false,
		404: true,
		500: true,
	}
	for status, want := range cases {
		if got := bodyAllowedForStatus(status); got != want {
			t.Errorf("bodyAllowedForStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestStatusText(t *testing.T) {
	if statusText(200) != "OK" {
		t.Errorf("statusText(200) = %q", statusText(200))
	}
	if statusText(999) == "" {
		t.Errorf("statusText(999) should not be empty")
	}
}
