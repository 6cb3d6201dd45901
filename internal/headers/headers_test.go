package headers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetIsCaseInsensitiveAndSetLowercases(t *testing.T) {
	m := New()
	m.Set("Content-Type", "text/plain")
	require.Equal(t, "text/plain", m.Get("content-type"))
	require.Equal(t, "text/plain", m.Get("CONTENT-TYPE"))
	require.Equal(t, []string{"content-type"}, m.Keys())
}

func TestIterationOrderMatchesInsertionOfFirstSet(t *testing.T) {
	m := New()
	m.Set("Host", "example.com")
	m.Set("Accept", "*/*")
	m.Add("Accept", "text/html")
	m.Set("Date", "now")
	require.Equal(t, []string{"host", "accept", "date"}, m.Keys())
}

func TestDelRemovesKeyAndKeepsOrder(t *testing.T) {
	m := New()
	m.Set("A", "1")
	m.Set("B", "2")
	m.Set("C", "3")
	m.Del("B")
	require.Equal(t, []string{"a", "c"}, m.Keys())
	require.Equal(t, "", m.Get("b"))
}

func TestSetReadonlyPanicsOnMutation(t *testing.T) {
	m := New()
	m.Set("A", "1")
	m.SetReadonly()
	require.Panics(t, func() { m.Set("B", "2") })
	require.Panics(t, func() { m.Add("A", "2") })
	require.Panics(t, func() { m.Del("A") })
}

func TestWriteToEscapesEmbeddedNewlines(t *testing.T) {
	m := New()
	m.Set("X-Evil", "line1\nSet-Cookie: evil=1")
	out := string(m.WriteTo(nil))
	require.Equal(t, "x-evil: line1\\nSet-Cookie: evil=1\r\n", out)
}

func TestCloneIsIndependent(t *testing.T) {
	m := New()
	m.Set("A", "1")
	c := m.Clone()
	c.Set("A", "2")
	require.Equal(t, "1", m.Get("A"))
	require.Equal(t, "2", c.Get("A"))
}
