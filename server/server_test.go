package server

import (
	"testing"

	"github.com/rduvall/evhttp/internal/headers"
)

func newTestServer() *Server {
	return New(HandlerFunc(func(w ResponseWriter, r *Request) {}), Options{})
}

func TestKeepAliveDecisionHTTP11Default(t *testing.T) {
	s := newTestServer()
	req := &Request{VersionMajor: 1, VersionMinor: 1, Headers: headers.New()}
	resp := headers.New()
	if !s.keepAliveDecision(req, resp, 200) {
		t.Fatal("expected keep-alive by default on HTTP/1.1")
	}
}

func TestKeepAliveDecisionHTTP10DefaultCloses(t *testing.T) {
	s := newTestServer()
	req := &Request{VersionMajor: 1, VersionMinor: 0, Headers: headers.New()}
	resp := headers.New()
	if s.keepAliveDecision(req, resp, 200) {
		t.Fatal("expected close by default on HTTP/1.0")
	}
}

func TestKeepAliveDecisionHTTP10WithKeepAliveHeader(t *testing.T) {
	s := newTestServer()
	reqHdrs := headers.New()
	reqHdrs.Set("Connection", "keep-alive")
	req := &Request{VersionMajor: 1, VersionMinor: 0, Headers: reqHdrs}
	resp := headers.New()
	if !s.keepAliveDecision(req, resp, 200) {
		t.Fatal("expected keep-alive when client requests it on HTTP/1.0")
	}
}

func TestKeepAliveDecisionRequestConnectionCloseWins(t *testing.T) {
	s := newTestServer()
	reqHdrs := headers.New()
	reqHdrs.Set("Connection", "close")
	req := &Request{VersionMajor: 1, VersionMinor: 1, Headers: reqHdrs}
	resp := headers.New()
	if s.keepAliveDecision(req, resp, 200) {
		t.Fatal("expected close when client sends Connection: close")
	}
}

func TestKeepAliveDecisionResponseConnectionCloseWins(t *testing.T) {
	s := newTestServer()
	req := &Request{VersionMajor: 1, VersionMinor: 1, Headers: headers.New()}
	resp := headers.New()
	resp.Set("Connection", "close")
	if s.keepAliveDecision(req, resp, 200) {
		t.Fatal("expected close when handler sets Connection: close")
	}
}

func TestKeepAliveDecisionFalseWhileShuttingDown(t *testing.T) {
	s := newTestServer()
	s.closing.Store(true)
	req := &Request{VersionMajor: 1, VersionMinor: 1, Headers: headers.New()}
	resp := headers.New()
	if s.keepAliveDecision(req, resp, 200) {
		t.Fatal("expected close while server is shutting down")
	}
}

func TestOptionsSetDefaults(t *testing.T) {
	var o Options
	o.setDefaults()
	if o.ThreadCount != 1 {
		t.Errorf("ThreadCount default = %d, want 1", o.ThreadCount)
	}
	if o.MaxHeaderBytes <= 0 || o.MaxBodyBytes <= 0 {
		t.Errorf("expected positive MaxHeaderBytes/MaxBodyBytes defaults")
	}
	if o.Logger == nil {
		t.Errorf("expected a default Logger to be set")
	}
}
