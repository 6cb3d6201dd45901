// Package resolver implements the asynchronous DNS client surface
// spec.md §6 describes as consumed by the client core: a handle plus
// Resolve(hostname, cb(record, err)). It is a thin wrapper over
// github.com/miekg/dns rather than a hand-rolled resolver, with a small
// positive-response cache keyed by hostname.
package resolver

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrNoRecord is returned when a query succeeds but yields no usable
// address record.
var ErrNoRecord = errors.New("resolver: no address record")

const (
	defaultTimeout = 3 * time.Second
	floorTTL       = 5 * time.Second
)

type cacheEntry struct {
	addr    netip.Addr
	expires time.Time
}

// Resolver issues A queries (no AAAA) against a configured upstream server.
// Resolution itself is a network round trip and thus a suspension point
// (spec.md §5); callers invoke Resolve and get the answer via callback
// once the query's goroutine completes -- the reactor integration layer
// in client.Client bridges that callback back onto the reactor's own
// thread via NextTick, preserving the single-threaded-per-reactor rule.
type Resolver struct {
	upstream string // "ip:port", e.g. "8.8.8.8:53"
	client   *dns.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Resolver querying upstream (default "8.8.8.8:53" if
// empty) with defaultTimeout per query.
func New(upstream string) *Resolver {
	if upstream == "" {
		upstream = "8.8.8.8:53"
	}
	return &Resolver{
		upstream: upstream,
		client:   &dns.Client{Timeout: defaultTimeout},
		cache:    make(map[string]cacheEntry),
	}
}

// Resolve looks up hostname's IPv4 address with an A query; an IP literal
// of either family is returned as is without a query. cb is invoked on an
// arbitrary goroutine (the caller is responsible for hopping back onto
// its reactor thread, e.g. via reactor.Reactor.NextTick, before touching
// any reactor-owned state).
func (r *Resolver) Resolve(hostname string, cb func(addr netip.Addr, err error)) {
	if addr, err := netip.ParseAddr(hostname); err == nil {
		cb(addr, nil)
		return
	}

	r.mu.Lock()
	if e, ok := r.cache[hostname]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		cb(e.addr, nil)
		return
	}
	r.mu.Unlock()

	go r.query(hostname, cb)
}

func (r *Resolver) query(hostname string, cb func(addr netip.Addr, err error)) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := r.client.Exchange(msg, r.upstream)
	if err != nil {
		cb(netip.Addr{}, err)
		return
	}

	var ttl uint32 = uint32(floorTTL / time.Second)
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addr, ok2 := netip.AddrFromSlice(a.A.To4())
			if ok2 && addr.IsValid() {
				if a.Hdr.Ttl > ttl {
					ttl = a.Hdr.Ttl
				}
				r.mu.Lock()
				r.cache[hostname] = cacheEntry{addr: addr, expires: time.Now().Add(time.Duration(ttl) * time.Second)}
				r.mu.Unlock()
				cb(addr, nil)
				return
			}
		}
	}
	cb(netip.Addr{}, ErrNoRecord)
}
