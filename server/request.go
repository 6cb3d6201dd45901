package server

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rduvall/evhttp/internal/arena"
	"github.com/rduvall/evhttp/internal/headers"
)

// Method is one of the nine methods spec.md §3 lists for Request.
type Method int

const (
	MethodUnknown Method = iota
	MethodGET
	MethodHEAD
	MethodPOST
	MethodPUT
	MethodPATCH
	MethodDELETE
	MethodCONNECT
	MethodOPTIONS
	MethodTRACE
)

func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodHEAD:
		return "HEAD"
	case MethodPOST:
		return "POST"
	case MethodPUT:
		return "PUT"
	case MethodPATCH:
		return "PATCH"
	case MethodDELETE:
		return "DELETE"
	case MethodCONNECT:
		return "CONNECT"
	case MethodOPTIONS:
		return "OPTIONS"
	case MethodTRACE:
		return "TRACE"
	default:
		return ""
	}
}

func parseMethod(s string) Method {
	switch s {
	case "GET":
		return MethodGET
	case "HEAD":
		return MethodHEAD
	case "POST":
		return MethodPOST
	case "PUT":
		return MethodPUT
	case "PATCH":
		return MethodPATCH
	case "DELETE":
		return MethodDELETE
	case "CONNECT":
		return MethodCONNECT
	case "OPTIONS":
		return MethodOPTIONS
	case "TRACE":
		return MethodTRACE
	default:
		return MethodUnknown
	}
}

// PathParams carries route-matcher captures. The matcher itself is an
// external collaborator (spec.md §6); this struct just gives
// Request.PathParams a concrete type to populate before the handler runs.
type PathParams struct {
	names  []string
	values []string
}

// Set records a captured path parameter.
func (p *PathParams) Set(name, value string) {
	p.names = append(p.names, name)
	p.values = append(p.values, value)
}

// Get returns the value captured for name, or "" if absent.
func (p *PathParams) Get(name string) string {
	for i, n := range p.names {
		if n == name {
			return p.values[i]
		}
	}
	return ""
}

// Request is populated by the server's ReadingLine/ReadingHeaders states
// (spec.md §4.4) before a handler runs, and is backed by the connection's
// per-request Arena -- nothing here outlives the request unless copied.
type Request struct {
	Method       Method
	Target       string // raw request-target, unparsed
	Path         string
	Query        string
	VersionMajor int
	VersionMinor int
	Headers      *headers.Map
	RemoteAddr   netip.AddrPort
	PathParams   PathParams

	isHeadAsGet bool // set when redirect_head_to_get dispatches HEAD to a GET handler

	arena      *arena.Arena
	scanner    bodyScanner
	bodyCalled bool
	maxBody    int
}

// bodyScanner is the minimal scanner surface Request.Body needs; kept as
// an interface so request.go doesn't import internal/scanner directly
// for its concrete Scanner type parameters.
type bodyScanner interface {
	ReadBody(maxSize int, cb func(body []byte, err error))
}

// IsHeadAsGet reports whether this HEAD request is being dispatched to a
// GET handler because Options.RedirectHeadToGet is set. Handlers that
// branch on Method for HEAD-specific short-circuiting should check this
// first.
func (r *Request) IsHeadAsGet() bool { return r.isHeadAsGet }

// ProtoAtLeast reports whether the request's HTTP version is >= major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.VersionMajor > major || (r.VersionMajor == major && r.VersionMinor >= minor)
}

// Body decodes and delivers the request body exactly once (spec.md §7:
// calling it twice is a fatal programmer error).
func (r *Request) Body(cb func(data []byte, err error)) {
	if r.bodyCalled {
		panic("server: Request.Body called twice for the same request")
	}
	r.bodyCalled = true
	r.scanner.ReadBody(r.maxBody, cb)
}

// parseRequestLine parses "METHOD SP target SP HTTP/major.minor" per
// spec.md §4.4 step 1.
func parseRequestLine(line string) (method Method, target string, major, minor int, err error) {
	sp1 := strings.IndexByte(line, ' ')
	if sp1 < 0 {
		return 0, "", 0, 0, fmt.Errorf("malformed request line: missing space")
	}
	rest := line[sp1+1:]
	sp2 := strings.IndexByte(rest, ' ')
	if sp2 < 0 {
		return 0, "", 0, 0, fmt.Errorf("malformed request line: missing space")
	}
	methodStr := line[:sp1]
	target = rest[:sp2]
	versionStr := rest[sp2+1:]

	method = parseMethod(methodStr)
	if method == MethodUnknown {
		return 0, "", 0, 0, errUnknownMethod
	}

	const prefix = "HTTP/"
	if !strings.HasPrefix(versionStr, prefix) {
		return 0, "", 0, 0, errBadVersion
	}
	verPart := versionStr[len(prefix):]
	major, minor = 1, 0
	if dot := strings.IndexByte(verPart, '.'); dot >= 0 {
		maj, e1 := strconv.Atoi(verPart[:dot])
		min, e2 := strconv.Atoi(verPart[dot+1:])
		if e1 != nil || e2 != nil {
			return 0, "", 0, 0, errBadVersion
		}
		major, minor = maj, min
	} else {
		maj, e1 := strconv.Atoi(verPart)
		if e1 != nil {
			return 0, "", 0, 0, errBadVersion
		}
		major, minor = maj, 0
	}
	return method, target, major, minor, nil
}

func splitTarget(target string) (path, query string) {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}
