// Package body implements the request/response body state machine: given
// a populated header map and a scanner, it decodes the body under either
// Content-Length or chunked Transfer-Encoding and, for chunked bodies,
// re-parses trailer headers back into the caller's header map.
package body

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rduvall/evhttp/internal/headers"
	"github.com/rduvall/evhttp/internal/scanner"
)

// Error mirrors the scanner error taxonomy plus the status-mapping
// helper spec.md §4.3 describes.
type Error = scanner.Error

const (
	ErrTooLong         = scanner.ErrTooLong
	ErrTooShort        = scanner.ErrTooShort
	ErrBadReadCount    = scanner.ErrBadReadCount
	ErrNegativeAdvance = scanner.ErrNegativeAdvance
	ErrAdvancedTooFar  = scanner.ErrAdvancedTooFar
	ErrNoProgress      = scanner.ErrNoProgress
	ErrEOF             = scanner.ErrEOF
	ErrUnexpectedEOF   = scanner.ErrUnexpectedEOF
)

// StatusFor maps a body decode error to the HTTP status a handler
// should respond with, per spec.md §4.3's error→status table.
func StatusFor(err error) int {
	switch err {
	case ErrTooLong:
		return http.StatusRequestEntityTooLarge // 413
	case ErrTooShort, ErrBadReadCount:
		return http.StatusBadRequest // 400
	case ErrNegativeAdvance, ErrAdvancedTooFar:
		return http.StatusInternalServerError // 500
	case ErrEOF, ErrUnexpectedEOF:
		return http.StatusBadRequest // 400; see DESIGN.md, "EOF during header/body read"
	default:
		return http.StatusBadRequest
	}
}

// forbiddenTrailerNames is the set of header names that may never appear
// in a chunked trailer block (glossary: "Trailer headers").
var forbiddenTrailerNames = map[string]bool{
	"transfer-encoding":    true,
	"content-length":       true,
	"host":                 true,
	"if-match":             true,
	"if-none-match":        true,
	"if-modified-since":    true,
	"if-unmodified-since":  true,
	"if-range":             true,
	"www-authenticate":     true,
	"authorization":        true,
	"proxy-authenticate":   true,
	"proxy-authorization":  true,
	"cookie":               true,
	"set-cookie":           true,
	"age":                  true,
	"cache-control":        true,
	"expires":              true,
	"date":                 true,
	"location":             true,
	"retry-after":          true,
	"vary":                 true,
	"warning":              true,
	"content-encoding":     true,
	"content-type":         true,
	"content-range":        true,
	"trailer":              true,
}

// Read decodes the body described by hdrs from s, invoking cb with the
// fully assembled body bytes (a Go heap slice owned by the caller, not
// arena memory) once decoding completes. For chunked bodies *hdrs is
// rewritten per spec.md §4.3 step 6 and left readonly.
func Read(s *scanner.Scanner, hdrs *headers.Map, maxSize int, cb func(body []byte, err error)) {
	te := hdrs.Get("transfer-encoding")
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(te)), "chunked") {
		readChunked(s, hdrs, maxSize, cb)
		return
	}

	cl := hdrs.Get("content-length")
	if cl == "" {
		cb(nil, nil)
		return
	}

	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		cb(nil, ErrBadReadCount)
		return
	}
	if n == 0 {
		cb([]byte{}, nil)
		return
	}
	if n > maxSize {
		cb(nil, ErrTooLong)
		return
	}

	s.SetSplit(scanner.ByFixedCount(n))
	s.Scan(func(tok []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		out := make([]byte, len(tok))
		copy(out, tok)
		cb(out, nil)
	})
}

type chunkedState struct {
	s        *scanner.Scanner
	hdrs     *headers.Map
	maxSize  int
	cb       func(body []byte, err error)
	acc      []byte
	trailers *headers.Map
}

func readChunked(s *scanner.Scanner, hdrs *headers.Map, maxSize int, cb func(body []byte, err error)) {
	st := &chunkedState{s: s, hdrs: hdrs, maxSize: maxSize, cb: cb}
	s.SetSplit(scanner.ByLines)
	st.readChunkSizeLine()
}

// readChunkSizeLine implements spec.md §4.3 steps 1-3: read a line,
// strip any ";ext", parse the hex size, and bound the accumulated total.
func (st *chunkedState) readChunkSizeLine() {
	st.s.Scan(func(tok []byte, err error) {
		if err != nil {
			st.cb(nil, err)
			return
		}
		line := string(tok)
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		size, perr := strconv.ParseInt(line, 16, 64)
		if perr != nil || size < 0 {
			st.cb(nil, ErrBadReadCount)
			return
		}
		if size == 0 {
			st.readTrailers()
			return
		}
		if int64(len(st.acc))+size > int64(st.maxSize) {
			st.cb(nil, ErrTooLong)
			return
		}
		st.s.SetSplit(scanner.ByFixedCount(int(size)))
		st.s.Scan(func(chunk []byte, err error) {
			if err != nil {
				st.cb(nil, err)
				return
			}
			st.acc = append(st.acc, chunk...)
			st.s.SetSplit(scanner.ByLines)
			st.s.Scan(func(empty []byte, err error) {
				if err != nil {
					st.cb(nil, err)
					return
				}
				if len(empty) != 0 {
					st.cb(nil, ErrBadReadCount)
					return
				}
				st.readChunkSizeLine()
			})
		})
	})
}

// readTrailers implements spec.md §4.3 step 6: line-delimited trailer
// headers, rejecting any name in forbiddenTrailerNames, then on the
// empty line rewriting hdrs (delete trailer, strip chunked off
// transfer-encoding, set content-length) and emitting the body.
func (st *chunkedState) readTrailers() {
	st.trailers = headers.New()
	st.readTrailerLine()
}

func (st *chunkedState) readTrailerLine() {
	st.s.Scan(func(tok []byte, err error) {
		if err != nil {
			st.cb(nil, err)
			return
		}
		if len(tok) == 0 {
			st.finish()
			return
		}
		name, value, ok := splitHeaderLine(string(tok))
		if !ok {
			st.cb(nil, ErrBadReadCount)
			return
		}
		if forbiddenTrailerNames[headers.Lower(name)] {
			st.cb(nil, fmt.Errorf("%w: trailer %q is not allowed", ErrBadReadCount, name))
			return
		}
		st.trailers.Add(name, value)
		st.readTrailerLine()
	})
}

// finish rewrites hdrs once the trailer block ends. The server and client
// freeze hdrs before the body is read, so the rewrite is made on a mutable
// copy that then replaces *hdrs and is frozen again.
func (st *chunkedState) finish() {
	h := st.hdrs.Clone()
	h.Del("trailer")
	te := h.Get("transfer-encoding")
	stripped := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(te), "chunked"))
	stripped = strings.TrimSuffix(stripped, ",")
	stripped = strings.TrimSpace(stripped)
	if stripped == "" {
		h.Del("transfer-encoding")
	} else {
		h.Set("transfer-encoding", stripped)
	}
	h.Set("content-length", strconv.Itoa(len(st.acc)))
	st.trailers.Each(func(k, v string) { h.Add(k, v) })
	h.SetReadonly()
	*st.hdrs = *h
	st.cb(st.acc, nil)
}

// splitHeaderLine parses "name: value" with OWS trimming, rejecting
// leading whitespace before the name per spec.md §4.4 step 2.
func splitHeaderLine(line string) (name, value string, ok bool) {
	if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
		return "", "", false
	}
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	name = line[:i]
	value = strings.TrimSpace(line[i+1:])
	if name == "" {
		return "", "", false
	}
	return name, value, true
}
