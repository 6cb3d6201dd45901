// Package scanner implements the callback-driven, buffer-growing byte
// scanner every higher-level reader (request line, headers, chunk size,
// fixed-length body) is built from. Tokens handed to the user callback
// alias the scanner's internal buffer and are valid only until the next
// Scan call -- callers that need the bytes afterwards must copy them.
package scanner

import (
	"errors"
	"fmt"

	"github.com/rduvall/evhttp/internal/reactor"
)

// Error is the scanner error taxonomy from spec.md §7.
type Error int

const (
	ErrNone Error = iota
	ErrTooLong
	ErrTooShort
	ErrBadReadCount
	ErrNegativeAdvance
	ErrAdvancedTooFar
	ErrNoProgress
	ErrEOF
	ErrUnexpectedEOF
	ErrUnknown
)

func (e Error) Error() string {
	switch e {
	case ErrTooLong:
		return "scanner: token too long"
	case ErrTooShort:
		return "scanner: token too short"
	case ErrBadReadCount:
		return "scanner: split function returned an invalid advance"
	case ErrNegativeAdvance:
		return "scanner: split function returned a negative advance"
	case ErrAdvancedTooFar:
		return "scanner: split function advanced past the buffered data"
	case ErrNoProgress:
		return "scanner: too many consecutive empty reads"
	case ErrEOF:
		return "scanner: EOF"
	case ErrUnexpectedEOF:
		return "scanner: unexpected EOF"
	default:
		return "scanner: unknown error"
	}
}

var ErrDone = errors.New("scanner: Scan called after done")

const (
	initialBufSize       = 4096
	defaultMaxTokenSize  = 1 << 20 // 1 MiB
	maxConsecutiveEmpty  = 128
)

// SplitFunc decides where the next token ends. It receives the buffered,
// not-yet-consumed bytes and whether the underlying source has reported
// EOF, and returns how many bytes to advance past, the token (a subslice
// of data, or nil if more input is needed), and an error.
//
// Returning advance=0, token=nil, err=nil means "need more data".
type SplitFunc func(data []byte, atEOF bool) (advance int, token []byte, err error)

// Source abstracts the socket-shaped recv the scanner drives; server and
// client connections implement this directly over their reactor socket
// so the scanner never imports net directly.
type Source interface {
	Recv(buf []byte, cb func(n int, err error))
}

// Scanner is a callback-driven token reader over a Source.
type Scanner struct {
	src          Source
	split        SplitFunc
	buf          []byte
	start, end   int
	maxTokenSize int
	emptyReads   int
	eof          bool
	done         bool
}

// New creates a Scanner over src with an initial internal buffer and a
// cap on how large a single token may grow (spec.md §3: "a buffer
// doubling that would overflow signals Too_Long").
func New(src Source, maxTokenSize int) *Scanner {
	if maxTokenSize <= 0 {
		maxTokenSize = defaultMaxTokenSize
	}
	return &Scanner{
		src:          src,
		buf:          make([]byte, initialBufSize),
		maxTokenSize: maxTokenSize,
	}
}

// SetSplit changes the split function used by subsequent Scan calls,
// e.g. switching from line mode to ByFixedCount(n) for a chunk body.
func (s *Scanner) SetSplit(split SplitFunc) { s.split = split }

// Reset clears the done/EOF state, moves any unread bytes to the front of
// the buffer so they feed the next token (e.g. a pipelined request), and
// installs the given split function, without reallocating the
// backing buffer (reused across keep-alive requests on the client, per
// spec.md §5).
func (s *Scanner) Reset(split SplitFunc) {
	if s.start > 0 {
		n := copy(s.buf, s.buf[s.start:s.end])
		s.end = n
		s.start = 0
	}
	s.split = split
	s.done = false
	s.eof = false
	s.emptyReads = 0
}

// Scan reads the next token and invokes cb exactly once, either with a
// token (err == nil) or with err set (including ErrEOF once the source
// is drained and no more tokens can be produced).
func (s *Scanner) Scan(cb func(token []byte, err error)) {
	if s.done {
		cb(nil, ErrDone)
		return
	}
	s.step(cb)
}

func (s *Scanner) step(cb func(token []byte, err error)) {
	if s.split == nil {
		panic("scanner: Scan called with no split function set")
	}

	advance, token, err := s.split(s.buf[s.start:s.end], s.eof)
	if err != nil {
		s.done = true
		cb(nil, err)
		return
	}
	if token != nil {
		if advance < 0 {
			s.done = true
			cb(nil, ErrNegativeAdvance)
			return
		}
		if s.start+advance > s.end {
			s.done = true
			cb(nil, ErrAdvancedTooFar)
			return
		}
		s.start += advance
		s.emptyReads = 0
		cb(token, nil)
		return
	}

	if s.eof {
		s.done = true
		cb(nil, ErrEOF)
		return
	}

	if s.end == len(s.buf) {
		if s.end-s.start >= s.maxTokenSize {
			s.done = true
			cb(nil, ErrTooLong)
			return
		}
		s.grow()
	}

	s.src.Recv(s.buf[s.end:], func(n int, rerr error) {
		if rerr != nil {
			s.handleRecvError(rerr, cb)
			return
		}
		if n == 0 {
			s.eof = true
			s.emptyReads++
			if s.emptyReads > maxConsecutiveEmpty {
				s.done = true
				cb(nil, ErrNoProgress)
				return
			}
			s.step(cb)
			return
		}
		s.end += n
		s.emptyReads = 0
		s.step(cb)
	})
}

func (s *Scanner) handleRecvError(rerr error, cb func(token []byte, err error)) {
	var netErr *reactor.NetError
	if errors.As(rerr, &netErr) {
		switch netErr.Kind {
		case reactor.ErrKindConnectionClosed:
			s.eof = true
			s.step(cb)
			return
		case reactor.ErrKindTimeout:
			s.done = true
			cb(nil, ErrNoProgress)
			return
		}
	}
	s.done = true
	cb(nil, fmt.Errorf("%w: %v", ErrUnknown, rerr))
}

// grow doubles the buffer, shifting unread bytes down to offset 0 first
// (spec.md §3: "on reset, bytes in [start,end) are shifted to offset 0").
func (s *Scanner) grow() {
	unread := s.end - s.start
	newSize := len(s.buf) * 2
	if newSize <= 0 {
		panic("scanner: buffer size overflow")
	}
	nb := make([]byte, newSize)
	copy(nb, s.buf[s.start:s.end])
	s.buf = nb
	s.start = 0
	s.end = unread
}

// Done reports whether the scanner has reached a terminal state and
// must not be Scan'd again without a Reset.
func (s *Scanner) Done() bool { return s.done }

// ByLines splits on CRLF, excluding it from the token. An empty token
// (a bare CRLF) is returned like any other -- callers use it to detect
// the end of a header block per spec.md §4.2.
func ByLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := indexCRLF(data); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return 0, nil, ErrUnexpectedEOF
	}
	return 0, nil, nil
}

func indexCRLF(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// ByFixedCount returns a SplitFunc that waits until at least n bytes are
// buffered and emits exactly n.
func ByFixedCount(n int) SplitFunc {
	if n < 0 {
		panic("scanner: ByFixedCount with negative n")
	}
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if len(data) >= n {
			return n, data[:n], nil
		}
		if atEOF {
			return 0, nil, ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
}
