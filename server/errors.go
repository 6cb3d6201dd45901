package server

import "errors"

var (
	errUnknownMethod = errors.New("server: unknown or unsupported method")
	errBadVersion    = errors.New("server: malformed HTTP version")
	errHeaderTooLong = errors.New("server: header line exceeds limit")
)
