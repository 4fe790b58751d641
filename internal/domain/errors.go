package domain

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrBanned               = errors.New("user is banned")
	ErrTooManyConnections   = errors.New("too many connections")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrSendTimeout          = errors.New("send timed out")
	ErrQueueUnavailable     = errors.New("offline queue unavailable")
)
