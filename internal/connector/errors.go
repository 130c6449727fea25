package connector

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnsupported         = errors.New("operation not supported by connector")
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrRateLimited         = errors.New("rate limited")
	ErrPositionConflict    = errors.New("position conflict")
)

// Error carries the exchange and operation that produced a failure.
type Error struct {
	Exchange string
	Op       string
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return e.Exchange + " " + e.Op + ": [" + e.Code + "] " + msg
	}
	return e.Exchange + " " + e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

var transientMarkers = []string{
	"rate limit",
	"too many requests",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"connection reset",
}

// IsTransient reports errors worth proceeding past with degraded assumptions.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return containsAny(err.Error(), transientMarkers)
}

var conflictMarkers = []string{
	"position exists",
	"open position",
	"position conflict",
	"cannot change leverage",
}

func IsPositionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPositionConflict) {
		return true
	}
	return containsAny(err.Error(), conflictMarkers)
}

var noPositionMarkers = []string{
	"position is zero",
	"position not found",
	"no position",
}

// IsNoPosition reports exchange rejections meaning there is nothing left to close.
func IsNoPosition(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), noPositionMarkers)
}

func containsAny(msg string, markers []string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
