package db

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryableFragments is the transient-error vocabulary. Matching is
// case-insensitive substring so driver and pooler phrasing variants all hit.
var retryableFragments = []string{
	"engine not yet connected",
	"response from the engine was empty",
	"connection pool timeout",
	"too many clients",
	"econnrefused",
	"etimedout",
	"connection refused",
	"connection reset",
	"broken pipe",
}

// poolExhaustedFragments identify pooler saturation, which gets a longer,
// jittered wait instead of the normal backoff curve.
var poolExhaustedFragments = []string{
	"too many clients",
	"connection pool timeout",
}

// IsRetryable reports whether err is a transient connection error worth
// retrying. Context cancellation and statement-level failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Postgres class 08 (connection exception), 53300 (too_many_connections)
	// and 57P03 (cannot_connect_now, server starting up).
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "53300" || pgErr.Code == "57P03" {
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// IsPoolExhausted reports whether err indicates pooler saturation.
func IsPoolExhausted(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "53300" {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range poolExhaustedFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
