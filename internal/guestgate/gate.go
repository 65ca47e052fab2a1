// Package guestgate decides whether an unauthenticated visitor may run one
// free generation. It is a soft deterrent, not a quota: the client-side
// signals are bypassable, the check-then-record sequence is not atomic, and
// server failures are expected to fail open at the HTTP layer. Do not build
// billing decisions on top of it.
package guestgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ErrMissingField is returned by Record when a required field is absent.
var ErrMissingField = errors.New("guestgate: missing required field")

const (
	// ReasonAlreadyUsed is returned when an earlier usage record matches the
	// caller's IP or fingerprint.
	ReasonAlreadyUsed = "already_used"

	fallbackIPAddress = "0.0.0.0"

	headerCFConnectingIP = "CF-Connecting-IP"
	headerForwardedFor   = "X-Forwarded-For"
	headerRealIP         = "X-Real-IP"
)

// Usage is one recorded free generation by a guest. Append-only; uniqueness
// is first-match-wins in Check, not a database constraint.
type Usage struct {
	ID            string
	IPAddress     string
	Fingerprint   string
	UserAgent     string
	VideoID       string
	UsedAtUnixUTC int64
}

// CheckResult is the gate's verdict for one visitor.
type CheckResult struct {
	Allowed           bool
	Reason            string
	RemainingAttempts int
	UsedAtUnixUTC     int64
}

// RecordParams describes a usage record to persist.
type RecordParams struct {
	IPAddress   string
	Fingerprint string
	UserAgent   string
	VideoID     string
}

// Store is the persistence contract for guest usage records.
type Store interface {
	FindUsage(ctx context.Context, ipAddress string, fingerprint string) (Usage, bool, error)
	CreateUsage(ctx context.Context, usage Usage) (Usage, error)
}

// Gate combines the server-side layer of the guest limit checks.
type Gate struct {
	store  Store
	nowFn  func() int64
	logger *zap.Logger
}

// New wires a Gate.
func New(store Store, now func() int64, logger *zap.Logger) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("guestgate: store dependency is nil")
	}
	if now == nil {
		return nil, fmt.Errorf("guestgate: clock dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, nowFn: now, logger: logger}, nil
}

// Check allows a visitor unless any prior usage record matches the caller's
// IP address or fingerprint (logical OR, most recent first).
func (gate *Gate) Check(ctx context.Context, ipAddress string, fingerprint string) (CheckResult, error) {
	usage, found, err := gate.store.FindUsage(ctx, ipAddress, fingerprint)
	if err != nil {
		return CheckResult{}, err
	}
	if found {
		gate.logger.Debug("guest limit denied",
			zap.String("ip_address", ipAddress),
			zap.String("fingerprint", fingerprint),
			zap.String("matched_usage", usage.ID),
		)
		return CheckResult{
			Allowed:           false,
			Reason:            ReasonAlreadyUsed,
			RemainingAttempts: 0,
			UsedAtUnixUTC:     usage.UsedAtUnixUTC,
		}, nil
	}
	return CheckResult{Allowed: true, RemainingAttempts: 1}, nil
}

// Record persists a usage record after the upstream generation task is
// confirmed started. A client crashing between task creation and Record gets
// a free extra attempt; that race is accepted.
func (gate *Gate) Record(ctx context.Context, params RecordParams) (Usage, error) {
	if strings.TrimSpace(params.Fingerprint) == "" {
		return Usage{}, fmt.Errorf("%w: fingerprint", ErrMissingField)
	}
	if strings.TrimSpace(params.VideoID) == "" {
		return Usage{}, fmt.Errorf("%w: video id", ErrMissingField)
	}
	usage, err := gate.store.CreateUsage(ctx, Usage{
		IPAddress:     params.IPAddress,
		Fingerprint:   params.Fingerprint,
		UserAgent:     params.UserAgent,
		VideoID:       params.VideoID,
		UsedAtUnixUTC: gate.nowFn(),
	})
	if err != nil {
		return Usage{}, err
	}
	gate.logger.Info("guest usage recorded",
		zap.String("usage_id", usage.ID),
		zap.String("ip_address", usage.IPAddress),
		zap.String("video_id", usage.VideoID),
	)
	return usage, nil
}

// ClientIP derives the caller's address from trusted proxy headers, highest
// priority first: CDN header, then forwarded-for, then real-ip.
func ClientIP(header http.Header) string {
	if value := strings.TrimSpace(header.Get(headerCFConnectingIP)); value != "" {
		return value
	}
	if value := header.Get(headerForwardedFor); value != "" {
		first := strings.TrimSpace(strings.Split(value, ",")[0])
		if first != "" {
			return first
		}
	}
	if value := strings.TrimSpace(header.Get(headerRealIP)); value != "" {
		return value
	}
	return fallbackIPAddress
}
