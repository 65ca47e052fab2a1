// Package users mirrors identity-provider profiles into the local database so
// the rest of the system can join on a stable user id.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrUserNotFound = errors.New("users: user not found")
	ErrInvalidUser  = errors.New("users: id and email are required")
)

// User is the locally mirrored profile.
type User struct {
	ID             string
	Email          string
	Name           string
	ImageURL       string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Store is the persistence contract for mirrored profiles.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (User, bool, error)
	UpsertUser(ctx context.Context, user User) (User, error)
}

// Service keeps the local user table in sync with the session provider.
type Service struct {
	store  Store
	nowFn  func() int64
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("users: store dependency is nil")
	}
	if now == nil {
		return nil, fmt.Errorf("users: clock dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, nowFn: now, logger: logger}, nil
}

// Sync upserts the caller's profile after sign-in. Called on every session
// creation, so it must be idempotent.
func (service *Service) Sync(ctx context.Context, profile User) (User, error) {
	profile.ID = strings.TrimSpace(profile.ID)
	profile.Email = strings.ToLower(strings.TrimSpace(profile.Email))
	if profile.ID == "" || profile.Email == "" {
		return User{}, ErrInvalidUser
	}
	profile.UpdatedUnixUTC = service.nowFn()
	existing, found, err := service.store.GetUserByID(ctx, profile.ID)
	if err != nil {
		return User{}, err
	}
	if found {
		profile.CreatedUnixUTC = existing.CreatedUnixUTC
	} else {
		profile.CreatedUnixUTC = profile.UpdatedUnixUTC
	}
	stored, err := service.store.UpsertUser(ctx, profile)
	if err != nil {
		return User{}, err
	}
	service.logger.Info("user profile synced",
		zap.String("user_id", stored.ID),
		zap.Bool("created", !found),
	)
	return stored, nil
}

type probeResult struct {
	user  User
	found bool
	err   error
	byID  bool
}

// Resolve finds the local profile for a session, probing by id and by email
// concurrently. The id match wins when both hit; the email fallback covers
// accounts created before the provider switched id formats.
func (service *Service) Resolve(ctx context.Context, userID string, email string) (User, error) {
	userID = strings.TrimSpace(userID)
	email = strings.ToLower(strings.TrimSpace(email))

	results := make(chan probeResult, 2)
	probes := 0
	if userID != "" {
		probes++
		go func() {
			user, found, err := service.store.GetUserByID(ctx, userID)
			results <- probeResult{user: user, found: found, err: err, byID: true}
		}()
	}
	if email != "" {
		probes++
		go func() {
			user, found, err := service.store.GetUserByEmail(ctx, email)
			results <- probeResult{user: user, found: found, err: err}
		}()
	}
	if probes == 0 {
		return User{}, ErrUserNotFound
	}

	var emailMatch *User
	var firstError error
	for index := 0; index < probes; index++ {
		result := <-results
		if result.err != nil {
			if firstError == nil {
				firstError = result.err
			}
			continue
		}
		if !result.found {
			continue
		}
		if result.byID {
			// Drain remaining probes before returning would add nothing;
			// the channel is buffered so the goroutine never leaks.
			return result.user, nil
		}
		user := result.user
		emailMatch = &user
	}
	if emailMatch != nil {
		return *emailMatch, nil
	}
	if firstError != nil {
		return User{}, firstError
	}
	return User{}, ErrUserNotFound
}
