// Package auth validates caller API keys against the deployment platform.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/solhaug/previewd/internal/dokploy"
)

var (
	// ErrInvalidCredential reports a key the platform rejected.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrUnavailable reports that validation could not run because the
	// platform was unreachable. Never cached.
	ErrUnavailable = errors.New("auth: credential validation unavailable")
)

// Verifier proves a credential against the deployment platform.
type Verifier interface {
	Validate(ctx context.Context, apiKey string) error
}

// Service authorizes API credentials with TTL memoization so hot request
// paths do not hit the platform every time.
type Service struct {
	cache    *Cache
	verifier Verifier
	log      *slog.Logger
}

// New builds an auth service.
func New(cache *Cache, verifier Verifier, log *slog.Logger) *Service {
	return &Service{cache: cache, verifier: verifier, log: log}
}

// Authorize checks a credential, consulting the cache first. Only
// definitive outcomes are memoized; a connectivity failure returns
// ErrUnavailable without touching the cache so recovery is immediate once
// the platform is back.
func (s *Service) Authorize(ctx context.Context, credential string) error {
	if valid, ok := s.cache.Check(credential); ok {
		if valid {
			return nil
		}
		return ErrInvalidCredential
	}

	err := s.verifier.Validate(ctx, credential)
	switch {
	case err == nil:
		s.cache.Record(credential, true)
		return nil
	case errors.Is(err, dokploy.ErrUnauthorized):
		s.cache.Record(credential, false)
		return ErrInvalidCredential
	default:
		s.log.Warn("credential validation unreachable", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
