package oidc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"hiegate/pkg/store"
)

const (
	loginStatePrefix = "sso:"
	LoginStateTTL    = 10 * time.Minute
)

var ErrInvalidState = errors.New("invalid or expired login state")

// LoginStates holds single-use SSO login state tokens and their nonce.
type LoginStates struct {
	cache store.Cache
	ttl   time.Duration
}

func NewLoginStates(cache store.Cache) *LoginStates {
	return &LoginStates{cache: cache, ttl: LoginStateTTL}
}

func (s *LoginStates) Issue(ctx context.Context) (state, nonce string, err error) {
	state, nonce = uuid.NewString(), uuid.NewString()
	if err := s.cache.Set(ctx, loginStatePrefix+state, nonce, s.ttl); err != nil {
		return "", "", err
	}
	return state, nonce, nil
}

// Consume redeems a state exactly once and returns its nonce.
func (s *LoginStates) Consume(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", ErrInvalidState
	}
	nonce, err := s.cache.Take(ctx, loginStatePrefix+state)
	if store.IsMiss(err) {
		return "", ErrInvalidState
	}
	return nonce, err
}
