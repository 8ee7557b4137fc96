// Package auth implements the environment-gated authorization flow: a gate
// that either hands out a fixed development identity or delegates to a token
// verifier, plus the store-backed verifier used in production.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/intentd/intent-server/internal/config"
	"github.com/intentd/intent-server/internal/logs"
	"github.com/intentd/intent-server/internal/store"
)

// DevIdentity is the fixed owner reported in bypass mode.
const DevIdentity = "dev_user"

// ErrAuthentication is the only error the gate returns. Callers map it to
// HTTP 401 with a fixed detail message; the underlying cause stays in the
// server logs.
var ErrAuthentication = errors.New("authentication failed")

// TokenVerifier resolves the caller identity from the request credentials.
// Any error means the caller is not authenticated.
type TokenVerifier interface {
	Verify(ctx context.Context, r *http.Request) (identity string, err error)
}

// Gate decides once, from the operating mode, whether requests bypass
// verification or go through the verifier.
type Gate struct {
	bypass   bool
	verifier TokenVerifier
	timeout  time.Duration
}

// NewGate builds the gate for the given mode. timeout bounds the verifier
// call; zero disables the bound.
func NewGate(mode config.Mode, verifier TokenVerifier, timeout time.Duration) *Gate {
	return &Gate{
		bypass:   mode == config.ModeDevelopment,
		verifier: verifier,
		timeout:  timeout,
	}
}

// Identify resolves the caller identity for a request. In bypass mode it
// returns DevIdentity without touching the verifier.
func (g *Gate) Identify(r *http.Request) (string, error) {
	if g.bypass {
		return DevIdentity, nil
	}
	if g.verifier == nil {
		logs.Log.Error("no token verifier configured, rejecting request")
		return "", ErrAuthentication
	}

	ctx := r.Context()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	identity, err := g.verifier.Verify(ctx, r)
	if err != nil {
		logs.Log.WithError(err).Error("token verification failed")
		return "", ErrAuthentication
	}
	return identity, nil
}

// StoreVerifier checks bearer tokens of the form sk-<id>-<secret> against
// the auth_tokens table.
type StoreVerifier struct {
	Store *store.Store
}

func (v *StoreVerifier) Verify(ctx context.Context, r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid Authorization header format")
	}

	id, secret, err := splitToken(parts[1])
	if err != nil {
		return "", err
	}

	rec, ok, err := v.Store.GetToken(ctx, id)
	if err != nil {
		return "", fmt.Errorf("token lookup: %w", err)
	}
	if !ok {
		return "", errors.New("unknown token")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)); err != nil {
		return "", errors.New("invalid token secret")
	}

	// Update last used (asynchronous, best effort).
	go func() {
		_ = v.Store.TouchToken(context.Background(), rec.ID)
	}()

	return rec.Name, nil
}

func splitToken(token string) (id, secret string, err error) {
	parts := strings.Split(token, "-")
	if len(parts) != 3 || parts[0] != "sk" || parts[1] == "" || parts[2] == "" {
		return "", "", errors.New("malformed token")
	}
	return parts[1], parts[2], nil
}

// GenerateToken creates a new API token named name, persists its record and
// returns the plaintext token. The plaintext is not recoverable afterwards.
func GenerateToken(ctx context.Context, s *store.Store, name string) (string, store.TokenRecord, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", store.TokenRecord{}, err
	}

	id := hex.EncodeToString(raw[:8])
	secret := hex.EncodeToString(raw[8:])
	token := "sk-" + id + "-" + secret

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", store.TokenRecord{}, err
	}

	rec := store.TokenRecord{
		ID:         id,
		Name:       name,
		SecretHash: string(hash),
		CreatedAt:  time.Now(),
	}
	if err := s.CreateToken(ctx, rec); err != nil {
		return "", store.TokenRecord{}, err
	}
	return token, rec, nil
}
