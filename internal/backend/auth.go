// ABOUTME: Auth phase: status poll, one sign-in confirmation from the credential store, one re-poll.
// ABOUTME: JWT credentials are checked for expiry locally before being sent.

package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is a cached sign-in token.
type Credential struct {
	Token string
	User  string
	AppID string
}

// CredentialStore supplies the cached credential. It returns ErrNoCredential
// when nothing is cached.
type CredentialStore interface {
	Credential(ctx context.Context) (Credential, error)
}

// StaticCredentials is a CredentialStore holding one fixed credential.
type StaticCredentials Credential

func (c StaticCredentials) Credential(context.Context) (Credential, error) {
	if c.Token == "" {
		return Credential{}, ErrNoCredential
	}
	return Credential(c), nil
}

// checkExpiry rejects JWT tokens whose exp claim is in the past. Opaque
// tokens pass through; only the backend can judge them.
func checkExpiry(token string, now time.Time) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if now.After(exp.Time) {
		return fmt.Errorf("%w at %s", ErrCredentialExpired, exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

func (s *Session) checkStatus(ctx context.Context) (string, error) {
	var res statusResult
	if err := s.conn.Call(ctx, MethodCheckStatus, map[string]any{}, &res); err != nil {
		return "", fmt.Errorf("check status: %w", err)
	}
	s.setUser(res.User)
	return res.Status, nil
}

func (s *Session) authenticate(ctx context.Context) error {
	status, err := s.checkStatus(ctx)
	if err != nil {
		return err
	}
	s.setAuthStatus(status)
	if Authenticated(status) {
		return nil
	}

	s.logger.Info("backend not signed in, trying cached credential", "status", status)
	if s.cfg.Credentials == nil {
		return &AuthError{Status: status, Err: ErrNoCredential}
	}
	cred, err := s.cfg.Credentials.Credential(ctx)
	if err != nil {
		return &AuthError{Status: status, Err: err}
	}
	if err := checkExpiry(cred.Token, s.now()); err != nil {
		return &AuthError{Status: status, Err: err}
	}

	var confirm statusResult
	params := signInParams{Token: cred.Token, User: cred.User, AppID: cred.AppID}
	if err := s.conn.Call(ctx, MethodSignInConfirm, params, &confirm); err != nil {
		return &AuthError{Status: status, Err: err}
	}

	status, err = s.checkStatus(ctx)
	if err != nil {
		return err
	}
	s.setAuthStatus(status)
	if !Authenticated(status) {
		return &AuthError{Status: status}
	}
	s.logger.Info("signed in with cached credential", "user", s.User())
	return nil
}
