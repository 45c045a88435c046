package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nickyhof/dotdata/config"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/db"
)

var (
	ErrAuthRequired = errors.New("authentication required: send AUTH JWT <token>")
	ErrTokenExpired = errors.New("token expired: authentication required")
)

// AuthConfig configures server authentication.
type AuthConfig struct {
	// Enabled requires every connection to send AUTH before running scripts.
	Enabled bool

	// JWTSecret is the shared secret for HMAC (HS256/384/512) validation.
	JWTSecret string

	// Issuer and Audience are checked against "iss" and "aud" when set.
	Issuer   string
	Audience string

	// NameClaim and EmailClaim default to "name" and "email".
	NameClaim  string
	EmailClaim string
}

func authConfigFrom(server config.Server) *AuthConfig {
	if server.JWTSecret == "" {
		return nil
	}
	return &AuthConfig{
		Enabled:   true,
		JWTSecret: server.JWTSecret,
		Issuer:    server.JWTIssuer,
		Audience:  server.JWTAudience,
	}
}

// ConnectionState tracks the identity and session of one connection.
type ConnectionState struct {
	identity      *core.Identity
	authenticated bool
	tokenExpiry   time.Time
	session       *db.Session
}

func (cs *ConnectionState) IsAuthenticated() bool {
	return cs.authenticated
}

func (cs *ConnectionState) Identity() *core.Identity {
	return cs.identity
}

func (cs *ConnectionState) expired(now time.Time) bool {
	return !cs.tokenExpiry.IsZero() && now.After(cs.tokenExpiry)
}

type authResult struct {
	identity  core.Identity
	expiresAt time.Time
	err       error
}

func (s *Server) validateJWT(tokenString string) authResult {
	if s.authConfig == nil || s.authConfig.JWTSecret == "" {
		return authResult{err: errors.New("authentication not configured")}
	}

	nameClaim := s.authConfig.NameClaim
	if nameClaim == "" {
		nameClaim = "name"
	}
	emailClaim := s.authConfig.EmailClaim
	if emailClaim == "" {
		emailClaim = "email"
	}

	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if s.authConfig.Issuer != "" {
		options = append(options, jwt.WithIssuer(s.authConfig.Issuer))
	}
	if s.authConfig.Audience != "" {
		options = append(options, jwt.WithAudience(s.authConfig.Audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(s.authConfig.JWTSecret), nil
	}, options...)
	if err != nil {
		return authResult{err: fmt.Errorf("invalid token: %w", err)}
	}

	name, _ := claims[nameClaim].(string)
	email, _ := claims[emailClaim].(string)
	if name == "" && email == "" {
		return authResult{err: fmt.Errorf("token missing identity claims (%s or %s)", nameClaim, emailClaim)}
	}

	var expiresAt time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Time
	}
	return authResult{
		identity:  core.Identity{Name: name, Email: email},
		expiresAt: expiresAt,
	}
}

// parseAuthCommand splits "AUTH JWT <token>".
func parseAuthCommand(line string) (authType, token string, err error) {
	parts := strings.Fields(line)
	if len(parts) == 0 || !strings.EqualFold(parts[0], "AUTH") {
		return "", "", errors.New("not an AUTH command")
	}
	if len(parts) != 3 {
		return "", "", errors.New("invalid AUTH command: expected AUTH <type> <credentials>")
	}
	authType = strings.ToUpper(parts[1])
	if authType != "JWT" {
		return "", "", fmt.Errorf("unsupported auth type: %s", parts[1])
	}
	return authType, parts[2], nil
}

func isAuthCommand(line string) bool {
	fields := strings.Fields(line)
	return len(fields) > 0 && strings.EqualFold(fields[0], "AUTH")
}

// handleAuth validates the token and swaps the connection's session for one
// whose commits carry the token identity. Script state does not survive
// re-authentication.
func (s *Server) handleAuth(ctx context.Context, line string, state *ConnectionState) Response {
	_, token, err := parseAuthCommand(line)
	if err != nil {
		return Response{Type: "auth", Error: err.Error()}
	}

	result := s.validateJWT(token)
	if result.err != nil {
		s.logger.Warn("authentication failed", "error", result.err)
		return Response{Type: "auth", Error: result.err.Error()}
	}

	if state.session != nil {
		if err := state.session.Close(ctx); err != nil {
			s.logger.Warn("closing session", "error", err)
		}
	}
	state.identity = &result.identity
	state.authenticated = true
	state.tokenExpiry = result.expiresAt
	state.session = s.instance.Engine(result.identity).NewSession()

	ar := AuthResponse{
		Authenticated: true,
		Identity:      fmt.Sprintf("%s <%s>", result.identity.Name, result.identity.Email),
	}
	if !result.expiresAt.IsZero() {
		ar.ExpiresIn = int(time.Until(result.expiresAt).Seconds())
	}
	data, err := json.Marshal(ar)
	if err != nil {
		return Response{Type: "auth", Error: err.Error()}
	}
	s.logger.Info("authenticated", "identity", ar.Identity)
	return Response{Success: true, Type: "auth", Result: data}
}
