// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// analystKey is the echo context key holding the token subject.
const analystKey = "analyst"

// IssueToken mints an HS256 bearer token for subject, valid for ttl.
func IssueToken(secret []byte, subject string, now time.Time, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("console: empty signing secret")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// verifyToken parses and validates an HS256 token.
func verifyToken(secret []byte, raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func bearerToken(request *http.Request) string {
	if header := request.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return request.URL.Query().Get("token")
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := bearerToken(c.Request())
		if raw == "" {
			return respondError(c, http.StatusUnauthorized, errors.New("missing bearer token"))
		}
		claims, err := verifyToken(s.secret, raw)
		if err != nil {
			s.logger.Warn("rejected console token",
				"remote_addr", c.RealIP(),
				"error", err,
			)
			return respondError(c, http.StatusUnauthorized, fmt.Errorf("invalid token: %w", err))
		}
		c.Set(analystKey, claims.Subject)
		return next(c)
	}
}

// analyst returns the authenticated subject, or "anonymous".
func analyst(c echo.Context) string {
	if subject, ok := c.Get(analystKey).(string); ok && subject != "" {
		return subject
	}
	return "anonymous"
}
