// Copyright 2024 The eventhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/liveprompt/eventhub/common"
)

// RoleServiceRole is the role claim of backend callers allowed to publish events
const RoleServiceRole = "service_role"

// ErrUnauthorized missing or invalid credentials
var ErrUnauthorized = errors.New("unauthorized")

// Identity the authenticated caller
type Identity struct {
	// UserID is the token subject
	UserID string
	// Role is the token role claim
	Role string
}

// Claims the bearer token claims
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens
type Authenticator interface {
	// Authenticate verify a token, returning the caller identity
	Authenticate(token string) (Identity, error)
}

// jwtAuthenticatorImpl implements Authenticator for HS256 signed JWTs
type jwtAuthenticatorImpl struct {
	common.Component
	secret   []byte
	audience string
	parser   *jwt.Parser
}

// GetJWTAuthenticator define an Authenticator for HS256 JWTs signed with secret.
// When audience is not empty the "aud" claim of user tokens must contain it.
// Service role tokens are not checked for an audience.
func GetJWTAuthenticator(secret, audience string) (Authenticator, error) {
	logTags := log.Fields{
		"module": "auth", "component": "jwt-authenticator",
	}
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(time.Second * 5),
	}
	return &jwtAuthenticatorImpl{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(secret),
		audience:  audience,
		parser:    jwt.NewParser(options...),
	}, nil
}

// Authenticate verify a token, returning the caller identity
func (a *jwtAuthenticatorImpl) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: no token", ErrUnauthorized)
	}
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Debug("Token rejected")
		return Identity{}, fmt.Errorf("%w: %s", ErrUnauthorized, err.Error())
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Role == RoleServiceRole {
		return Identity{UserID: claims.Subject, Role: claims.Role}, nil
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	if a.audience != "" && !slices.Contains(claims.Audience, a.audience) {
		log.WithFields(a.LogTags).Debugf("Token audience %v rejected", claims.Audience)
		return Identity{}, fmt.Errorf("%w: token audience not accepted", ErrUnauthorized)
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// BearerToken read the token from an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: no Authorization header", ErrUnauthorized)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed Authorization header", ErrUnauthorized)
	}
	return strings.TrimSpace(token), nil
}

// IssueToken creates a signed HS256 JWT, for tests and local tooling
func IssueToken(
	secret, subject, role string, audience []string, ttl time.Duration,
) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  audience,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
