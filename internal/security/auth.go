package security

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DemoTokenPrefix marks demo tokens of the form "demo-<role>".
const DemoTokenPrefix = "demo-"

// APIKey binds a static bearer token to a user and platform role.
type APIKey struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Role   string `json:"role" yaml:"role"`
}

// AuthConfig selects the accepted credential types.
type AuthConfig struct {
	// DemoMode accepts "demo-<role>" tokens instead of JWTs.
	DemoMode bool
	// JWTSecret verifies HS256 tokens when DemoMode is off.
	JWTSecret string
	// DefaultRole applies to JWTs without a role claim.
	DefaultRole string
	// APIKeys are always accepted, in any mode.
	APIKeys map[string]APIKey
}

// Authenticator resolves bearer tokens to principals.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = RoleViewer
	}
	return &Authenticator{cfg: cfg, logger: logger}
}

// DemoMode reports whether demo tokens are accepted.
func (a *Authenticator) DemoMode() bool { return a.cfg.DemoMode }

// Authenticate validates token and returns the caller.
// Errors wrap ErrUnauthenticated.
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	if p, ok := a.apiKey(token); ok {
		return p, nil
	}

	if a.cfg.DemoMode {
		return parseDemoToken(token)
	}
	return a.parseJWT(token)
}

// apiKey compares token against every configured key in constant time.
func (a *Authenticator) apiKey(token string) (*Principal, bool) {
	var match *Principal
	for key, k := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			match = &Principal{UserID: k.UserID, Role: k.Role, Method: "api_key"}
		}
	}
	return match, match != nil
}

func parseDemoToken(token string) (*Principal, error) {
	role, ok := strings.CutPrefix(token, DemoTokenPrefix)
	if !ok || !IsKnownRole(role) {
		return nil, fmt.Errorf("%w: invalid demo token", ErrUnauthenticated)
	}
	return &Principal{
		UserID: "demo-user",
		Email:  "demo@" + role + ".local",
		Role:   role,
		Method: "demo",
	}, nil
}

func (a *Authenticator) parseJWT(token string) (*Principal, error) {
	if a.cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: jwt secret not configured", ErrUnauthenticated)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	p := &Principal{Method: "jwt", UserID: "unknown"}
	if v, ok := claims["user_id"]; ok {
		p.UserID = fmt.Sprint(v)
	} else if sub, ok := claims["sub"].(string); ok && sub != "" {
		p.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}

	p.Role = a.cfg.DefaultRole
	if role, ok := claims["role"].(string); ok {
		p.Role = role
	}
	if !IsKnownRole(p.Role) {
		a.logger.Debug("unknown role claim, downgrading to viewer",
			slog.String("user_id", p.UserID),
			slog.String("role", p.Role),
		)
		p.Role = RoleViewer
	}
	return p, nil
}
