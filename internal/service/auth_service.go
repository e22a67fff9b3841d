package service

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetsim-labs/fleetsim/internal/config"
)

// sessionTTL is how long an operator login stays valid.
const sessionTTL = 12 * time.Hour

// tokenIssuer marks control-API session tokens. Devices carry their own
// JWTs issued by the fleet-management backend; the two must never validate
// against each other.
const tokenIssuer = "fleetsim-control"

// ErrInvalidCredentials is returned for any login failure; the response
// never reveals which field was wrong.
var ErrInvalidCredentials = errors.New("invalid username or password")

// AuthService guards the control API: it checks the configured operator
// credentials and issues the session tokens the /api group requires.
type AuthService struct {
	enabled  bool
	username string
	password string // plaintext or a bcrypt hash
	secret   []byte
}

// Claims is the session-token payload for a control-API operator.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewAuthService reads the operator credentials from config. Unset fields
// fall back to the packaged defaults so a bare config still boots.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{
		enabled:  cfg.Auth.Enabled,
		username: orDefault(cfg.Auth.Username, "admin"),
		password: orDefault(cfg.Auth.Password, "admin123"),
		secret:   []byte(orDefault(cfg.Auth.JWTSecret, "fleetsim-default-secret")),
	}
}

// Enabled reports whether the control API enforces login.
func (a *AuthService) Enabled() bool {
	return a != nil && a.enabled
}

// Username returns the configured operator name.
func (a *AuthService) Username() string {
	if a == nil {
		return ""
	}
	return a.username
}

// Authenticate checks the operator credentials and issues a session token.
func (a *AuthService) Authenticate(username, password string) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	if !a.credentialsMatch(username, password) {
		return "", ErrInvalidCredentials
	}
	now := time.Now()
	claims := Claims{
		Username: a.username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   a.username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses a session token and returns its claims. Only HS256
// tokens carrying our issuer are accepted.
func (a *AuthService) Validate(token string) (*Claims, error) {
	if !a.Enabled() {
		return &Claims{Username: "anonymous"}, nil
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// credentialsMatch compares both fields without short-circuiting on the
// username, so login timing does not leak which field was wrong.
func (a *AuthService) credentialsMatch(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(username)), []byte(a.username)) == 1
	return a.passwordMatch(password) && userOK
}

func (a *AuthService) passwordMatch(input string) bool {
	if isBcryptHash(a.password) {
		return bcrypt.CompareHashAndPassword([]byte(a.password), []byte(input)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(input), []byte(a.password)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func orDefault(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}
