// Package auth implements the Auth Gate (spec.md §4.9): password
// verification, JWT session issuance/validation, and the brute-force
// rate limiter in ratelimit.go. Session state itself lives in the
// sessions SQLite table so a restart doesn't silently log everyone out.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/user"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// throwawayHash is compared against whenever a lookup misses, so an
// unknown username still costs a bcrypt comparison (spec.md §4.9's
// timing-safe login contract). It is generated at bcrypt.MinCost, so the
// miss path does less work than a comparison against a user hash made by
// HashPassword at bcrypt.DefaultCost.
var throwawayHash, _ = bcrypt.GenerateFromPassword([]byte("throwaway-constant-time-padding"), bcrypt.MinCost)

type Claims struct {
	jwt.RegisteredClaims
	UserID   int64              `json:"uid"`
	Username string             `json:"username"`
	IsAdmin  bool               `json:"isAdmin"`
	Caps     []model.Capability `json:"caps"`
}

type Gate struct {
	users     *user.Store
	sessions  *sql.DB
	limiter   *RateLimiter
	jwtSecret []byte
	sessionTTL time.Duration
	log       *logging.Logger
}

func New(users *user.Store, sessionsDB *sql.DB, jwtSecret []byte, sessionTTL time.Duration) *Gate {
	return &Gate{
		users:      users,
		sessions:   sessionsDB,
		limiter:    NewRateLimiter(sessionsDB),
		jwtSecret:  jwtSecret,
		sessionTTL: sessionTTL,
		log:        logging.New("auth"),
	}
}

// Login authenticates username/password from the given client IP,
// applying the rate limiter before touching bcrypt at all.
func (g *Gate) Login(ctx context.Context, ip, username, password string) (token string, u model.User, err error) {
	allowed, retryAfter := g.limiter.Check(ip)
	if !allowed {
		return "", model.User{}, apperr.New(apperr.RateLimited, "too many attempts; retry in %s", retryAfter)
	}

	u, lookupErr := g.users.GetByUsername(ctx, username)
	hash := u.PasswordHash
	if lookupErr != nil || hash == "" {
		hash = string(throwawayHash)
	}
	cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	if lookupErr != nil || cmpErr != nil || u.Disabled {
		if recErr := g.limiter.RecordFailure(ip); recErr != nil {
			g.log.Warnf("recording failed login for %s: %v", ip, recErr)
		}
		return "", model.User{}, apperr.New(apperr.Auth, "invalid credentials")
	}

	if err := g.limiter.RecordSuccess(ip); err != nil {
		g.log.Warnf("clearing login history for %s: %v", ip, err)
	}
	_ = g.users.TouchLastLogin(ctx, u.ID)

	token, err = g.issueToken(u)
	if err != nil {
		return "", model.User{}, err
	}
	return token, u, nil
}

func (g *Gate) issueToken(u model.User) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.sessionTTL)),
		},
		UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin, Caps: u.Capabilities,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(g.jwtSecret)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "signing session token")
	}
	caps, _ := json.Marshal(u.Capabilities)
	_, err = g.sessions.Exec(`INSERT INTO sessions (token, user_id, username, is_admin, capabilities, expire)
		VALUES (?,?,?,?,?,?)`, signed, u.ID, u.Username, u.IsAdmin, string(caps), now.Add(g.sessionTTL))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "persisting session")
	}
	return signed, nil
}

// Validate checks a session token's signature, expiry, and presence in
// the sessions table (so InvalidateUser's cascade actually revokes
// still-unexpired tokens rather than relying on JWT expiry alone).
func (g *Gate) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return g.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperr.New(apperr.Auth, "invalid session token")
	}
	var expire time.Time
	row := g.sessions.QueryRow(`SELECT expire FROM sessions WHERE token = ?`, token)
	if err := row.Scan(&expire); err != nil {
		return nil, apperr.New(apperr.Auth, "session revoked")
	}
	if time.Now().After(expire) {
		return nil, apperr.New(apperr.Auth, "session expired")
	}
	return claims, nil
}

// Logout revokes a single session token.
func (g *Gate) Logout(token string) error {
	_, err := g.sessions.Exec(`DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "revoking session")
	}
	return nil
}

// InvalidateUser revokes every session belonging to a user, e.g. after a
// password change or capability edit (spec.md §4.9's invalidation
// cascade).
func (g *Gate) InvalidateUser(userID int64) error {
	_, err := g.sessions.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "invalidating sessions for user")
	}
	return nil
}

// VerifyBasic authenticates the torrent-WebUI-compatible REST facade's
// HTTP Basic credentials (spec.md §4.12): either a real username+password
// pair, or any username paired with an admin's API key as the password.
// No rate limiting here; the facade is admin-only and API-key carrying,
// not a brute-forceable login form.
func (g *Gate) VerifyBasic(ctx context.Context, username, password string) bool {
	u, err := g.users.GetByUsername(ctx, username)
	if err == nil && !u.Disabled && u.IsAdmin && bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil {
		return true
	}
	keyUser, err := g.users.GetByAPIKey(ctx, password)
	return err == nil && !keyUser.Disabled && keyUser.IsAdmin
}

// IsValidAdminKey authenticates the Torznab apikey query parameter
// against any enabled admin's API key.
func (g *Gate) IsValidAdminKey(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	u, err := g.users.GetByAPIKey(context.Background(), apiKey)
	return err == nil && !u.Disabled && u.IsAdmin
}

// ValidatePassword enforces spec.md §4.5's password policy: at least 8
// characters, one digit, one letter, one non-alphanumeric character.
func ValidatePassword(plain string) error {
	if len(plain) < 8 {
		return apperr.New(apperr.Config, "password must be at least 8 characters")
	}
	var hasDigit, hasLetter, hasSymbol bool
	for _, r := range plain {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			hasLetter = true
		default:
			hasSymbol = true
		}
	}
	if !hasDigit || !hasLetter || !hasSymbol {
		return apperr.New(apperr.Config, "password must contain a digit, a letter, and a symbol")
	}
	return nil
}

// HashPassword is the only place bcrypt.GenerateFromPassword is called
// from outside the throwaway-hash constant, keeping the cost factor in
// one place.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "hashing password")
	}
	return string(hash), nil
}

// GenerateAPIKey mints a random 32-byte hex token for Torznab/WebUI
// compatibility-surface authentication.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "generating api key")
	}
	return hex.EncodeToString(buf), nil
}
