// Package auth checks the configured credentials and issues the session
// tokens used by the REST API and the realtime socket.
package auth

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"pairchat/internal/config"
)

const issuer = "pairchat"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
)

// Directory is the fixed set of accounts allowed to log in.
type Directory struct {
	hashes map[string][]byte
}

func NewDirectory(accounts []config.Account) *Directory {
	d := &Directory{hashes: make(map[string][]byte, len(accounts))}
	for _, a := range accounts {
		d.hashes[a.Username] = []byte(a.PasswordHash)
	}
	return d
}

// Verify compares password with the stored bcrypt hash of username.
func (d *Directory) Verify(username, password string) error {
	hash, ok := d.hashes[username]
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Usernames lists the configured accounts in sorted order.
func (d *Directory) Usernames() []string {
	names := make([]string, 0, len(d.hashes))
	for name := range d.hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Claims are the JWT claims of a session token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Tokens issues and validates HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for username and its expiry.
func (t *Tokens) Issue(username string) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate parses token and returns the username it was issued for.
func (t *Tokens) Validate(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Username == "" {
		return "", ErrInvalidToken
	}
	return claims.Username, nil
}
