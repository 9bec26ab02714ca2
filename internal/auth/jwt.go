package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxTokenLen bounds the work done on attacker-supplied strings before any
// signature check.
const maxTokenLen = 8 * 1024

// Claims are the relay token claims. Room, when set, restricts the holder to
// that room.
type Claims struct {
	Room string `json:"room,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens carrying an expiry.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" || len(v.secret) == 0 {
		return Identity{}, ErrInvalidCredentials
	}
	if len(token) > maxTokenLen {
		return Identity{}, fmt.Errorf("%w: token too long", ErrInvalidCredentials)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	var claims Claims
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: token expired", ErrInvalidCredentials)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Subject: claims.Subject, Room: claims.Room}, nil
}

// IssueJWT signs an HS256 token for subject, valid for ttl from now. An
// empty room allows any room.
func IssueJWT(secret, subject, room string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Room: room,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
