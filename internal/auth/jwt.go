package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Verifier turns a bearer credential into a validated identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (chat.Identity, error)
}

// JWTConfig holds token signing configuration.
type JWTConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

// Claims are the custom claims carried by a chat token. Subject holds the user id.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTManager issues and verifies HS256 tokens.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewJWTManager creates a JWTManager. The secret must not be empty.
func NewJWTManager(cfg JWTConfig) (*JWTManager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret cannot be empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &JWTManager{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		now:    time.Now,
	}, nil
}

// Issue signs a token for the given identity.
func (m *JWTManager) Issue(id chat.Identity) (string, error) {
	now := m.now()
	claims := Claims{
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify implements Verifier.
func (m *JWTManager) Verify(_ context.Context, credential string) (chat.Identity, error) {
	if credential == "" {
		return chat.Identity{}, newError(KindMissing, nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return chat.Identity{}, newError(KindExpired, err)
		}
		return chat.Identity{}, newError(KindInvalid, err)
	}
	if !token.Valid {
		return chat.Identity{}, newError(KindInvalid, nil)
	}

	id := chat.Identity{UserID: claims.Subject, Username: claims.Username}
	if !id.Valid() {
		return chat.Identity{}, newError(KindInvalid, errors.New("token is missing subject or username"))
	}
	return id, nil
}
