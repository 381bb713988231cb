package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/token/config"
)

var ErrInvalidToken = errors.New("invalid token")

const defaultTTL = 24 * time.Hour

// Claims - учетная запись, роль и пригласивший реселлер
type Claims struct {
	Account  string     `json:"acc"`
	Role     model.Role `json:"role"`
	Referrer string     `json:"ref,omitempty"`
	jwt.RegisteredClaims
}

// Build подписывает токен для субъекта. TTL из конфигурации, если ttl не задан.
func Build(cfg config.Config, actor model.Actor, ttl time.Duration) (string, error) {
	if actor.AccountID == "" || !actor.Role.Valid() {
		return "", ErrInvalidToken
	}
	if ttl <= 0 {
		ttl = cfg.TTL
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := time.Now()
	claims := Claims{
		Account:  actor.AccountID,
		Role:     actor.Role,
		Referrer: actor.Referrer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func Parse(cfg config.Config, tokenString string) (model.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return model.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Account == "" || !claims.Role.Valid() {
		return model.Actor{}, ErrInvalidToken
	}
	return model.Actor{
		AccountID: claims.Account,
		Role:      claims.Role,
		Referrer:  claims.Referrer,
	}, nil
}
