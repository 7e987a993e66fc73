package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = errors.New("token expired")
)

type Claims struct {
	Owner string `json:"owner"`
	jwt.RegisteredClaims
}

type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresInSec int64  `json:"expires_in_sec"`
}

// Service exchanges an owner's API key for a short-lived access token.
// Keys are configured as bcrypt hashes; nothing is persisted.
type Service struct {
	keys      map[string]string
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewService(ownerKeys map[string]string, secret string, accessTTL time.Duration) *Service {
	keys := make(map[string]string, len(ownerKeys))
	for owner, hash := range ownerKeys {
		keys[strings.TrimSpace(owner)] = strings.TrimSpace(hash)
	}
	return &Service{
		keys:      keys,
		secret:    []byte(secret),
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

// HashKey returns the bcrypt hash to place in the owner_keys config.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash owner key: %w", err)
	}
	return string(hash), nil
}

func (s *Service) Exchange(owner, apiKey string) (Token, error) {
	hash, ok := s.keys[owner]
	if !ok || owner == "" || apiKey == "" {
		return Token{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
		return Token{}, ErrUnauthorized
	}
	return s.issue(owner)
}

func (s *Service) ParseAccess(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Owner == "" {
		return Claims{}, ErrUnauthorized
	}
	return *claims, nil
}

func (s *Service) issue(owner string) (Token, error) {
	now := s.now().UTC()
	claims := Claims{
		Owner: owner,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "reelcast-server",
			Subject:   owner,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign access token: %w", err)
	}
	return Token{
		AccessToken:  access,
		ExpiresInSec: int64(s.accessTTL.Seconds()),
	}, nil
}
