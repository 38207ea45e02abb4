// internal/auth/service.go
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"survey-bot/internal/models"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("role may not use the API")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims identify the account behind an API token.
type Claims struct {
	AccountID  uint        `json:"account_id"`
	ExternalID int64       `json:"external_id"`
	Role       models.Role `json:"role"`
	jwt.StandardClaims
}

type Service struct {
	repo      *Repository
	jwtSecret []byte
	ttl       time.Duration
	log       *zap.Logger
}

func NewService(repo *Repository, jwtSecret string, ttl time.Duration, log *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		log:       log,
	}
}

// IssueAPIKey generates a fresh key for the account and stores its bcrypt
// hash. The previous key stops working.
func (s *Service) IssueAPIKey(ctx context.Context, account *models.Account) (string, error) {
	if !account.Role.CanAuthor() {
		return "", ErrForbidden
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	key := hex.EncodeToString(buf)

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := s.repo.SetAPIKeyHash(ctx, account.ID, string(hashed)); err != nil {
		return "", err
	}
	account.APIKeyHash = string(hashed)
	s.log.Info("api key issued", zap.Int64("external_id", account.ExternalID))
	return key, nil
}

// Token exchanges an API key for a signed JWT.
func (s *Service) Token(ctx context.Context, externalID int64, apiKey string) (string, error) {
	account, err := s.repo.GetAccountByExternalID(ctx, externalID)
	if errors.Is(err, ErrAccountNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if account.APIKeyHash == "" {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.APIKeyHash), []byte(apiKey)); err != nil {
		return "", ErrInvalidCredentials
	}
	if !account.Role.CanAuthor() {
		return "", ErrForbidden
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		AccountID:  account.ID,
		ExternalID: account.ExternalID,
		Role:       account.Role,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
		},
	})
	return token.SignedString(s.jwtSecret)
}

func (s *Service) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate parses a token and reloads its account, so a role change or
// deletion takes effect before the token expires. The returned claims carry
// the current role.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.GetAccountByExternalID(ctx, claims.ExternalID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if account.ID != claims.AccountID {
		return nil, ErrInvalidToken
	}
	claims.Role = account.Role
	return claims, nil
}
