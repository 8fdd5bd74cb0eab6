// services/controlplane/internal/core/auth.go
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/controlplane/internal/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuthenticationService validates admin API tokens and their scopes.
type AuthenticationService struct {
	store  Repository
	logger *logrus.Logger
}

func NewAuthenticationService(store Repository, logger *logrus.Logger) *AuthenticationService {
	return &AuthenticationService{store: store, logger: logger}
}

func (s *AuthenticationService) ValidateToken(ctx context.Context, token string) (*AccessToken, error) {
	accessToken, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, BusinessError{"AUTH_001", "invalid token"}
		}
		return nil, err
	}

	if accessToken.ExpiresAt != nil && accessToken.ExpiresAt.Before(time.Now()) {
		return nil, BusinessError{"AUTH_002", "token expired"}
	}

	// Update last access
	go s.store.UpdateTokenLastAccess(context.Background(), token)

	return accessToken, nil
}

func (s *AuthenticationService) CreateToken(ctx context.Context, description string, scopes []string, expiresIn time.Duration) (*AccessToken, error) {
	token, err := utils.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	var expiresAt *time.Time
	if expiresIn > 0 {
		exp := time.Now().Add(expiresIn)
		expiresAt = &exp
	}

	accessToken := &AccessToken{
		Token:       token,
		Description: description,
		Scopes:      scopes,
		ExpiresAt:   expiresAt,
	}

	if err := s.store.CreateAccessToken(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}

	s.logger.WithField("token_id", accessToken.ID).Info("Access token created")
	return accessToken, nil
}

func (s *AuthenticationService) HasScope(token *AccessToken, scope string) bool {
	for _, s := range token.Scopes {
		if s == scope || s == "admin" {
			return true
		}
	}
	return false
}
