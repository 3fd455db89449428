package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the canonical user id for a verified provider identity.
// First sight of a provider+subject pair allocates a new UUIDv7 account id.
func (s *Service) Resolve(ctx context.Context, claims auth.IdentityClaims) (string, error) {
	provider := strings.ToLower(normalize(claims.Provider))
	subject := normalize(claims.Subject)
	if provider == "" || subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			s.touch(ctx, provider, subject, claims)
			return userID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		userID, idErr := uuid.NewV7()
		if idErr != nil {
			return "", idErr
		}
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      userID.String(),
			Email:       normalize(claims.Email),
			DisplayName: normalize(claims.DisplayName),
			LastSeenAt:  s.now().UTC(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return "", err
		}
		s.logger.Info("identity registered",
			zap.String("provider", provider),
			zap.String("user_id", identity.UserID),
		)
	case err != nil:
		return "", err
	default:
		s.touch(ctx, provider, subject, claims)
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func (s *Service) touch(ctx context.Context, provider, subject string, claims auth.IdentityClaims) {
	updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
	if email := normalize(claims.Email); email != "" {
		updates["user_email"] = email
	}
	if display := normalize(claims.DisplayName); display != "" {
		updates["user_display_name"] = display
	}
	err := s.db.WithContext(ctx).Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("identity touch failed", zap.String("provider", provider), zap.Error(err))
	}
}
