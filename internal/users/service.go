package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/auth"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownAccount indicates no account binds the user to a tenant.
	ErrUnknownAccount = errors.New("users: unknown account")
	// ErrInvalidAccount indicates an account that cannot be stored.
	ErrInvalidAccount = errors.New("users: invalid account")
)

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims to accounts.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Resolve returns the account of the session user. Profile details carried by
// the claims refresh the stored ones.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (Account, error) {
	userID := CanonicalUserID(claims)
	if userID == "" {
		return Account{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(userID); ok {
		if account, ok := cached.(Account); ok {
			return account, nil
		}
	}

	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, userID)
	}
	if err != nil {
		return Account{}, err
	}

	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := normalize(claims.UserEmail); email != "" && email != account.Email {
		updates["user_email"] = email
		account.Email = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != account.DisplayName {
		updates["user_display_name"] = display
		account.DisplayName = display
	}
	_ = s.db.WithContext(ctx).Model(&Account{}).Where("user_id = ?", userID).Updates(updates).Error

	s.cache.Store(userID, account)
	return account, nil
}

// Upsert creates or replaces the tenant and profile of an account.
func (s *Service) Upsert(ctx context.Context, account Account) (Account, error) {
	account.UserID = normalize(account.UserID)
	if account.UserID == "" {
		return Account{}, fmt.Errorf("%w: user id required", ErrInvalidAccount)
	}
	if account.CustomerID <= 0 {
		return Account{}, fmt.Errorf("%w: customer id must be positive", ErrInvalidAccount)
	}
	profile, err := schema.ParseProfile(account.Profile)
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	account.Profile = profile.String()
	account.LastSeenAt = s.now()

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"customer_id", "profile", "user_email", "user_display_name", "updated_at"}),
	}).Create(&account).Error
	if err != nil {
		return Account{}, err
	}
	s.cache.Delete(account.UserID)
	return account, nil
}

// CanonicalUserID strips a provider prefix such as "google:" from the user id.
func CanonicalUserID(claims auth.SessionClaims) string {
	raw := normalize(claims.UserID)
	if raw == "" {
		raw = normalize(claims.Subject)
	}
	if provider, subject, found := strings.Cut(raw, ":"); found && normalize(provider) != "" && normalize(subject) != "" {
		return normalize(subject)
	}
	return raw
}
