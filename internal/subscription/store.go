package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"popovka-vpn/internal/models"
)

// Store persists subscriptions.
type Store interface {
	Get(ctx context.Context, id uint) (*models.Subscription, error)
	ListByUser(ctx context.Context, userID uint) ([]models.Subscription, error)
	Create(ctx context.Context, params CreateParams) (*models.Subscription, error)
	Save(ctx context.Context, sub *models.Subscription) error
	SaveAll(ctx context.Context, subs []*models.Subscription) error

	ListExpired(ctx context.Context, now time.Time) ([]models.Subscription, error)
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error)
	ListFreezeEnded(ctx context.Context, now time.Time) ([]models.Subscription, error)
	ListWithClient(ctx context.Context) ([]models.Subscription, error)
}

type CreateParams struct {
	UserID        uint
	PlanID        uint
	StartDate     *time.Time // defaults to now
	EndDate       *time.Time // defaults to StartDate + plan duration
	AutoRenew     bool
	PaymentMethod string
}

type GormStore struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db, now: time.Now}
}

func (s *GormStore) Get(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.DB.WithContext(ctx).Preload("User").Preload("Plan").First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription %d: %w", id, err)
	}
	return &sub, nil
}

func (s *GormStore) ListByUser(ctx context.Context, userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	if err := s.DB.WithContext(ctx).Preload("Plan").Where("user_id = ?", userID).Order("id").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for user %d: %w", userID, err)
	}
	return subs, nil
}

func (s *GormStore) Create(ctx context.Context, params CreateParams) (*models.Subscription, error) {
	db := s.DB.WithContext(ctx)

	var user models.User
	if err := db.First(&user, params.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrInvalidReference, params.UserID)
		}
		return nil, fmt.Errorf("failed to load user %d: %w", params.UserID, err)
	}
	var plan models.Plan
	if err := db.First(&plan, params.PlanID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: plan %d", ErrInvalidReference, params.PlanID)
		}
		return nil, fmt.Errorf("failed to load plan %d: %w", params.PlanID, err)
	}

	start := s.now()
	if params.StartDate != nil {
		start = *params.StartDate
	}
	end := start.Add(plan.Duration())
	if params.EndDate != nil {
		end = *params.EndDate
	}

	sub := models.Subscription{
		UserID:    user.ID,
		PlanID:    plan.ID,
		Status:    models.StatusActive,
		StartDate: start,
		EndDate:   end,
		AutoRenew: params.AutoRenew,
	}
	if params.AutoRenew {
		sub.AutoRenewPaymentMethod = params.PaymentMethod
	}
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := db.Omit("User", "Plan").Create(&sub).Error; err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	sub.User = user
	sub.Plan = plan
	return &sub, nil
}

// Save writes the full subscription state guarded by its version. A stale version
// returns ErrConcurrentModification and leaves sub unchanged.
func (s *GormStore) Save(ctx context.Context, sub *models.Subscription) error {
	return s.save(s.DB.WithContext(ctx), sub)
}

// SaveAll writes every subscription in one transaction. On error nothing is
// written and every version is restored; a stale row yields a *ConflictError.
func (s *GormStore) SaveAll(ctx context.Context, subs []*models.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	versions := make([]uint, len(subs))
	for i, sub := range subs {
		versions[i] = sub.Version
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sub := range subs {
			if err := s.save(tx, sub); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for i, sub := range subs {
			sub.Version = versions[i]
		}
	}
	return err
}

func (s *GormStore) save(db *gorm.DB, sub *models.Subscription) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	prev := sub.Version
	sub.Version = prev + 1
	res := db.Model(sub).
		Where("version = ?", prev).
		Select("*").
		Omit("ID", "CreatedAt", "User", "Plan").
		Updates(sub)
	if res.Error != nil {
		sub.Version = prev
		return fmt.Errorf("failed to save subscription %d: %w", sub.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		sub.Version = prev
		var n int64
		if err := db.Model(&models.Subscription{}).Where("id = ?", sub.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("failed to check subscription %d: %w", sub.ID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %d", ErrNotFound, sub.ID)
		}
		return &ConflictError{ID: sub.ID}
	}
	return nil
}

func (s *GormStore) ListExpired(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.DB.WithContext(ctx).Preload("User").Preload("Plan").
		Where("status = ? AND is_frozen = ? AND end_date < ?", models.StatusActive, false, now).
		Order("id").Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired subscriptions: %w", err)
	}
	return subs, nil
}

func (s *GormStore) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.DB.WithContext(ctx).Preload("User").
		Where("status = ? AND is_frozen = ? AND end_date BETWEEN ? AND ?", models.StatusActive, false, from, to).
		Order("id").Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	return subs, nil
}

func (s *GormStore) ListFreezeEnded(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.DB.WithContext(ctx).
		Where("status = ? AND is_frozen = ? AND freeze_end_date IS NOT NULL AND freeze_end_date < ?", models.StatusActive, true, now).
		Order("id").Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query frozen subscriptions: %w", err)
	}
	return subs, nil
}

// ListWithClient returns subscriptions with any remote client field recorded,
// including partially provisioned ones.
func (s *GormStore) ListWithClient(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.DB.WithContext(ctx).
		Where("panel_id IS NOT NULL OR inbound_id IS NOT NULL OR client_uuid IS NOT NULL OR client_email IS NOT NULL").
		Order("panel_id, id").Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query provisioned subscriptions: %w", err)
	}
	return subs, nil
}
