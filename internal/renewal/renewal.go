// Package renewal charges users for auto-renewing subscriptions.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"popovka-vpn/internal/models"
	"popovka-vpn/internal/subscription"
)

const MethodBalance = "balance"

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnsupportedMethod   = errors.New("unsupported payment method")
)

// Renewer extends a subscription that reached its end date and persists it.
type Renewer interface {
	Renew(ctx context.Context, sub *models.Subscription, now time.Time) error
}

// BalanceRenewer debits the plan price from the user's balance.
type BalanceRenewer struct {
	DB *gorm.DB
}

func NewBalanceRenewer(db *gorm.DB) *BalanceRenewer {
	return &BalanceRenewer{DB: db}
}

// Renew debits the plan price, records the payment and extends EndDate by one plan
// period in a single transaction. On error sub is left unchanged.
func (r *BalanceRenewer) Renew(ctx context.Context, sub *models.Subscription, now time.Time) error {
	method := sub.AutoRenewPaymentMethod
	if method == "" {
		method = MethodBalance
	}
	if method != MethodBalance {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	if sub.Plan.ID == 0 || sub.Plan.DurationDays <= 0 {
		return fmt.Errorf("subscription %d has no renewable plan", sub.ID)
	}

	price := sub.Plan.Price
	next := *sub
	next.Notes = append([]models.Note(nil), sub.Notes...)
	base := sub.EndDate
	if !base.Add(sub.Plan.Duration()).After(now) {
		base = now
	}
	next.EndDate = base.Add(sub.Plan.Duration())
	next.AddNote(fmt.Sprintf("auto-renewed for %d days, charged %.2f", sub.Plan.DurationDays, price), now)
	next.UpdatedAt = now

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND balance >= ?", sub.UserID, price).
			Update("balance", gorm.Expr("balance - ?", price))
		if res.Error != nil {
			return fmt.Errorf("failed to debit user %d: %w", sub.UserID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: user %d, price %.2f", ErrInsufficientBalance, sub.UserID, price)
		}

		subID := sub.ID
		payment := models.Payment{
			UserID:         sub.UserID,
			SubscriptionID: &subID,
			Amount:         price,
			Status:         "succeeded",
			Type:           "auto_renewal",
			Method:         method,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}

		return subscription.NewGormStore(tx).Save(ctx, &next)
	})
	if err != nil {
		return err
	}

	*sub = next
	log.Info().
		Uint("subscription_id", sub.ID).
		Uint("user_id", sub.UserID).
		Float64("amount", price).
		Time("end_date", sub.EndDate).
		Msg("Subscription auto-renewed")
	return nil
}
