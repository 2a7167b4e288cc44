package subscription

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"popovka-vpn/internal/lock"
	"popovka-vpn/internal/metrics"
	"popovka-vpn/internal/models"
	"popovka-vpn/internal/panel"
)

const bytesPerGB int64 = 1 << 30

type Options struct {
	// Quota and expiry used for a migrated client when the old one cannot be read.
	DefaultQuotaBytes int64
	DefaultExpiryDays int
	// FreezeExtendsEndDate adds the frozen period back onto EndDate on unfreeze.
	FreezeExtendsEndDate bool
}

func DefaultOptions() Options {
	return Options{
		DefaultQuotaBytes: bytesPerGB,
		DefaultExpiryDays: 30,
	}
}

// Engine applies subscription state transitions and keeps the panel client in step.
type Engine struct {
	store     Store
	connector panel.Connector
	locker    lock.Locker
	opts      Options
	now       func() time.Time
}

func NewEngine(store Store, connector panel.Connector, locker lock.Locker, opts Options) *Engine {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if opts.DefaultQuotaBytes <= 0 {
		opts.DefaultQuotaBytes = bytesPerGB
	}
	if opts.DefaultExpiryDays <= 0 {
		opts.DefaultExpiryDays = 30
	}
	return &Engine{
		store:     store,
		connector: connector,
		locker:    locker,
		opts:      opts,
		now:       time.Now,
	}
}

type FreezeParams struct {
	EndDate       *time.Time
	Reason        string
	SkipPanelSync bool
}

type UnfreezeParams struct {
	SkipPanelSync bool
}

type CancelParams struct {
	Reason        string
	SkipPanelSync bool
}

func (e *Engine) Get(ctx context.Context, id uint) (*models.Subscription, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) ListByUser(ctx context.Context, userID uint) ([]models.Subscription, error) {
	return e.store.ListByUser(ctx, userID)
}

// notSyncedNote marks a record whose panel client still needs the reconciler.
func notSyncedNote(op string) string {
	return op + ": panel client not updated"
}

// mutate loads the subscription under its lock and runs fn with it.
func (e *Engine) mutate(ctx context.Context, op string, id uint, fn func(sub *models.Subscription) error) (sub *models.Subscription, err error) {
	defer func() { metrics.RecordOperation(op, resultLabel(err)) }()

	unlock, err := e.locker.Lock(ctx, strconv.FormatUint(uint64(id), 10))
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription %d: %w", id, err)
	}
	defer unlock()

	sub, err = e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Freeze suspends an active subscription. The panel client is disabled best-effort:
// a panel failure is logged and the local freeze is still committed.
func (e *Engine) Freeze(ctx context.Context, id uint, params FreezeParams) (*models.Subscription, error) {
	return e.mutate(ctx, "freeze", id, func(sub *models.Subscription) error {
		if sub.IsFrozen {
			return ErrAlreadyFrozen
		}
		if sub.Status != models.StatusActive {
			return fmt.Errorf("%w: cannot freeze %s subscription", ErrInvalidState, sub.Status)
		}
		now := e.now()
		if params.EndDate != nil && !params.EndDate.After(now) {
			return fmt.Errorf("%w: freeze end date must be in the future", ErrInvalidArgument)
		}

		sub.IsFrozen = true
		sub.FreezeStartDate = &now
		sub.FreezeEndDate = params.EndDate
		sub.FreezeReason = params.Reason

		if !params.SkipPanelSync && !SyncClientState(ctx, e.connector, sub, false, "freeze") {
			sub.AddNote(notSyncedNote("freeze"), now)
		}

		sub.UpdatedAt = now
		if err := e.store.Save(ctx, sub); err != nil {
			return err
		}
		log.Info().Uint("subscription_id", sub.ID).Str("reason", params.Reason).Msg("Subscription frozen")
		return nil
	})
}

// Unfreeze resumes a frozen subscription, enabling the panel client best-effort.
func (e *Engine) Unfreeze(ctx context.Context, id uint, params UnfreezeParams) (*models.Subscription, error) {
	return e.mutate(ctx, "unfreeze", id, func(sub *models.Subscription) error {
		if !sub.IsFrozen {
			return ErrNotFrozen
		}
		now := e.now()

		extended := false
		if e.opts.FreezeExtendsEndDate && sub.FreezeStartDate != nil {
			if frozen := now.Sub(*sub.FreezeStartDate); frozen > 0 {
				sub.EndDate = sub.EndDate.Add(frozen)
				sub.AddNote(fmt.Sprintf("end date extended by %s of freeze", frozen.Round(time.Minute)), now)
				extended = true
			}
		}

		sub.IsFrozen = false
		sub.FreezeStartDate = nil
		sub.FreezeEndDate = nil
		sub.FreezeReason = ""

		if !params.SkipPanelSync {
			synced := true
			if extended {
				synced = SyncClientExpiry(ctx, e.connector, sub, "unfreeze_expiry")
			}
			if !SyncClientState(ctx, e.connector, sub, true, "unfreeze") || !synced {
				sub.AddNote(notSyncedNote("unfreeze"), now)
			}
		}

		sub.UpdatedAt = now
		if err := e.store.Save(ctx, sub); err != nil {
			return err
		}
		log.Info().Uint("subscription_id", sub.ID).Msg("Subscription unfrozen")
		return nil
	})
}

func (e *Engine) AddNote(ctx context.Context, id uint, text string) (*models.Subscription, error) {
	text = strings.TrimSpace(text)
	return e.mutate(ctx, "add_note", id, func(sub *models.Subscription) error {
		if text == "" {
			return fmt.Errorf("%w: empty note", ErrInvalidArgument)
		}
		now := e.now()
		sub.AddNote(text, now)
		sub.UpdatedAt = now
		return e.store.Save(ctx, sub)
	})
}

func (e *Engine) ToggleAutoRenew(ctx context.Context, id uint, enabled bool, paymentMethod string) (*models.Subscription, error) {
	return e.mutate(ctx, "toggle_auto_renew", id, func(sub *models.Subscription) error {
		sub.AutoRenew = enabled
		if enabled {
			if paymentMethod != "" {
				sub.AutoRenewPaymentMethod = paymentMethod
			}
		} else {
			sub.AutoRenewPaymentMethod = ""
		}
		sub.UpdatedAt = e.now()
		return e.store.Save(ctx, sub)
	})
}

// Cancel terminates an active or frozen subscription and disables its client best-effort.
func (e *Engine) Cancel(ctx context.Context, id uint, params CancelParams) (*models.Subscription, error) {
	return e.mutate(ctx, "cancel", id, func(sub *models.Subscription) error {
		if sub.Status != models.StatusActive {
			return fmt.Errorf("%w: cannot cancel %s subscription", ErrInvalidState, sub.Status)
		}
		now := e.now()

		sub.Status = models.StatusCanceled
		sub.IsFrozen = false
		sub.FreezeStartDate = nil
		sub.FreezeEndDate = nil
		sub.FreezeReason = ""
		sub.AutoRenew = false
		sub.AutoRenewPaymentMethod = ""
		note := "canceled"
		if params.Reason != "" {
			note += ": " + params.Reason
		}
		sub.AddNote(note, now)

		if !params.SkipPanelSync && !SyncClientState(ctx, e.connector, sub, false, "cancel") {
			sub.AddNote(notSyncedNote("cancel"), now)
		}

		sub.UpdatedAt = now
		if err := e.store.Save(ctx, sub); err != nil {
			return err
		}
		log.Info().Uint("subscription_id", sub.ID).Str("reason", params.Reason).Msg("Subscription canceled")
		return nil
	})
}
