package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"popovka-vpn/internal/metrics"
	"popovka-vpn/internal/models"
	"popovka-vpn/internal/notify"
	"popovka-vpn/internal/panel"
	"popovka-vpn/internal/renewal"
	"popovka-vpn/internal/subscription"
)

const (
	reminderMarkerTTL  = 48 * time.Hour
	maxConflictRetries = 3
)

type SweepReport struct {
	Reminded int
	Unfrozen int
	Renewed  int
	Expired  int
	Failed   int
	// Unsynced counts committed changes whose panel client could not be updated.
	Unsynced int
}

// Sweeper expires subscriptions past their end date, renews the auto-renewing
// ones, lifts scheduled freezes and sends expiry reminders.
type Sweeper struct {
	Store     subscription.Store
	Engine    *subscription.Engine
	Connector panel.Connector
	Renewer   renewal.Renewer
	Notifier  notify.Notifier
	Marker    notify.Marker
	Interval  time.Duration

	now func() time.Time
}

func NewSweeper(store subscription.Store, engine *subscription.Engine, connector panel.Connector, renewer renewal.Renewer, notifier notify.Notifier, marker notify.Marker, interval time.Duration) *Sweeper {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if marker == nil {
		marker = notify.NewMemoryMarker()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		Store:     store,
		Engine:    engine,
		Connector: connector,
		Renewer:   renewer,
		Notifier:  notifier,
		Marker:    marker,
		Interval:  interval,
		now:       time.Now,
	}
}

// Start runs a sweep immediately and then every Interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.Interval).Msg("Expiry sweeper started")

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Sweeper) runLogged(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sweep cycle failed")
	}
	log.Info().
		Int("reminded", report.Reminded).
		Int("unfrozen", report.Unfrozen).
		Int("renewed", report.Renewed).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Int("unsynced", report.Unsynced).
		Msg("Sweep cycle finished")
}

// RunOnce performs one sweep. Per-subscription failures are logged and counted;
// the returned error reports a failed query or batch write.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	if err := s.remind(ctx, now, &report); err != nil {
		return report, err
	}
	if err := s.unfreezeDue(ctx, now, &report); err != nil {
		return report, err
	}
	return report, s.expireDue(ctx, now, &report)
}

// remind notifies once per subscription ending in 23 to 25 hours.
func (s *Sweeper) remind(ctx context.Context, now time.Time, report *SweepReport) error {
	subs, err := s.Store.ListExpiringBetween(ctx, now.Add(23*time.Hour), now.Add(25*time.Hour))
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.AutoRenew {
			continue
		}
		key := fmt.Sprintf("notified_24h_%d", sub.ID)
		sent, err := notify.Once(ctx, s.Notifier, s.Marker, key, reminderMarkerTTL, sub.User.TelegramID, notify.MsgExpiringSoon)
		if err != nil {
			log.Warn().Err(err).Uint("subscription_id", sub.ID).Int64("telegram_id", sub.User.TelegramID).Msg("Failed to send expiry reminder")
			continue
		}
		if sent {
			report.Reminded++
			log.Info().Uint("subscription_id", sub.ID).Int64("telegram_id", sub.User.TelegramID).Msg("Sent 24h expiry reminder")
		}
	}
	return nil
}

func (s *Sweeper) unfreezeDue(ctx context.Context, now time.Time, report *SweepReport) error {
	subs, err := s.Store.ListFreezeEnded(ctx, now)
	if err != nil {
		return err
	}
	for _, due := range subs {
		sub, err := s.Engine.Unfreeze(ctx, due.ID, subscription.UnfreezeParams{})
		if errors.Is(err, subscription.ErrNotFrozen) {
			continue
		}
		if err != nil {
			report.Failed++
			metrics.RecordSweep("failed")
			log.Error().Err(err).Uint("subscription_id", due.ID).Msg("Failed to lift scheduled freeze")
			continue
		}
		report.Unfrozen++
		metrics.RecordSweep("unfrozen")
		s.notify(ctx, sub, notify.MsgUnfrozen)
	}
	return nil
}

func (s *Sweeper) expireDue(ctx context.Context, now time.Time, report *SweepReport) error {
	subs, err := s.Store.ListExpired(ctx, now)
	if err != nil {
		return err
	}

	batch := make([]*models.Subscription, 0, len(subs))
	for i := range subs {
		sub := &subs[i]
		logger := log.With().Uint("subscription_id", sub.ID).Time("end_date", sub.EndDate).Logger()

		if sub.AutoRenew && s.Renewer != nil {
			err := s.Renewer.Renew(ctx, sub, now)
			if err == nil {
				report.Renewed++
				metrics.RecordSweep("renewed")
				if !subscription.SyncClientExpiry(ctx, s.Connector, sub, "renew_expiry") {
					report.Unsynced++
					logger.Warn().Msg("Renewed subscription's panel expiry not updated, reconciler will retry")
				}
				s.notify(ctx, sub, fmt.Sprintf(notify.MsgRenewed, sub.EndDate.Format("02.01.2006")))
				continue
			}
			if errors.Is(err, subscription.ErrConcurrentModification) {
				logger.Warn().Err(err).Msg("Subscription changed during renewal, retrying next cycle")
				continue
			}
			logger.Warn().Err(err).Msg("Auto-renewal failed, expiring subscription")
			sub.AddNote(fmt.Sprintf("auto-renewal failed: %v", err), now)
		}

		logger.Info().Msg("Expiring subscription")
		if !subscription.SyncClientState(ctx, s.Connector, sub, false, "expire") {
			report.Unsynced++
		}

		sub.Status = models.StatusExpired
		sub.AddNote("expired", now)
		sub.UpdatedAt = now
		batch = append(batch, sub)
	}

	batch, err = s.saveBatch(ctx, batch, report)
	if err != nil {
		return err
	}

	for _, sub := range batch {
		report.Expired++
		metrics.RecordSweep("expired")
		s.notify(ctx, sub, notify.MsgExpired)
	}
	return nil
}

// saveBatch commits the batch in one transaction. A row changed concurrently is
// dropped and the rest retried, up to maxConflictRetries times; dropped rows are
// picked up again by the next pass.
func (s *Sweeper) saveBatch(ctx context.Context, batch []*models.Subscription, report *SweepReport) ([]*models.Subscription, error) {
	for attempt := 0; ; attempt++ {
		err := s.Store.SaveAll(ctx, batch)
		if err == nil {
			return batch, nil
		}

		var conflict *subscription.ConflictError
		if !errors.As(err, &conflict) || attempt >= maxConflictRetries {
			report.Failed += len(batch)
			for range batch {
				metrics.RecordSweep("failed")
			}
			return nil, fmt.Errorf("failed to persist %d expired subscriptions: %w", len(batch), err)
		}

		log.Warn().Uint("subscription_id", conflict.ID).Msg("Subscription changed during sweep, retrying next cycle")
		report.Failed++
		metrics.RecordSweep("failed")
		kept := batch[:0]
		for _, sub := range batch {
			if sub.ID != conflict.ID {
				kept = append(kept, sub)
			}
		}
		batch = kept
	}
}

func (s *Sweeper) notify(ctx context.Context, sub *models.Subscription, text string) {
	if sub.User.TelegramID == 0 {
		return
	}
	if err := s.Notifier.Notify(ctx, sub.User.TelegramID, text); err != nil {
		log.Warn().Err(err).Uint("subscription_id", sub.ID).Int64("telegram_id", sub.User.TelegramID).Msg("Failed to send notification")
	}
}
