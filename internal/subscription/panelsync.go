package subscription

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"popovka-vpn/internal/metrics"
	"popovka-vpn/internal/models"
	"popovka-vpn/internal/panel"
)

// SyncClientState enables or disables the subscription's panel client. It never
// blocks a local transition: failures are logged and counted, and the result only
// reports whether the panel now matches. A subscription without a client is in sync.
func SyncClientState(ctx context.Context, connector panel.Connector, sub *models.Subscription, enabled bool, op string) bool {
	return withClient(ctx, connector, sub, op, func(sess panel.Session, logger zerolog.Logger) error {
		var err error
		if enabled {
			err = sess.EnableClient(ctx, sub.Email(), sub.Inbound())
		} else {
			err = sess.DisableClient(ctx, sub.Email(), sub.Inbound())
		}
		if err != nil {
			logger.Warn().Err(err).Bool("enabled", enabled).Msg("Panel client update failed, local state committed anyway")
			return err
		}
		logger.Debug().Bool("enabled", enabled).Msg("Panel client updated")
		return nil
	})
}

// SyncClientExpiry moves the panel client's expiry to the subscription's end date,
// best-effort like SyncClientState.
func SyncClientExpiry(ctx context.Context, connector panel.Connector, sub *models.Subscription, op string) bool {
	return withClient(ctx, connector, sub, op, func(sess panel.Session, logger zerolog.Logger) error {
		if err := sess.UpdateClientExpiry(ctx, sub.Email(), sub.Inbound(), sub.EndDate); err != nil {
			logger.Warn().Err(err).Time("end_date", sub.EndDate).Msg("Panel client expiry update failed, local state committed anyway")
			return err
		}
		logger.Debug().Time("end_date", sub.EndDate).Msg("Panel client expiry updated")
		return nil
	})
}

func withClient(ctx context.Context, connector panel.Connector, sub *models.Subscription, op string, fn func(sess panel.Session, logger zerolog.Logger) error) bool {
	logger := log.With().Uint("subscription_id", sub.ID).Str("op", op).Logger()

	switch sub.Provisioning() {
	case models.Unprovisioned:
		logger.Debug().Msg("No remote client provisioned, skipping panel sync")
		return true
	case models.PartiallyProvisioned:
		logger.Warn().Msg("Remote client assignment is incomplete, skipping panel sync until reconciled")
		metrics.RecordPanelFailure(op, "inconsistent")
		return false
	}

	logger = logger.With().Uint("panel_id", sub.Panel()).Str("client_email", sub.Email()).Logger()

	sess, err := connector.Open(ctx, sub.Panel())
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to open panel session, local state committed without panel sync")
		metrics.RecordPanelFailure(op, string(panel.Kind(err)))
		return false
	}
	defer sess.Close()

	if err := fn(sess, logger); err != nil {
		metrics.RecordPanelFailure(op, string(panel.Kind(err)))
		return false
	}
	return true
}
