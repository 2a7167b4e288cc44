package subscription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"popovka-vpn/internal/metrics"
	"popovka-vpn/internal/models"
	"popovka-vpn/internal/panel"
	"popovka-vpn/internal/saga"
)

var errSourceUnavailable = errors.New("source panel session unavailable")

// ChangeParams selects the new protocol (inbound) and/or location (panel).
// A nil field keeps the current value; a location change without an inbound
// lands on the target panel's default inbound.
type ChangeParams struct {
	InboundID     *int
	PanelID       *uint
	SkipPanelSync bool
}

// clientRef locates one remote client.
type clientRef struct {
	panelID   uint
	inboundID int
	uuid      string
	email     string
}

type limits struct {
	quotaBytes int64
	expireDays int
}

// ChangeProtocolOrLocation moves the subscription's panel client to another inbound
// and/or panel. The remote steps run as a saga: remove the old client (failure
// tolerated), add the new one (failure fatal), then persist. On any fatal failure
// the new client is removed and the original re-added before the error is returned,
// and the local record is left untouched.
func (e *Engine) ChangeProtocolOrLocation(ctx context.Context, id uint, params ChangeParams) (*models.Subscription, error) {
	var result *models.Subscription
	_, err := e.mutate(ctx, "change_location", id, func(sub *models.Subscription) error {
		next, err := e.changeLocked(ctx, sub, params)
		if err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) changeLocked(ctx context.Context, sub *models.Subscription, params ChangeParams) (*models.Subscription, error) {
	if !sub.Operational() {
		if sub.IsFrozen {
			return nil, fmt.Errorf("%w: cannot move a frozen subscription", ErrInvalidState)
		}
		return nil, fmt.Errorf("%w: cannot move %s subscription", ErrInvalidState, sub.Status)
	}

	prov := sub.Provisioning()
	if prov == models.PartiallyProvisioned {
		return nil, ErrInconsistentProvisioning
	}
	provisioned := prov == models.Provisioned

	var panelChanged, inboundChanged bool
	if provisioned {
		panelChanged = params.PanelID != nil && *params.PanelID != sub.Panel()
		inboundChanged = params.InboundID != nil && *params.InboundID != sub.Inbound()
	} else {
		panelChanged = params.PanelID != nil
		inboundChanged = params.InboundID != nil
	}
	if !panelChanged && !inboundChanged {
		return nil, ErrNoChangeRequested
	}
	if !provisioned && params.PanelID == nil {
		return nil, fmt.Errorf("%w: a panel is required to provision a client", ErrInvalidArgument)
	}

	targetPanel := sub.Panel()
	if params.PanelID != nil {
		targetPanel = *params.PanelID
	}

	logger := log.With().
		Uint("subscription_id", sub.ID).
		Uint("from_panel", sub.Panel()).
		Int("from_inbound", sub.Inbound()).
		Uint("to_panel", targetPanel).
		Logger()

	now := e.now()
	next := *sub
	next.Notes = append([]models.Note(nil), sub.Notes...)

	if params.SkipPanelSync {
		if !provisioned {
			return nil, fmt.Errorf("%w: provisioning requires panel sync", ErrInvalidArgument)
		}
		inbound := sub.Inbound()
		if params.InboundID != nil {
			inbound = *params.InboundID
		} else if panelChanged {
			return nil, fmt.Errorf("%w: inbound is required when moving without panel sync", ErrInvalidArgument)
		}
		next.SetClient(targetPanel, inbound, sub.UUID(), sub.Email())
		next.AddNote(fmt.Sprintf("moved to panel %d inbound %d without panel sync", targetPanel, inbound), now)
		next.UpdatedAt = now
		if err := e.store.Save(ctx, &next); err != nil {
			return nil, err
		}
		logger.Info().Int("to_inbound", inbound).Msg("Subscription location updated locally")
		return &next, nil
	}

	// Acquire sessions before any remote mutation so an unreachable target
	// aborts the move with nothing to undo.
	target, err := e.connector.Open(ctx, targetPanel)
	if err != nil {
		return nil, fmt.Errorf("open target panel %d: %w", targetPanel, err)
	}
	defer target.Close()

	var old clientRef
	var source panel.Session
	if provisioned {
		old = clientRef{panelID: sub.Panel(), inboundID: sub.Inbound(), uuid: sub.UUID(), email: sub.Email()}
		if panelChanged {
			source, err = e.connector.Open(ctx, old.panelID)
			if err != nil {
				logger.Warn().Err(err).Msg("Old panel unreachable, continuing without removing the old client")
				metrics.RecordPanelFailure("change_location", string(panel.Kind(err)))
				source = nil
			} else {
				defer source.Close()
			}
		} else {
			source = target
		}
	}

	targetInbound := target.DefaultInboundID()
	if params.InboundID != nil {
		targetInbound = *params.InboundID
	} else if !panelChanged {
		targetInbound = old.inboundID
	}
	if provisioned && !panelChanged && targetInbound == old.inboundID {
		return nil, ErrNoChangeRequested
	}

	email, clientUUID := old.email, old.uuid
	if !provisioned {
		email = fmt.Sprintf("sub%d-u%d", sub.ID, sub.UserID)
		clientUUID = uuid.NewString()
	}

	lim := e.captureLimits(ctx, logger, source, sub, old, provisioned, now)
	logger = logger.With().Int("to_inbound", targetInbound).Str("client_email", email).Logger()

	var added *panel.AddedClient
	var addErr error

	s := saga.New("change_location", logger)
	s.Observer = func(_, step string, err error) { metrics.RecordCompensation(step, err) }

	if provisioned {
		s.Add(saga.Step{
			Name:     "remove_old_client",
			Tolerant: true,
			Do: func(ctx context.Context) error {
				if source == nil {
					return errSourceUnavailable
				}
				err := source.RemoveClient(ctx, old.email, old.inboundID)
				if err != nil {
					metrics.RecordPanelFailure("remove_client", string(panel.Kind(err)))
				}
				return err
			},
			Compensate: func(ctx context.Context) error {
				_, err := source.AddClient(ctx, panel.AddClientRequest{
					Email:      old.email,
					UUID:       old.uuid,
					InboundID:  old.inboundID,
					QuotaBytes: lim.quotaBytes,
					ExpireDays: lim.expireDays,
				})
				return err
			},
		})
	}

	s.Add(saga.Step{
		Name:                "add_new_client",
		CompensateOnFailure: true,
		Do: func(ctx context.Context) error {
			added, addErr = target.AddClient(ctx, panel.AddClientRequest{
				Email:      email,
				UUID:       clientUUID,
				InboundID:  targetInbound,
				QuotaBytes: lim.quotaBytes,
				ExpireDays: lim.expireDays,
			})
			return addErr
		},
		Compensate: func(ctx context.Context) error {
			// A definite rejection created nothing; only an ambiguous failure
			// may have left a client behind.
			if addErr != nil && !panel.IsTransient(addErr) {
				return nil
			}
			err := target.RemoveClient(ctx, email, targetInbound)
			if addErr != nil && panel.IsPermanent(err) {
				return nil
			}
			return err
		},
	})

	s.Add(saga.Step{
		Name: "persist",
		Do: func(ctx context.Context) error {
			inbound := targetInbound
			if added.InboundID != 0 {
				inbound = added.InboundID
			}
			assigned := clientUUID
			if added.UUID != "" {
				assigned = added.UUID
			}
			next.SetClient(target.PanelID(), inbound, assigned, email)
			if provisioned {
				next.AddNote(fmt.Sprintf("moved from panel %d inbound %d to panel %d inbound %d", old.panelID, old.inboundID, target.PanelID(), inbound), now)
			} else {
				next.AddNote(fmt.Sprintf("provisioned on panel %d inbound %d", target.PanelID(), inbound), now)
			}
			next.UpdatedAt = now
			return e.store.Save(ctx, &next)
		},
	})

	if err := s.Run(ctx); err != nil {
		return nil, err
	}
	logger.Info().Msg("Subscription moved")
	return &next, nil
}

// captureLimits reads the current quota and expiry so they survive the move. A
// failed read falls back to the configured defaults rather than blocking the move.
func (e *Engine) captureLimits(ctx context.Context, logger zerolog.Logger, source panel.Session, sub *models.Subscription, old clientRef, provisioned bool, now time.Time) limits {
	if !provisioned {
		return limits{
			quotaBytes: sub.Plan.TrafficGB * bytesPerGB,
			expireDays: daysUntil(sub.EndDate, now),
		}
	}

	fallback := limits{quotaBytes: e.opts.DefaultQuotaBytes, expireDays: e.opts.DefaultExpiryDays}
	if source == nil {
		logger.Warn().Int64("quota_bytes", fallback.quotaBytes).Int("expire_days", fallback.expireDays).
			Msg("Cannot read old client, using default limits")
		return fallback
	}

	rc, err := source.GetClient(ctx, old.email, old.inboundID)
	if err != nil {
		logger.Warn().Err(err).Int64("quota_bytes", fallback.quotaBytes).Int("expire_days", fallback.expireDays).
			Msg("Failed to read old client, using default limits")
		metrics.RecordPanelFailure("get_client", string(panel.Kind(err)))
		return fallback
	}
	return limits{quotaBytes: rc.QuotaBytes, expireDays: daysUntil(rc.ExpiryTime, now)}
}

// daysUntil rounds up to whole days; zero time means no expiry. An expiry
// already in the past still yields one day so the client is not unlimited.
func daysUntil(t, now time.Time) int {
	if t.IsZero() {
		return 0
	}
	days := int(math.Ceil(t.Sub(now).Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}
