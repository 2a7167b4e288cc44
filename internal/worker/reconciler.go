package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"popovka-vpn/internal/lock"
	"popovka-vpn/internal/metrics"
	"popovka-vpn/internal/models"
	"popovka-vpn/internal/panel"
	"popovka-vpn/internal/subscription"
)

const (
	DriftEnabledMismatch = "enabled_mismatch"
	DriftMissingClient   = "missing_client"
	DriftInboundMismatch = "inbound_mismatch"
	DriftPartial         = "partial_provisioning"
	DriftPanelDown       = "panel_unreachable"
)

// Drift is one divergence between a local record and its panel client.
type Drift struct {
	SubscriptionID uint
	PanelID        uint
	Kind           string
	Corrected      bool
	Err            error
}

// Reconciler compares provisioned subscriptions with their panel clients and
// corrects the client's enabled flag. Other drift is only reported.
type Reconciler struct {
	Store       subscription.Store
	Connector   panel.Connector
	Locker      lock.Locker
	Concurrency int
	Interval    time.Duration
}

func NewReconciler(store subscription.Store, connector panel.Connector, locker lock.Locker, concurrency int, interval time.Duration) *Reconciler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Reconciler{
		Store:       store,
		Connector:   connector,
		Locker:      locker,
		Concurrency: concurrency,
		Interval:    interval,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", r.Interval).Int("concurrency", r.Concurrency).Msg("Drift reconciler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Drift reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Reconcile cycle failed")
			}
		}
	}
}

// RunOnce checks every subscription with a recorded client, one goroutine per
// panel and at most Concurrency panels at a time.
func (r *Reconciler) RunOnce(ctx context.Context) ([]Drift, error) {
	subs, err := r.Store.ListWithClient(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		drifts []Drift
	)
	report := func(d Drift) {
		metrics.RecordDrift(d.Kind, d.Corrected)
		mu.Lock()
		drifts = append(drifts, d)
		mu.Unlock()
	}

	byPanel := make(map[uint][]models.Subscription)
	var order []uint
	for _, sub := range subs {
		if sub.Provisioning() != models.Provisioned {
			log.Warn().Uint("subscription_id", sub.ID).Str("provisioning", sub.Provisioning().String()).Msg("Incomplete client assignment")
			report(Drift{SubscriptionID: sub.ID, PanelID: sub.Panel(), Kind: DriftPartial})
			continue
		}
		if _, ok := byPanel[sub.Panel()]; !ok {
			order = append(order, sub.Panel())
		}
		byPanel[sub.Panel()] = append(byPanel[sub.Panel()], sub)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Concurrency)
	for _, panelID := range order {
		panelID, group := panelID, byPanel[panelID]
		g.Go(func() error {
			r.reconcilePanel(gctx, panelID, group, report)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return drifts, err
	}

	log.Info().Int("checked", len(subs)).Int("drift", len(drifts)).Msg("Reconcile cycle finished")
	return drifts, nil
}

func (r *Reconciler) reconcilePanel(ctx context.Context, panelID uint, subs []models.Subscription, report func(Drift)) {
	logger := log.With().Uint("panel_id", panelID).Logger()

	sess, err := r.Connector.Open(ctx, panelID)
	if err != nil {
		logger.Warn().Err(err).Int("subscriptions", len(subs)).Msg("Panel unreachable, skipping")
		for _, sub := range subs {
			report(Drift{SubscriptionID: sub.ID, PanelID: panelID, Kind: DriftPanelDown, Err: err})
		}
		return
	}
	defer sess.Close()

	for i := range subs {
		if ctx.Err() != nil {
			return
		}
		r.reconcileOne(ctx, sess, &subs[i], report)
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, sess panel.Session, sub *models.Subscription, report func(Drift)) {
	logger := log.With().Uint("subscription_id", sub.ID).Uint("panel_id", sub.Panel()).Str("client_email", sub.Email()).Logger()

	rc, err := sess.GetClient(ctx, sub.Email(), 0)
	if errors.Is(err, panel.ErrClientNotFound) {
		if sub.Operational() {
			logger.Warn().Msg("Client missing on panel")
			report(Drift{SubscriptionID: sub.ID, PanelID: sub.Panel(), Kind: DriftMissingClient})
		}
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read client")
		metrics.RecordPanelFailure("reconcile", string(panel.Kind(err)))
		return
	}

	if rc.InboundID != 0 && rc.InboundID != sub.Inbound() {
		logger.Warn().Int("local_inbound", sub.Inbound()).Int("remote_inbound", rc.InboundID).Msg("Client found on a different inbound")
		report(Drift{SubscriptionID: sub.ID, PanelID: sub.Panel(), Kind: DriftInboundMismatch})
	}

	if rc.Enabled == sub.Operational() {
		return
	}
	r.correct(ctx, sess, sub.ID, rc.Enabled, report)
}

// correct re-reads the subscription under its lock so a concurrent lifecycle
// operation is not overwritten, then flips the client to match.
func (r *Reconciler) correct(ctx context.Context, sess panel.Session, id uint, remoteEnabled bool, report func(Drift)) {
	unlock, err := r.Locker.Lock(ctx, strconv.FormatUint(uint64(id), 10))
	if err != nil {
		log.Warn().Err(err).Uint("subscription_id", id).Msg("Could not lock subscription for correction")
		return
	}
	defer unlock()

	sub, err := r.Store.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Uint("subscription_id", id).Msg("Failed to reload subscription")
		return
	}
	want := sub.Operational()
	if want == remoteEnabled || sub.Provisioning() != models.Provisioned || sub.Panel() != sess.PanelID() {
		return
	}

	if want {
		err = sess.EnableClient(ctx, sub.Email(), sub.Inbound())
	} else {
		err = sess.DisableClient(ctx, sub.Email(), sub.Inbound())
	}
	d := Drift{SubscriptionID: sub.ID, PanelID: sub.Panel(), Kind: DriftEnabledMismatch, Corrected: err == nil, Err: err}
	if err != nil {
		log.Warn().Err(err).Uint("subscription_id", sub.ID).Bool("want_enabled", want).Msg("Failed to correct client state")
	} else {
		log.Info().Uint("subscription_id", sub.ID).Bool("enabled", want).Msg("Corrected client state")
	}
	report(d)
}
