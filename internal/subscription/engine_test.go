package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"popovka-vpn/internal/database/dbtest"
	"popovka-vpn/internal/lock"
	"popovka-vpn/internal/models"
	"popovka-vpn/internal/panel"
	"popovka-vpn/internal/panel/paneltest"
)

type fixture struct {
	db     *gorm.DB
	store  *GormStore
	fake   *paneltest.Fake
	engine *Engine
	user   models.User
	plan   models.Plan
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := dbtest.New(t)
	f := &fixture{
		db:    db,
		store: NewGormStore(db),
		fake:  paneltest.New(),
		user:  dbtest.User(t, db, 1001, 0),
		plan:  dbtest.Plan(t, db, 30, 255),
	}
	f.fake.AddPanel(3, 1)
	f.fake.AddPanel(7, 2)
	f.engine = NewEngine(f.store, f.fake, lock.NewLocal(), opts)
	f.engine.now = func() time.Time { return t0 }
	return f
}

// provisioned seeds an active subscription with a client on panel 3 inbound 1.
func (f *fixture) provisioned(t *testing.T, mutate func(*models.Subscription)) models.Subscription {
	t.Helper()
	sub := dbtest.Subscription(t, f.db, f.user, f.plan, t0.Add(-10*24*time.Hour), t0.Add(20*24*time.Hour), func(s *models.Subscription) {
		s.SetClient(3, 1, "uuid-1", "sub-email")
		if mutate != nil {
			mutate(s)
		}
	})
	f.fake.Seed(panel.RemoteClient{
		Email:      "sub-email",
		UUID:       "uuid-1",
		PanelID:    3,
		InboundID:  1,
		Enabled:    true,
		QuotaBytes: 5_000_000_000,
		ExpiryTime: t0.Add(20 * 24 * time.Hour),
	})
	return sub
}

func TestFreezeUnfreezeRoundTrip(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, nil)
	ctx := context.Background()

	until := t0.Add(7 * 24 * time.Hour)
	sub, err := f.engine.Freeze(ctx, seeded.ID, FreezeParams{EndDate: &until, Reason: "vacation"})
	require.NoError(t, err)
	assert.True(t, sub.IsFrozen)
	assert.Equal(t, models.StatusActive, sub.Status)
	require.NotNil(t, sub.FreezeStartDate)
	assert.True(t, sub.FreezeStartDate.Equal(t0))
	assert.Equal(t, "vacation", sub.FreezeReason)

	rc, ok := f.fake.Client(3, "sub-email")
	require.True(t, ok)
	assert.False(t, rc.Enabled)

	sub, err = f.engine.Unfreeze(ctx, seeded.ID, UnfreezeParams{})
	require.NoError(t, err)
	assert.False(t, sub.IsFrozen)
	assert.Nil(t, sub.FreezeStartDate)
	assert.Nil(t, sub.FreezeEndDate)
	assert.Empty(t, sub.FreezeReason)
	assert.True(t, sub.EndDate.Equal(seeded.EndDate))

	rc, _ = f.fake.Client(3, "sub-email")
	assert.True(t, rc.Enabled)
	assert.Zero(t, f.fake.CountOp(paneltest.OpExpiry))

	stored, err := f.store.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsFrozen)
	assert.Equal(t, uint(2), stored.Version)
}

func TestFreezeAlreadyFrozen(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, func(s *models.Subscription) {
		s.IsFrozen = true
		s.FreezeStartDate = &t0
	})

	_, err := f.engine.Freeze(context.Background(), seeded.ID, FreezeParams{Reason: "again"})
	assert.ErrorIs(t, err, ErrAlreadyFrozen)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.fake.Calls)
	assert.Zero(t, f.fake.Opened)
}

func TestFreezeRejectsTerminalAndPastEndDate(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	expired := f.provisioned(t, func(s *models.Subscription) { s.Status = models.StatusExpired })
	ctx := context.Background()

	_, err := f.engine.Freeze(ctx, expired.ID, FreezeParams{})
	assert.ErrorIs(t, err, ErrInvalidState)

	active := dbtest.Subscription(t, f.db, f.user, f.plan, t0, t0.Add(time.Hour), nil)
	past := t0.Add(-time.Minute)
	_, err = f.engine.Freeze(ctx, active.ID, FreezeParams{EndDate: &past})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.engine.Freeze(ctx, 999, FreezeParams{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFreezeToleratesPanelFailure(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, nil)
	f.fake.Fail(paneltest.OpDisable, &panel.GatewayError{Kind: panel.KindConnection, Op: "disable_client", Err: panel.ErrConnection})

	sub, err := f.engine.Freeze(context.Background(), seeded.ID, FreezeParams{Reason: "travel"})
	require.NoError(t, err)
	assert.True(t, sub.IsFrozen)
	assert.Len(t, f.fake.CallsFor(paneltest.OpDisable, 3), 1)

	stored, err := f.store.Get(context.Background(), seeded.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsFrozen)
	require.NotEmpty(t, stored.Notes)
	assert.Equal(t, "freeze: panel client not updated", stored.Notes[len(stored.Notes)-1].Text)
}

func TestFreezeToleratesUnreachablePanel(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, nil)
	f.fake.FailOpen(3, panel.ErrAuthenticationFailed)

	sub, err := f.engine.Freeze(context.Background(), seeded.ID, FreezeParams{})
	require.NoError(t, err)
	assert.True(t, sub.IsFrozen)
	assert.Empty(t, f.fake.Calls)
}

func TestFreezeSkipPanelSync(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, nil)

	_, err := f.engine.Freeze(context.Background(), seeded.ID, FreezeParams{SkipPanelSync: true})
	require.NoError(t, err)
	assert.Zero(t, f.fake.Opened)
	rc, _ := f.fake.Client(3, "sub-email")
	assert.True(t, rc.Enabled)
}

func TestFreezeUnprovisionedSkipsPanel(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := dbtest.Subscription(t, f.db, f.user, f.plan, t0, t0.Add(time.Hour), nil)

	sub, err := f.engine.Freeze(context.Background(), seeded.ID, FreezeParams{})
	require.NoError(t, err)
	assert.True(t, sub.IsFrozen)
	assert.Zero(t, f.fake.Opened)
}

func TestFreezePartiallyProvisionedCommitsLocally(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := dbtest.Subscription(t, f.db, f.user, f.plan, t0, t0.Add(time.Hour), func(s *models.Subscription) {
		p := uint(3)
		s.PanelID = &p
	})

	sub, err := f.engine.Freeze(context.Background(), seeded.ID, FreezeParams{})
	require.NoError(t, err)
	assert.True(t, sub.IsFrozen)
	assert.Zero(t, f.fake.Opened)
}

func TestUnfreezeNotFrozen(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, nil)

	_, err := f.engine.Unfreeze(context.Background(), seeded.ID, UnfreezeParams{})
	assert.ErrorIs(t, err, ErrNotFrozen)
	assert.Zero(t, f.fake.Opened)
}

func TestUnfreezeExtendsEndDateWhenConfigured(t *testing.T) {
	opts := DefaultOptions()
	opts.FreezeExtendsEndDate = true
	f := newFixture(t, opts)
	started := t0.Add(-5 * 24 * time.Hour)
	seeded := f.provisioned(t, func(s *models.Subscription) {
		s.IsFrozen = true
		s.FreezeStartDate = &started
	})

	sub, err := f.engine.Unfreeze(context.Background(), seeded.ID, UnfreezeParams{})
	require.NoError(t, err)
	assert.True(t, sub.EndDate.Equal(seeded.EndDate.Add(5*24*time.Hour)))
	require.NotEmpty(t, sub.Notes)
	assert.Contains(t, sub.Notes[len(sub.Notes)-1].Text, "extended")

	require.Len(t, f.fake.CallsFor(paneltest.OpExpiry, 3), 1)
	rc, ok := f.fake.Client(3, "sub-email")
	require.True(t, ok)
	assert.True(t, rc.ExpiryTime.Equal(sub.EndDate), "remote expiry %s, end date %s", rc.ExpiryTime, sub.EndDate)
	assert.True(t, rc.Enabled)
}

func TestUnfreezeNotesFailedExpiryUpdate(t *testing.T) {
	opts := DefaultOptions()
	opts.FreezeExtendsEndDate = true
	f := newFixture(t, opts)
	started := t0.Add(-5 * 24 * time.Hour)
	seeded := f.provisioned(t, func(s *models.Subscription) {
		s.IsFrozen = true
		s.FreezeStartDate = &started
	})
	f.fake.Fail(paneltest.OpExpiry, &panel.GatewayError{Kind: panel.KindConnection, Op: "update_expiry", Err: panel.ErrConnection})

	sub, err := f.engine.Unfreeze(context.Background(), seeded.ID, UnfreezeParams{})
	require.NoError(t, err)
	assert.False(t, sub.IsFrozen)
	assert.True(t, sub.EndDate.Equal(seeded.EndDate.Add(5*24*time.Hour)))
	assert.Equal(t, "unfreeze: panel client not updated", sub.Notes[len(sub.Notes)-1].Text)

	rc, _ := f.fake.Client(3, "sub-email")
	assert.True(t, rc.Enabled)
	assert.True(t, rc.ExpiryTime.Equal(t0.Add(20*24*time.Hour)))
}

func TestAddNote(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, nil)
	ctx := context.Background()

	_, err := f.engine.AddNote(ctx, seeded.ID, "first")
	require.NoError(t, err)
	sub, err := f.engine.AddNote(ctx, seeded.ID, "  second  ")
	require.NoError(t, err)

	require.Len(t, sub.Notes, 2)
	assert.Equal(t, "first", sub.Notes[0].Text)
	assert.Equal(t, "second", sub.Notes[1].Text)
	assert.True(t, sub.Notes[1].CreatedAt.Equal(t0))

	_, err = f.engine.AddNote(ctx, seeded.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, f.fake.Opened)
}

func TestToggleAutoRenew(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, nil)
	ctx := context.Background()

	sub, err := f.engine.ToggleAutoRenew(ctx, seeded.ID, true, "balance")
	require.NoError(t, err)
	assert.True(t, sub.AutoRenew)
	assert.Equal(t, "balance", sub.AutoRenewPaymentMethod)

	sub, err = f.engine.ToggleAutoRenew(ctx, seeded.ID, false, "")
	require.NoError(t, err)
	assert.False(t, sub.AutoRenew)
	assert.Empty(t, sub.AutoRenewPaymentMethod)
	assert.Zero(t, f.fake.Opened)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, func(s *models.Subscription) {
		s.IsFrozen = true
		s.FreezeStartDate = &t0
		s.AutoRenew = true
	})
	ctx := context.Background()

	sub, err := f.engine.Cancel(ctx, seeded.ID, CancelParams{Reason: "refund"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, sub.Status)
	assert.False(t, sub.IsFrozen)
	assert.False(t, sub.AutoRenew)
	assert.Equal(t, "canceled: refund", sub.Notes[len(sub.Notes)-1].Text)
	assert.Len(t, f.fake.CallsFor(paneltest.OpDisable, 3), 1)

	_, err = f.engine.Cancel(ctx, seeded.ID, CancelParams{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGetAndListByUser(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	seeded := f.provisioned(t, nil)
	ctx := context.Background()

	sub, err := f.engine.Get(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, f.plan.ID, sub.Plan.ID)

	subs, err := f.engine.ListByUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	subs, err = f.engine.ListByUser(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, subs)
}
