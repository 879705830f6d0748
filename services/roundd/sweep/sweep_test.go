package sweep

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"fundround/services/roundd/artifacts"
	"fundround/services/roundd/dispatch"
	"fundround/services/roundd/investments"
	"fundround/services/roundd/kyc"
	"fundround/services/roundd/ledger"
	"fundround/services/roundd/locks"
	"fundround/services/roundd/models"
	"fundround/services/roundd/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	svc    *investments.Service
	clock  *clock
	round  models.Round
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	c := &clock{now: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	keyed := locks.New()
	l := ledger.New(db, ledger.WithClock(c.Now), ledger.WithLocks(keyed))
	gate := kyc.NewStatic()
	gate.Allow("alice", kyc.Limit{Unlimited: true})
	svc, err := investments.NewService(investments.Config{
		DB:            db,
		Ledger:        l,
		Locks:         keyed,
		KYC:           gate,
		CompanyShares: decimal.NewFromInt(1_000_000),
		Now:           c.Now,
	})
	require.NoError(t, err)
	round, err := l.OpenRound(context.Background(), ledger.RoundSpec{
		Currency:    "USD",
		SharePrice:  decimal.RequireFromString("10"),
		TotalShares: decimal.RequireFromString("1000"),
		Actor:       "ops",
	})
	require.NoError(t, err)
	return &fixture{db: db, ledger: l, svc: svc, clock: c, round: round}
}

func (f *fixture) reserve(t *testing.T, amount string) uuid.UUID {
	t.Helper()
	res, err := f.svc.Reserve(context.Background(), investments.ReserveRequest{
		UserID:        "alice",
		RoundNumber:   f.round.Number,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		PaymentMethod: models.MethodCard,
	})
	require.NoError(t, err)
	return res.InvestmentID
}

func (f *fixture) confirm(t *testing.T, id uuid.UUID, charge string) {
	t.Helper()
	h, err := f.svc.Lock(context.Background(), id)
	require.NoError(t, err)
	defer h.Release()
	require.NoError(t, h.Confirm(context.Background(), charge, "test"))
}

func (f *fixture) available(t *testing.T) decimal.Decimal {
	t.Helper()
	var round models.Round
	require.NoError(t, f.db.First(&round, "number = ?", f.round.Number).Error)
	return round.Available()
}

func TestSweepExpiresOverdueReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.reserve(t, "2000")
	f.clock.Advance(20 * time.Minute)
	second := f.reserve(t, "3000")
	require.True(t, f.available(t).Equal(decimal.NewFromInt(500)))

	sweeper, err := New(Config{Investments: f.svc, Now: f.clock.Now})
	require.NoError(t, err)

	result, err := sweeper.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, result, "nothing is due yet")

	f.clock.Advance(15 * time.Minute)
	result, err = sweeper.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)

	inv, err := f.svc.Get(ctx, first)
	require.NoError(t, err)
	require.Equal(t, models.StatusExpired, inv.Status)
	inv, err = f.svc.Get(ctx, second)
	require.NoError(t, err)
	require.Equal(t, models.StatusReserved, inv.Status)
	require.True(t, f.available(t).Equal(decimal.NewFromInt(700)), "available %s", f.available(t))

	f.clock.Advance(time.Hour)
	result, err = sweeper.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Expired)
	require.True(t, f.available(t).Equal(decimal.NewFromInt(1000)))
}

// racingInvestments confirms an investment between selection and locking.
type racingInvestments struct {
	*investments.Service
	f      *fixture
	t      *testing.T
	target uuid.UUID
}

func (r racingInvestments) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	ids, err := r.Service.ExpiredPending(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	r.f.confirm(r.t, r.target, "capture:ch_race")
	return ids, nil
}

func TestSweepSkipsInvestmentConfirmedFirst(t *testing.T) {
	f := newFixture(t)
	id := f.reserve(t, "1000")
	f.clock.Advance(time.Hour)

	sweeper, err := New(Config{
		Investments: racingInvestments{Service: f.svc, f: f, t: t, target: id},
		Now:         f.clock.Now,
	})
	require.NoError(t, err)
	result, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Scanned: 1, Skipped: 1}, result)

	inv, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.StatusConfirmed, inv.Status)
	require.True(t, f.available(t).Equal(decimal.NewFromInt(900)))
}

func TestBackfillRequestsMissingArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.reserve(t, "1000")
	f.confirm(t, id, "capture:ch_1")
	f.reserve(t, "500")

	pool, err := dispatch.New(2, time.Second)
	require.NoError(t, err)
	defer pool.Close(time.Second)
	generator := artifacts.NewMemory()
	dispatcher, err := artifacts.NewDispatcher(artifacts.DispatcherConfig{
		Generator: generator,
		Recorder:  f.svc,
		Pool:      pool,
	})
	require.NoError(t, err)

	sweeper, err := New(Config{Investments: f.svc, Artifacts: dispatcher, Now: f.clock.Now})
	require.NoError(t, err)

	requested, err := sweeper.Backfill(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, requested)
	pool.Wait()

	ref, err := f.svc.ArtifactRef(ctx, id, artifacts.KindCertificate)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	requested, err = sweeper.Backfill(ctx)
	require.NoError(t, err)
	require.Zero(t, requested)
	require.Equal(t, 1, generator.Calls(artifacts.KindCertificate))
	require.Equal(t, 1, generator.Calls(artifacts.KindAgreement))
}

func TestManagerRunsJobsWithoutOverlap(t *testing.T) {
	m, err := NewManager(time.Second)
	require.NoError(t, err)
	require.Error(t, m.Register("broken", 0, func(context.Context) error { return nil }))

	var runs, running, overlapped atomic.Int32
	require.NoError(t, m.Register("tick", 10*time.Millisecond, func(ctx context.Context) error {
		if running.Add(1) > 1 {
			overlapped.Store(1)
		}
		defer running.Add(-1)
		runs.Add(1)
		time.Sleep(15 * time.Millisecond)
		return nil
	}))
	m.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
	require.Zero(t, overlapped.Load())
}
