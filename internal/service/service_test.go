package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/raise-allocation/internal/allocation"
	"github.com/mmeshcher/raise-allocation/internal/model"
	"github.com/mmeshcher/raise-allocation/internal/repository"
	"github.com/mmeshcher/raise-allocation/internal/validation"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubPayments struct {
	mu sync.Mutex

	seq          int
	authorizeErr error
	captureErr   error
	refundErr    map[string]error
	transferErr  error
	// beforeTransfer вызывается до перевода без блокировки заглушки.
	beforeTransfer func()

	captured  []string
	refunded  []string
	transfers []int64
}

func (s *stubPayments) Authorize(_ context.Context, amountCents int64, _ map[string]string) (model.PaymentAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authorizeErr != nil {
		return model.PaymentAuthorization{}, s.authorizeErr
	}
	s.seq++
	ref := fmt.Sprintf("pay-%d", s.seq)
	return model.PaymentAuthorization{Reference: ref, ClientSecret: "secret-" + ref}, nil
}

func (s *stubPayments) Capture(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.captureErr != nil {
		return s.captureErr
	}
	s.captured = append(s.captured, ref)
	return nil
}

func (s *stubPayments) Refund(_ context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refundErr[ref]; err != nil {
		return "", err
	}
	s.refunded = append(s.refunded, ref)
	return "re-" + ref, nil
}

func (s *stubPayments) Transfer(_ context.Context, amountCents int64, _ string, _ map[string]string) (string, error) {
	if s.beforeTransfer != nil {
		s.beforeTransfer()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transferErr != nil {
		return "", s.transferErr
	}
	s.transfers = append(s.transfers, amountCents)
	return fmt.Sprintf("tr-%d", len(s.transfers)), nil
}

type stubVerifier struct {
	unverified map[string]bool
	err        error
	onCheck    func(partyID string)
}

func (s *stubVerifier) IsVerified(_ context.Context, partyID string) (bool, error) {
	if s.onCheck != nil {
		s.onCheck(partyID)
	}
	if s.err != nil {
		return false, s.err
	}
	return !s.unverified[partyID], nil
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubDispatcher) ScheduleAllocation(_ context.Context, poolID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, poolID)
	return s.err
}

type fixture struct {
	svc        *Service
	repo       *repository.MemoryRepository
	payments   *stubPayments
	verifier   *stubVerifier
	dispatcher *stubDispatcher
	clock      *testClock
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		repo:       repository.NewMemoryRepository(repository.WithClock(clock.Now)),
		payments:   &stubPayments{refundErr: map[string]error{}},
		verifier:   &stubVerifier{unverified: map[string]bool{}},
		dispatcher: &stubDispatcher{},
		clock:      clock,
	}

	engine, err := allocation.NewEngine(allocation.DefaultConfig(), allocation.WithClock(f.clock.Now))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Now = f.clock.Now
	for _, m := range mutate {
		m(&opts)
	}

	f.svc, err = NewService(Deps{
		Repo:       f.repo,
		Payments:   f.payments,
		Verifier:   f.verifier,
		Dispatcher: f.dispatcher,
		Engine:     engine,
	}, opts)
	require.NoError(t, err)

	return f
}

func (f *fixture) poolInput() validation.PoolInput {
	return validation.PoolInput{
		BusinessID:           "biz-1",
		Title:                "Neighbourhood bakery",
		GoalCents:            100000,
		MinContributionCents: 1000,
		Terms:                model.EquityTerms{Percentage: decimal.NewFromInt(20)},
		ExpiresAt:            f.clock.Now().Add(30 * 24 * time.Hour),
	}
}

func (f *fixture) openPool(t *testing.T, mutate ...func(*validation.PoolInput)) *model.Pool {
	t.Helper()

	in := f.poolInput()
	for _, m := range mutate {
		m(&in)
	}

	ctx := context.Background()
	p, err := f.svc.CreatePool(ctx, in)
	require.NoError(t, err)

	p, err = f.svc.OpenPool(ctx, p.ID, "biz-1")
	require.NoError(t, err)
	return p
}

func (f *fixture) invest(t *testing.T, poolID, contributorID string, amount int64) model.Contribution {
	t.Helper()

	res, err := f.svc.Invest(context.Background(), InvestInput{PoolID: poolID, ContributorID: contributorID, AmountCents: amount})
	require.NoError(t, err)
	return res.Contribution
}

func (f *fixture) capture(t *testing.T, poolID, contributorID string, amount int64) model.Contribution {
	t.Helper()

	c := f.invest(t, poolID, contributorID, amount)
	require.NoError(t, f.svc.OnPaymentSucceeded(context.Background(), c.PaymentRef))
	return c
}

func (f *fixture) auditTypes(t *testing.T, poolID string) []string {
	t.Helper()

	entries, err := f.repo.ListAuditByPool(context.Background(), poolID)
	require.NoError(t, err)

	types := make([]string, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.Type)
	}
	return types
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{}, DefaultOptions())
	assert.Error(t, err)

	_, err = NewService(Deps{Repo: repository.NewMemoryRepository(), Payments: &stubPayments{}}, DefaultOptions())
	assert.Error(t, err)
}

func TestNewService_RejectsZeroLimits(t *testing.T) {
	opts := DefaultOptions()
	opts.Limits = validation.Limits{MinTitleLength: 1}

	_, err := NewService(Deps{
		Repo:     repository.NewMemoryRepository(),
		Payments: &stubPayments{},
		Verifier: &stubVerifier{},
	}, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min goal")
}

func TestCreatePool(t *testing.T) {
	ctx := context.Background()

	t.Run("draft with audit", func(t *testing.T) {
		f := newFixture(t)

		p, err := f.svc.CreatePool(ctx, f.poolInput())
		require.NoError(t, err)
		assert.Equal(t, model.PoolStatusDraft, p.Status)
		assert.Equal(t, []string{AuditPoolCreated}, f.auditTypes(t, p.ID))
	})

	t.Run("validation error", func(t *testing.T) {
		f := newFixture(t)
		in := f.poolInput()
		in.GoalCents = 10

		_, err := f.svc.CreatePool(ctx, in)
		assert.ErrorIs(t, err, validation.ErrInvalidInput)
	})

	t.Run("business not verified", func(t *testing.T) {
		f := newFixture(t)
		f.verifier.unverified["biz-1"] = true

		_, err := f.svc.CreatePool(ctx, f.poolInput())
		assert.ErrorIs(t, err, ErrNotVerified)
	})

	t.Run("verification unavailable", func(t *testing.T) {
		f := newFixture(t)
		f.verifier.err = errors.New("timeout")

		_, err := f.svc.CreatePool(ctx, f.poolInput())
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})
}

func TestOpenPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.CreatePool(ctx, f.poolInput())
	require.NoError(t, err)

	opened, err := f.svc.OpenPool(ctx, p.ID, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusOpen, opened.Status)

	_, err = f.svc.OpenPool(ctx, p.ID, "biz-1")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.svc.OpenPool(ctx, "missing", "biz-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	late, err := f.svc.CreatePool(ctx, f.poolInput())
	require.NoError(t, err)
	f.clock.Advance(31 * 24 * time.Hour)
	_, err = f.svc.OpenPool(ctx, late.ID, "biz-1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestInvest(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		opts        func(*Options)
		pool        func(*validation.PoolInput)
		prior       int64
		amount      int64
		wantErr     error
		wantAmount  int64
		wantClipped bool
	}{
		{
			name:       "accepted",
			amount:     5000,
			wantAmount: 5000,
		},
		{
			name:    "below minimum",
			amount:  999,
			wantErr: validation.ErrInvalidInput,
		},
		{
			name:    "non-positive",
			amount:  0,
			wantErr: validation.ErrInvalidInput,
		},
		{
			name:    "per-contributor cap counts prior captures",
			pool:    func(in *validation.PoolInput) { in.MaxContributionCents = 10000 },
			prior:   8000,
			amount:  3000,
			wantErr: validation.ErrInvalidInput,
		},
		{
			name:       "per-contributor cap exact",
			pool:       func(in *validation.PoolInput) { in.MaxContributionCents = 10000 },
			prior:      8000,
			amount:     2000,
			wantAmount: 2000,
		},
		{
			name:        "clipped to remaining",
			prior:       90000,
			amount:      20000,
			wantAmount:  10000,
			wantClipped: true,
		},
		{
			name:    "reject when clipping disabled",
			opts:    func(o *Options) { o.ClipToRemaining = false },
			prior:   90000,
			amount:  20000,
			wantErr: ErrInvalidState,
		},
		{
			name:    "clipping below pool minimum rejected",
			prior:   99500,
			amount:  5000,
			wantErr: ErrInvalidState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*Options)
			if tt.opts != nil {
				mutate = append(mutate, tt.opts)
			}
			f := newFixture(t, mutate...)

			var poolMutate []func(*validation.PoolInput)
			if tt.pool != nil {
				poolMutate = append(poolMutate, tt.pool)
			}
			p := f.openPool(t, poolMutate...)

			if tt.prior > 0 {
				f.capture(t, p.ID, "inv-1", tt.prior)
			}

			res, err := f.svc.Invest(ctx, InvestInput{PoolID: p.ID, ContributorID: "inv-1", AmountCents: tt.amount})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAmount, res.Contribution.AmountCents)
			assert.Equal(t, tt.wantClipped, res.Clipped)
			assert.Equal(t, model.ContributionStatusPending, res.Contribution.Status)
			assert.Equal(t, "secret-"+res.Contribution.PaymentRef, res.ClientSecret)
		})
	}
}

func TestInvest_PoolNotOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.svc.CreatePool(ctx, f.poolInput())
	require.NoError(t, err)

	_, err = f.svc.Invest(ctx, InvestInput{PoolID: p.ID, ContributorID: "inv-1", AmountCents: 5000})
	assert.ErrorIs(t, err, ErrInvalidState)

	open := f.openPool(t)
	f.clock.Advance(30 * 24 * time.Hour)
	_, err = f.svc.Invest(ctx, InvestInput{PoolID: open.ID, ContributorID: "inv-1", AmountCents: 5000})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestInvest_AuthorizeFailurePersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	f.payments.authorizeErr = errors.New("card declined")

	_, err := f.svc.Invest(ctx, InvestInput{PoolID: p.ID, ContributorID: "inv-1", AmountCents: 5000})
	assert.ErrorIs(t, err, ErrPaymentFailed)

	list, err := f.repo.ListContributionsByPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Contains(t, f.auditTypes(t, p.ID), AuditPaymentAuthorizeFailed)
}

func TestOnPaymentSucceeded_DuplicateNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	c := f.capture(t, p.ID, "inv-1", 40000)
	require.NoError(t, f.svc.OnPaymentSucceeded(ctx, c.PaymentRef))

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40000), pool.RaisedCents)
	assert.Equal(t, model.PoolStatusOpen, pool.Status)

	err = f.svc.OnPaymentSucceeded(ctx, "unknown")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOnPaymentSucceeded_FundsAndSchedulesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	f.capture(t, p.ID, "inv-1", 60000)
	c := f.capture(t, p.ID, "inv-2", 40000)
	require.NoError(t, f.svc.OnPaymentSucceeded(ctx, c.PaymentRef))

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusFunded, pool.Status)
	assert.Equal(t, []string{p.ID}, f.dispatcher.calls)

	types := f.auditTypes(t, p.ID)
	assert.Contains(t, types, AuditPoolFunded)
	assert.Contains(t, types, AuditAllocationScheduled)
}

func TestOnPaymentSucceeded_ConcurrentCapturesFundOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	const n = 25
	refs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		c := f.invest(t, p.ID, fmt.Sprintf("inv-%d", i), 5000)
		refs = append(refs, c.PaymentRef)
	}

	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(2)
		for j := 0; j < 2; j++ {
			go func(ref string) {
				defer wg.Done()
				assert.NoError(t, f.svc.OnPaymentSucceeded(ctx, ref))
			}(ref)
		}
	}
	wg.Wait()

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n*5000), pool.RaisedCents)
	assert.Equal(t, model.PoolStatusFunded, pool.Status)
	assert.Len(t, f.dispatcher.calls, 1)
}

func TestOnPaymentSucceeded_ScheduleFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = errors.New("broker down")
	p := f.openPool(t)

	f.capture(t, p.ID, "inv-1", 100000)

	assert.Contains(t, f.auditTypes(t, p.ID), AuditAllocationScheduleFailed)
}

func TestOnPaymentSucceeded_LateCaptureOnCancelledPoolIsRefunded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	c := f.invest(t, p.ID, "inv-1", 5000)
	_, err := f.svc.CancelPool(ctx, p.ID, "admin", "fraud review")
	require.NoError(t, err)

	require.NoError(t, f.svc.OnPaymentSucceeded(ctx, c.PaymentRef))

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pool.RaisedCents)
	assert.Equal(t, []string{c.PaymentRef}, f.payments.refunded)
}

func TestOnPaymentSucceeded_LateCaptureOnSettledPoolIsRefunded(t *testing.T) {
	tests := []struct {
		name        string
		transferErr error
		wantStatus  model.PoolStatus
	}{
		{name: "closed pool", wantStatus: model.PoolStatusClosed},
		{name: "allocated pool awaiting payout", transferErr: errors.New("payee account frozen"), wantStatus: model.PoolStatusFunded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			p := f.openPool(t)
			f.payments.transferErr = tt.transferErr

			first := f.invest(t, p.ID, "inv-1", 100000)
			late := f.invest(t, p.ID, "inv-2", 50000)

			require.NoError(t, f.svc.OnPaymentSucceeded(ctx, first.PaymentRef))
			err := f.svc.AllocateAndPayout(ctx, p.ID)
			if tt.transferErr != nil {
				require.ErrorIs(t, err, ErrPaymentFailed)
			} else {
				require.NoError(t, err)
			}

			require.NoError(t, f.svc.OnPaymentSucceeded(ctx, late.PaymentRef))

			assert.Equal(t, []string{late.PaymentRef}, f.payments.refunded)

			got, err := f.repo.GetContributionByPaymentRef(ctx, late.PaymentRef)
			require.NoError(t, err)
			assert.Equal(t, model.ContributionStatusRefunded, got.Status)

			pool, err := f.repo.GetPool(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, pool.Status)
			assert.Equal(t, int64(100000), pool.RaisedCents)

			allocs, err := f.svc.ListAllocations(ctx, p.ID)
			require.NoError(t, err)
			require.Len(t, allocs, 1)
			assert.Equal(t, first.ID, allocs[0].ContributionID)
		})
	}
}

func TestOnPaymentAuthorizedAndFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	c := f.invest(t, p.ID, "inv-1", 5000)
	require.NoError(t, f.svc.OnPaymentAuthorized(ctx, c.PaymentRef))
	assert.Equal(t, []string{c.PaymentRef}, f.payments.captured)

	got, err := f.repo.GetContributionByPaymentRef(ctx, c.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, model.ContributionStatusAuthorized, got.Status)

	failing := f.invest(t, p.ID, "inv-2", 5000)
	require.NoError(t, f.svc.OnPaymentFailed(ctx, failing.PaymentRef, "insufficient funds"))
	require.NoError(t, f.svc.OnPaymentFailed(ctx, failing.PaymentRef, "insufficient funds"))

	got, err = f.repo.GetContributionByPaymentRef(ctx, failing.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, model.ContributionStatusFailed, got.Status)

	err = f.svc.OnPaymentSucceeded(ctx, failing.PaymentRef)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOnPaymentAuthorized_CaptureFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	f.payments.captureErr = errors.New("gateway unavailable")

	c := f.invest(t, p.ID, "inv-1", 5000)
	err := f.svc.OnPaymentAuthorized(ctx, c.PaymentRef)
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Contains(t, f.auditTypes(t, p.ID), AuditPaymentCaptureFailed)
}

func TestAllocateAndPayout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	f.capture(t, p.ID, "inv-1", 75000)
	f.capture(t, p.ID, "inv-2", 25000)

	require.NoError(t, f.svc.AllocateAndPayout(ctx, p.ID))
	require.NoError(t, f.svc.AllocateAndPayout(ctx, p.ID))

	allocs, err := f.svc.ListAllocations(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	shares := map[string]string{}
	for _, a := range allocs {
		shares[a.ContributorID] = a.Grant.(model.EquityGrant).Percentage.String()
	}
	assert.Equal(t, map[string]string{"inv-1": "15", "inv-2": "5"}, shares)

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusClosed, pool.Status)
	assert.Equal(t, []int64{97000}, f.payments.transfers)

	payouts, err := f.repo.ListPayoutsByPool(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, model.PayoutStatusReleased, payouts[0].Status)
	assert.Equal(t, int64(3000), payouts[0].FeeCents)
	assert.Equal(t, "tr-1", payouts[0].TransferRef)
}

func TestAllocateAndPayout_RecomputesWhenCaptureArrives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	first := f.invest(t, p.ID, "inv-1", 100000)
	late := f.invest(t, p.ID, "inv-2", 25000)
	require.NoError(t, f.svc.OnPaymentSucceeded(ctx, first.PaymentRef))

	var once sync.Once
	f.verifier.onCheck = func(string) {
		once.Do(func() {
			require.NoError(t, f.svc.OnPaymentSucceeded(ctx, late.PaymentRef))
		})
	}

	require.NoError(t, f.svc.AllocateAndPayout(ctx, p.ID))

	allocs, err := f.svc.ListAllocations(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	shares := map[string]string{}
	for _, a := range allocs {
		shares[a.ContributorID] = a.Grant.(model.EquityGrant).Percentage.String()
	}
	assert.Equal(t, map[string]string{"inv-1": "16", "inv-2": "4"}, shares)
	assert.Empty(t, f.payments.refunded)
}

func TestAllocateAndPayout_CancelDuringTransferIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	c := f.capture(t, p.ID, "inv-1", 100000)

	var cancelErr error
	f.payments.beforeTransfer = func() {
		_, cancelErr = f.svc.CancelPool(ctx, p.ID, "admin-1", "fraud review")
	}

	require.NoError(t, f.svc.AllocateAndPayout(ctx, p.ID))
	assert.ErrorIs(t, cancelErr, ErrInvalidState)

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusClosed, pool.Status)
	assert.Equal(t, []int64{97000}, f.payments.transfers)
	assert.Empty(t, f.payments.refunded)

	got, err := f.repo.GetContributionByPaymentRef(ctx, c.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, model.ContributionStatusCaptured, got.Status)

	payouts, err := f.repo.ListPayoutsByPool(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, model.PayoutStatusReleased, payouts[0].Status)
}

func TestCancelPool_FundedBeforeAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	c := f.capture(t, p.ID, "inv-1", 100000)

	_, err := f.svc.CancelPool(ctx, p.ID, "admin-1", "business withdrew")
	require.NoError(t, err)
	assert.Equal(t, []string{c.PaymentRef}, f.payments.refunded)

	err = f.svc.AllocateAndPayout(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.payments.transfers)

	allocs, err := f.svc.ListAllocations(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestCancelPool_RefusesAllocatedPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	f.capture(t, p.ID, "inv-1", 100000)

	f.payments.transferErr = errors.New("payee account frozen")
	require.ErrorIs(t, f.svc.AllocateAndPayout(ctx, p.ID), ErrPaymentFailed)

	_, err := f.svc.CancelPool(ctx, p.ID, "admin-1", "give up")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.payments.refunded)

	f.payments.transferErr = nil
	require.NoError(t, f.svc.RetryPayout(ctx, p.ID))

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusClosed, pool.Status)
}

func TestAllocateAndPayout_RequiresFunded(t *testing.T) {
	f := newFixture(t)
	p := f.openPool(t)

	err := f.svc.AllocateAndPayout(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAllocateAndPayout_UnverifiedContributor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	f.capture(t, p.ID, "inv-1", 50000)
	f.capture(t, p.ID, "inv-2", 50000)
	f.verifier.unverified["inv-2"] = true

	err := f.svc.AllocateAndPayout(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotVerified)

	has, err := f.repo.HasAllocations(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, has)
	assert.Empty(t, f.payments.transfers)
	assert.Contains(t, f.auditTypes(t, p.ID), AuditAllocationFailed)
}

func TestAllocateAndPayout_TransferFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	f.capture(t, p.ID, "inv-1", 100000)

	f.payments.transferErr = errors.New("payee account closed")
	err := f.svc.AllocateAndPayout(ctx, p.ID)
	assert.ErrorIs(t, err, ErrPaymentFailed)

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusFunded, pool.Status)
	assert.Contains(t, f.auditTypes(t, p.ID), AuditPayoutFailed)

	require.NoError(t, f.svc.AllocateAndPayout(ctx, p.ID), "allocation guard makes the second call a no-op")

	f.payments.transferErr = nil
	require.NoError(t, f.svc.RetryPayout(ctx, p.ID))

	pool, err = f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusClosed, pool.Status)

	payouts, err := f.repo.ListPayoutsByPool(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, model.PayoutStatusFailed, payouts[0].Status)
	assert.Equal(t, "payee account closed", payouts[0].FailureReason)
	assert.Equal(t, model.PayoutStatusReleased, payouts[1].Status)

	err = f.svc.RetryPayout(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRetryPayout_RequiresAllocations(t *testing.T) {
	f := newFixture(t)
	p := f.openPool(t)
	f.capture(t, p.ID, "inv-1", 100000)

	err := f.svc.RetryPayout(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHandleExpiration_PartialRefundFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	c1 := f.capture(t, p.ID, "inv-1", 10000)
	c2 := f.capture(t, p.ID, "inv-2", 20000)
	c3 := f.capture(t, p.ID, "inv-3", 30000)
	f.payments.refundErr[c2.PaymentRef] = errors.New("refund window closed")

	f.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, f.svc.HandleExpiration(ctx, p.ID))

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusExpired, pool.Status)
	assert.Equal(t, c2.AmountCents, pool.RaisedCents)
	assert.ElementsMatch(t, []string{c1.PaymentRef, c3.PaymentRef}, f.payments.refunded)

	types := f.auditTypes(t, p.ID)
	assert.Contains(t, types, AuditPoolRefunding)
	assert.Contains(t, types, AuditRefundFailed)
	assert.Contains(t, types, AuditPoolExpired)

	require.NoError(t, f.svc.HandleExpiration(ctx, p.ID))
	assert.Len(t, f.payments.refunded, 2)
}

func TestHandleExpiration_NoopBeforeExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	require.NoError(t, f.svc.HandleExpiration(ctx, p.ID))

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusOpen, pool.Status)
}

func TestHandleExpiration_ResumesRefunding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	f.capture(t, p.ID, "inv-1", 10000)

	_, err := f.repo.TransitionPool(ctx, p.ID, []model.PoolStatus{model.PoolStatusOpen}, model.PoolStatusRefunding)
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleExpiration(ctx, p.ID))

	pool, err := f.repo.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusExpired, pool.Status)
	assert.Equal(t, int64(0), pool.RaisedCents)
}

func TestSweepExpiredAndReconcileFunded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	expiring := f.openPool(t)
	f.capture(t, expiring.ID, "inv-1", 10000)

	funded := f.openPool(t, func(in *validation.PoolInput) { in.ExpiresAt = in.ExpiresAt.Add(60 * 24 * time.Hour) })
	f.capture(t, funded.ID, "inv-2", 100000)

	f.clock.Advance(31 * 24 * time.Hour)

	n, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.ReconcileFunded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pool, err := f.repo.GetPool(ctx, funded.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusClosed, pool.Status)

	pool, err = f.repo.GetPool(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusExpired, pool.Status)
}

func TestCancelPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	c := f.capture(t, p.ID, "inv-1", 10000)

	cancelled, err := f.svc.CancelPool(ctx, p.ID, "admin-1", "business withdrew")
	require.NoError(t, err)
	assert.Equal(t, model.PoolStatusCancelled, cancelled.Status)
	assert.Equal(t, int64(0), cancelled.RaisedCents)
	assert.Equal(t, []string{c.PaymentRef}, f.payments.refunded)

	_, err = f.svc.CancelPool(ctx, p.ID, "admin-1", "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExtendPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	_, err := f.svc.ExtendPool(ctx, p.ID, "admin-1", f.clock.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, validation.ErrInvalidInput)

	newExpiry := p.ExpiresAt.Add(14 * 24 * time.Hour)
	extended, err := f.svc.ExtendPool(ctx, p.ID, "admin-1", newExpiry)
	require.NoError(t, err)
	assert.True(t, extended.ExpiresAt.Equal(newExpiry))

	_, err = f.svc.CancelPool(ctx, p.ID, "admin-1", "")
	require.NoError(t, err)
	_, err = f.svc.ExtendPool(ctx, p.ID, "admin-1", newExpiry.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestGetPoolDetails_OverfundedClampsRemaining(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	c1 := f.invest(t, p.ID, "inv-1", 60000)
	c2 := f.invest(t, p.ID, "inv-2", 60000)
	require.NoError(t, f.svc.OnPaymentSucceeded(ctx, c1.PaymentRef))
	require.NoError(t, f.svc.OnPaymentSucceeded(ctx, c2.PaymentRef))

	details, err := f.svc.GetPoolDetails(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120000), details.Pool.RaisedCents)
	assert.Equal(t, int64(0), details.RemainingCents)
	assert.Equal(t, 2, details.ContributorCount)
	assert.Equal(t, 30, details.DaysRemaining)
	assert.False(t, details.AcceptingFunds)

	progress, err := f.svc.GetProgress(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 120.0, progress.Percent)
	assert.Equal(t, int64(0), progress.RemainingCents)
	assert.Equal(t, model.PoolStatusFunded, progress.Status)

	require.NoError(t, f.svc.AllocateAndPayout(ctx, p.ID))
	allocs, err := f.svc.ListAllocations(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 2)
}

func TestGetProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	f.capture(t, p.ID, "inv-1", 33333)

	progress, err := f.svc.GetProgress(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 33.33, progress.Percent)
	assert.Equal(t, int64(66667), progress.RemainingCents)
}

func TestGetProgress_ZeroGoal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.clock.Now()
	require.NoError(t, f.repo.CreatePool(ctx, model.Pool{
		ID:         "legacy-1",
		BusinessID: "biz-1",
		Title:      "Imported pool",
		Terms:      model.EquityTerms{Percentage: decimal.NewFromInt(10)},
		ExpiresAt:  now.Add(time.Hour),
		Status:     model.PoolStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	progress, err := f.svc.GetProgress(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Zero(t, progress.Percent)
	assert.Zero(t, progress.RemainingCents)
}

func TestPreviewAllocations_DoesNotPersist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)
	f.capture(t, p.ID, "inv-1", 30000)

	res, err := f.svc.PreviewAllocations(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, res.Allocations, 1)
	assert.Equal(t, int64(70000), res.RemainingGoalCents)

	has, err := f.repo.HasAllocations(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestListAuditLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.openPool(t)

	entries, err := f.svc.ListAuditLog(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditPoolCreated, entries[0].Type)
	assert.Equal(t, AuditPoolOpened, entries[1].Type)

	_, err = f.svc.ListAuditLog(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
