package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payout-ledger/internal/ledger"
	"payout-ledger/internal/models"
)

// fakeStore is an in-memory stand-in for *store.Store covering every storage
// interface the services consume.
type fakeStore struct {
	mu          sync.Mutex
	cycles      []*models.Cycle
	allocations map[string]*models.Allocation
	balances    map[string]*models.Balance
	creators    map[int64]*models.CreatorBalance
	earnings    []*models.Earning
	payouts     []*models.Payout
	intents     map[string]bool
	pools       map[string]int64
	transfers   []models.EscrowTransfer
	processed   map[string]bool
	reports     []*models.ReconciliationReport
	nextID      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		allocations: make(map[string]*models.Allocation),
		balances:    make(map[string]*models.Balance),
		creators:    make(map[int64]*models.CreatorBalance),
		intents:     make(map[string]bool),
		pools: map[string]int64{
			models.PoolCreatorObligation: 0,
			models.PoolPlatformRevenue:   0,
			models.PoolExternal:          0,
		},
		processed: make(map[string]bool),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func allocKey(allocatorID, recipientID, resourceID int64, month string) string {
	return fmt.Sprintf("%d:%d:%d:%s", allocatorID, recipientID, resourceID, month)
}

func userMonthKey(userID int64, month string) string {
	return fmt.Sprintf("%d:%s", userID, month)
}

// --- cycles ---

func (f *fakeStore) GetCurrentCycle(_ context.Context) (*models.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cycles) == 0 {
		return nil, nil
	}
	c := *f.cycles[len(f.cycles)-1]
	return &c, nil
}

func (f *fakeStore) GetCycleByMonth(_ context.Context, month string) (*models.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cycles {
		if c.Month == month {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateCycle(_ context.Context, month string) (*models.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cycles {
		if c.Month == month {
			copied := *c
			return &copied, nil
		}
	}
	c := &models.Cycle{
		ID:        f.id(),
		Month:     month,
		Status:    models.CycleStatusOpen,
		Version:   1,
		StartedAt: time.Now(),
	}
	f.cycles = append(f.cycles, c)
	copied := *c
	return &copied, nil
}

func (f *fakeStore) AdvanceCycleStatus(_ context.Context, cycleID, fromVersion int64, status string) (*models.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cycles {
		if c.ID == cycleID {
			if c.Version != fromVersion {
				return nil, ledger.ErrStaleVersion
			}
			c.Status = status
			c.Version++
			copied := *c
			return &copied, nil
		}
	}
	return nil, ledger.ErrStaleVersion
}

// --- allocations ---

func (f *fakeStore) GetActiveAllocation(_ context.Context, allocatorID, recipientID, resourceID int64, month string) (*models.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.allocations[allocKey(allocatorID, recipientID, resourceID, month)]
	if !ok || a.Status != models.AllocationStatusActive {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (f *fakeStore) UpsertActiveAllocation(_ context.Context, alloc *models.Allocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := allocKey(alloc.AllocatorID, alloc.RecipientID, alloc.ResourceID, alloc.Month)
	existing, ok := f.allocations[key]
	if ok {
		existing.AmountCents = alloc.AmountCents
		existing.ResourceType = alloc.ResourceType
		existing.Status = models.AllocationStatusActive
		existing.Version++
		*alloc = *existing
		return nil
	}
	alloc.ID = f.id()
	alloc.Status = models.AllocationStatusActive
	alloc.Version = 1
	copied := *alloc
	f.allocations[key] = &copied
	return nil
}

func (f *fakeStore) GetActiveAllocations(_ context.Context, allocatorID int64, month string) ([]models.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Allocation
	for _, a := range f.allocations {
		if a.AllocatorID == allocatorID && a.Month == month && a.Status == models.AllocationStatusActive {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) CountActiveAllocations(_ context.Context, allocatorID int64, month string) (int, error) {
	allocs, _ := f.GetActiveAllocations(context.Background(), allocatorID, month)
	return len(allocs), nil
}

func (f *fakeStore) LockMonthAllocations(_ context.Context, month string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.allocations {
		if a.Month == month && a.Status == models.AllocationStatusActive {
			a.Status = models.AllocationStatusLocked
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) MarkMonthAllocationsProcessed(_ context.Context, month string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, a := range f.allocations {
		if a.Month == month && a.Status == models.AllocationStatusLocked {
			a.Status = models.AllocationStatusProcessed
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CopyAllocationsForward(_ context.Context, fromMonth, toMonth string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var copied int64
	for _, a := range f.allocations {
		if a.Month != fromMonth || a.AmountCents <= 0 {
			continue
		}
		if a.Status != models.AllocationStatusLocked && a.Status != models.AllocationStatusProcessed {
			continue
		}
		key := allocKey(a.AllocatorID, a.RecipientID, a.ResourceID, toMonth)
		if _, exists := f.allocations[key]; exists {
			continue
		}
		next := *a
		next.ID = f.id()
		next.Month = toMonth
		next.Status = models.AllocationStatusActive
		next.Version = 1
		f.allocations[key] = &next
		copied++
	}
	return copied, nil
}

func (f *fakeStore) SyncAllocatedTotals(_ context.Context, month string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	totals := make(map[int64]int64)
	for _, a := range f.allocations {
		if a.Month == month && a.Status == models.AllocationStatusActive {
			totals[a.AllocatorID] += a.AmountCents
		}
	}
	for userID, allocated := range totals {
		key := userMonthKey(userID, month)
		b, ok := f.balances[key]
		if !ok {
			b = &models.Balance{UserID: userID, Month: month}
			f.balances[key] = b
		}
		b.AllocatedCents = allocated
		if over := allocated - b.TotalCents; over > 0 {
			b.OverspentCents = over
		} else {
			b.OverspentCents = 0
		}
	}
	return nil
}

func (f *fakeStore) SumAllocationsByRecipient(_ context.Context, month, status string) (map[int64]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	totals := make(map[int64]int64)
	for _, a := range f.allocations {
		if a.Month == month && a.Status == status {
			totals[a.RecipientID] += a.AmountCents
		}
	}
	return totals, nil
}

// --- balances ---

func (f *fakeStore) GetBalance(_ context.Context, userID int64, month string) (*models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[userMonthKey(userID, month)]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (f *fakeStore) AddFunding(_ context.Context, userID int64, month string, cents int64) (*models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userMonthKey(userID, month)
	b, ok := f.balances[key]
	if !ok {
		b = &models.Balance{UserID: userID, Month: month}
		f.balances[key] = b
	}
	b.TotalCents += cents
	if over := b.AllocatedCents - b.TotalCents; over > 0 {
		b.OverspentCents = over
	} else {
		b.OverspentCents = 0
	}
	copied := *b
	return &copied, nil
}

func (f *fakeStore) ApplyAllocationDelta(_ context.Context, userID int64, month string, deltaCents, floorCents int64) (*models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userMonthKey(userID, month)
	b, ok := f.balances[key]
	if !ok {
		if deltaCents > 0 && floorCents <= 0 {
			return nil, ledger.ErrBudgetExceeded
		}
		b = &models.Balance{UserID: userID, Month: month}
		f.balances[key] = b
	}
	newAllocated := b.AllocatedCents + deltaCents
	if b.TotalCents-newAllocated < -floorCents {
		return nil, ledger.ErrBudgetExceeded
	}
	b.AllocatedCents = newAllocated
	if over := newAllocated - b.TotalCents; over > 0 {
		b.OverspentCents = over
	} else {
		b.OverspentCents = 0
	}
	copied := *b
	return &copied, nil
}

func (f *fakeStore) ListBalancesByMonth(_ context.Context, month string) ([]models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Balance
	for _, b := range f.balances {
		if b.Month == month {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeStore) GetCreatorBalance(_ context.Context, creatorID int64) (*models.CreatorBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creatorBalanceLocked(creatorID), nil
}

func (f *fakeStore) creatorBalanceLocked(creatorID int64) *models.CreatorBalance {
	cb, ok := f.creators[creatorID]
	if !ok {
		cb = &models.CreatorBalance{CreatorID: creatorID}
		f.creators[creatorID] = cb
	}
	copied := *cb
	return &copied
}

func (f *fakeStore) CreditCreatorPending(_ context.Context, creatorID, cents int64) (*models.CreatorBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.creators[creatorID]
	if !ok {
		cb = &models.CreatorBalance{CreatorID: creatorID}
		f.creators[creatorID] = cb
	}
	cb.PendingCents += cents
	cb.TotalEarnedCents += cents
	copied := *cb
	return &copied, nil
}

func (f *fakeStore) ReleaseCreatorPending(_ context.Context, creatorID, cents int64) (*models.CreatorBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb := f.creators[creatorID]
	if cb == nil || cb.PendingCents < cents {
		return nil, fmt.Errorf("pending too low: %w", ledger.ErrInvalidAmount)
	}
	cb.PendingCents -= cents
	cb.AvailableCents += cents
	copied := *cb
	return &copied, nil
}

func (f *fakeStore) DebitCreatorForPayout(_ context.Context, creatorID, grossCents int64) (*models.CreatorBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb := f.creators[creatorID]
	if cb == nil || cb.AvailableCents < grossCents {
		return nil, ledger.ErrInsufficientAvailable
	}
	cb.AvailableCents -= grossCents
	cb.PaidOutCents += grossCents
	copied := *cb
	return &copied, nil
}

func (f *fakeStore) RefundCreatorPayout(_ context.Context, creatorID, grossCents int64) (*models.CreatorBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb := f.creators[creatorID]
	if cb == nil {
		cb = &models.CreatorBalance{CreatorID: creatorID}
		f.creators[creatorID] = cb
	}
	cb.AvailableCents += grossCents
	cb.PaidOutCents -= grossCents
	copied := *cb
	return &copied, nil
}

func (f *fakeStore) ListPayableCreators(_ context.Context, minimumCents int64) ([]models.CreatorBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CreatorBalance
	for _, cb := range f.creators {
		if cb.AvailableCents >= minimumCents {
			out = append(out, *cb)
		}
	}
	return out, nil
}

func (f *fakeStore) ListCreatorBalances(_ context.Context) ([]models.CreatorBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CreatorBalance
	for _, cb := range f.creators {
		out = append(out, *cb)
	}
	return out, nil
}

func (f *fakeStore) SumCreatorOutstanding(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, cb := range f.creators {
		total += cb.PendingCents + cb.AvailableCents
	}
	return total, nil
}

func (f *fakeStore) SumCreatorEarnings(_ context.Context, creatorID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, e := range f.earnings {
		if e.CreatorID == creatorID {
			total += e.AmountCents
		}
	}
	return total, nil
}

// --- earnings ---

func (f *fakeStore) InsertEarning(_ context.Context, cycleID, creatorID, amountCents int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.earnings {
		if e.CycleID == cycleID && e.CreatorID == creatorID {
			return false, nil
		}
	}
	f.earnings = append(f.earnings, &models.Earning{
		ID:          f.id(),
		CycleID:     cycleID,
		CreatorID:   creatorID,
		AmountCents: amountCents,
	})
	return true, nil
}

func (f *fakeStore) ListEarningsByCycle(_ context.Context, cycleID int64) ([]models.Earning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Earning
	for _, e := range f.earnings {
		if e.CycleID == cycleID {
			out = append(out, *e)
		}
	}
	return out, nil
}

// --- payouts ---

func (f *fakeStore) CreatePayout(_ context.Context, payout *models.Payout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payout.ID = f.id()
	copied := *payout
	f.payouts = append(f.payouts, &copied)
	return nil
}

func (f *fakeStore) GetPayoutByID(_ context.Context, id int64) (*models.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payouts {
		if p.ID == id {
			copied := *p
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("payout not found: %d", id)
}

func (f *fakeStore) GetPayoutByTransferID(_ context.Context, transferID string) (*models.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payouts {
		if p.ExternalTransferID == transferID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdatePayoutStatus(_ context.Context, payoutID int64, status, failureReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payouts {
		if p.ID == payoutID {
			p.Status = status
			p.FailureReason = failureReason
			return nil
		}
	}
	return fmt.Errorf("payout not found: %d", payoutID)
}

func (f *fakeStore) SetPayoutTransfer(_ context.Context, payoutID int64, transferID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payouts {
		if p.ID == payoutID {
			p.ExternalTransferID = transferID
			p.Status = models.PayoutStatusProcessing
			return nil
		}
	}
	return fmt.Errorf("payout not found: %d", payoutID)
}

func (f *fakeStore) IncrementPayoutAttempts(_ context.Context, payoutID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payouts {
		if p.ID == payoutID {
			p.Attempts++
			return p.Attempts, nil
		}
	}
	return 0, fmt.Errorf("payout not found: %d", payoutID)
}

func (f *fakeStore) ListPayoutsByStatus(_ context.Context, status string) ([]models.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Payout
	for _, p := range f.payouts {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) SumPayoutsByCreator(_ context.Context, creatorID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, p := range f.payouts {
		if p.CreatorID != creatorID || p.Status == models.PayoutStatusFailed {
			continue
		}
		total += p.GrossCents
	}
	return total, nil
}

// --- escrow ---

func (f *fakeStore) GetPool(_ context.Context, name string) (*models.EscrowPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.pools[name]
	if !ok {
		return nil, fmt.Errorf("escrow pool not found: %s", name)
	}
	return &models.EscrowPool{Name: name, BalanceCents: balance}, nil
}

func (f *fakeStore) TransferPools(_ context.Context, source, dest string, amountCents int64, kind, reference string) (*models.EscrowTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if source != dest {
		if _, ok := f.pools[source]; !ok {
			return nil, fmt.Errorf("escrow pool not found: %s", source)
		}
		if _, ok := f.pools[dest]; !ok {
			return nil, fmt.Errorf("escrow pool not found: %s", dest)
		}
		f.pools[source] -= amountCents
		f.pools[dest] += amountCents
	}
	transfer := models.EscrowTransfer{
		ID:          f.id(),
		SourcePool:  source,
		DestPool:    dest,
		AmountCents: amountCents,
		Kind:        kind,
		Reference:   reference,
	}
	f.transfers = append(f.transfers, transfer)
	copied := transfer
	return &copied, nil
}

// --- intents, processed events, reports ---

func (f *fakeStore) CreateTransferIntent(_ context.Context, intent *models.TransferIntent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intents[intent.IntentID] {
		return false, nil
	}
	f.intents[intent.IntentID] = true
	return true, nil
}

func (f *fakeStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[eventID], nil
}

func (f *fakeStore) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = true
	return nil
}

func (f *fakeStore) CreateReconciliationReport(_ context.Context, report *models.ReconciliationReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	report.ID = f.id()
	copied := *report
	f.reports = append(f.reports, &copied)
	return nil
}

// fakeLocks grants every lock immediately.
type fakeLocks struct{}

func (fakeLocks) AcquireLock(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "token", nil
}

func (fakeLocks) ExtendLock(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	return true, nil
}

func (fakeLocks) ReleaseLock(_ context.Context, _, _ string) error { return nil }

func (fakeLocks) AcquireLockBlocking(_ context.Context, _ string, _, _ time.Duration) (string, error) {
	return "token", nil
}

// fakePublisher records every published event.
type fakePublisher struct {
	mu         sync.Mutex
	thresholds []*models.AllocationThresholdEvent
	overspends []*models.OverspendFlaggedEvent
	closed     []*models.CycleClosedEvent
	completed  []*models.PayoutCompletedEvent
	failed     []*models.PayoutFailedEvent
	drifts     []*models.EscrowDriftEvent
}

func (p *fakePublisher) PublishAllocationThreshold(_ context.Context, e *models.AllocationThresholdEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thresholds = append(p.thresholds, e)
	return nil
}

func (p *fakePublisher) PublishOverspendFlagged(_ context.Context, e *models.OverspendFlaggedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overspends = append(p.overspends, e)
	return nil
}

func (p *fakePublisher) PublishCycleClosed(_ context.Context, e *models.CycleClosedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, e)
	return nil
}

func (p *fakePublisher) PublishPayoutCompleted(_ context.Context, e *models.PayoutCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return nil
}

func (p *fakePublisher) PublishPayoutFailed(_ context.Context, e *models.PayoutFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return nil
}

func (p *fakePublisher) PublishEscrowDrift(_ context.Context, e *models.EscrowDriftEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drifts = append(p.drifts, e)
	return nil
}

// fakeProcessor simulates the external payment processor.
type fakeProcessor struct {
	mu        sync.Mutex
	createErr error
	failNext  int
	nextID    int
	created   []string
	statuses  map[string]string
	reasons   map[string]string
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		statuses: make(map[string]string),
		reasons:  make(map[string]string),
	}
}

func (p *fakeProcessor) CreateTransfer(_ context.Context, _ string, _ int64, idempotencyKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return "", &ledger.ProcessorError{Reason: "http 503"}
	}
	if p.createErr != nil {
		return "", p.createErr
	}
	p.nextID++
	id := fmt.Sprintf("tr_%d", p.nextID)
	p.created = append(p.created, idempotencyKey)
	p.statuses[id] = "pending"
	return id, nil
}

func (p *fakeProcessor) GetTransfer(_ context.Context, transferID string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.statuses[transferID]
	if !ok {
		return "", "", &ledger.ProcessorError{Reason: "not found", Permanent: true}
	}
	return status, p.reasons[transferID], nil
}

func (p *fakeProcessor) MoveFunds(_ context.Context, _, _ string, _ int64) error {
	return nil
}

// testEnv wires the full service stack over the in-memory fakes with the
// default test configuration: 20% overspend floor, 100% threshold, 7%
// platform fee, 25¢ standard flat fee, 2500¢ payout minimum, 3 attempts.
type testEnv struct {
	store        *fakeStore
	publisher    *fakePublisher
	processor    *fakeProcessor
	balances     *ledger.Ledger
	escrow       *EscrowRouter
	engine       *AllocationEngine
	finalizer    *Finalizer
	orchestrator *PayoutOrchestrator
	reconciler   *Reconciler
}

func newTestEnv() *testEnv {
	store := newFakeStore()
	publisher := &fakePublisher{}
	processor := newFakeProcessor()

	escrow := NewEscrowRouter(store, nil)
	balances := ledger.NewLedger(store, escrow, 2000)
	engine := NewAllocationEngine(store, balances, fakeLocks{}, publisher, 10000)
	finalizer := NewFinalizer(store, balances, escrow, engine, fakeLocks{}, publisher, 0)
	fees := ledger.NewFeeCalculator(700, 150, 25, 25)
	orchestrator := NewPayoutOrchestrator(
		store, balances, escrow, processor, publisher, fees,
		2500, 3, time.Second, 4)
	reconciler := NewReconciler(store, publisher)

	return &testEnv{
		store:        store,
		publisher:    publisher,
		processor:    processor,
		balances:     balances,
		escrow:       escrow,
		engine:       engine,
		finalizer:    finalizer,
		orchestrator: orchestrator,
		reconciler:   reconciler,
	}
}
