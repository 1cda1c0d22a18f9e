package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"forechain/core/events"
	"forechain/core/types"
)

type mockState struct {
	mu        sync.Mutex
	projects  map[uint64]*Project
	accounts  map[common.Address][]uint64
	treasury  *Treasury
	transfers map[uint64][]Transfer
	lastID    uint64
	seq       uint64
	failNext  error
}

func newMockState() *mockState {
	return &mockState{
		projects:  make(map[uint64]*Project),
		accounts:  make(map[common.Address][]uint64),
		transfers: make(map[uint64][]Transfer),
	}
}

func (m *mockState) ProjectGet(id uint64) (*Project, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockState) ProjectIterate(fn func(*Project) bool) error {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.projects))
	for id := range m.projects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	projects := make([]*Project, len(ids))
	for i, id := range ids {
		projects[i] = m.projects[id].Clone()
	}
	m.mu.Unlock()
	for _, p := range projects {
		if !fn(p) {
			break
		}
	}
	return nil
}

func (m *mockState) ProjectIDsByAccount(addr common.Address) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.accounts[addr]...), nil
}

func (m *mockState) LastProjectID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastID, nil
}

func (m *mockState) TreasuryGet() (*Treasury, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.treasury == nil {
		return nil, false, nil
	}
	return m.treasury.Clone(), true, nil
}

func (m *mockState) TransfersByProject(id uint64) ([]Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.transfers[id]...), nil
}

func (m *mockState) Commit(cs *Changeset) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return 0, err
	}
	m.seq++
	if cs.Project != nil {
		m.projects[cs.Project.ID] = cs.Project.Clone()
		if cs.Created {
			m.lastID = cs.Project.ID
			m.accounts[cs.Project.Buyer] = append(m.accounts[cs.Project.Buyer], cs.Project.ID)
			m.accounts[cs.Project.Seller] = append(m.accounts[cs.Project.Seller], cs.Project.ID)
		}
	}
	if cs.Treasury != nil {
		m.treasury = cs.Treasury.Clone()
	}
	for _, tr := range cs.Transfers {
		tr.Sequence = m.seq
		tr.Amount = cloneBigInt(tr.Amount)
		m.transfers[tr.ProjectID] = append(m.transfers[tr.ProjectID], tr)
	}
	return m.seq, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []*types.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := evt.(escrowEvent); ok {
		c.events = append(c.events, e.Event())
	}
}

func (c *captureEmitter) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func newTestAddress(fill byte) common.Address {
	var addr common.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	testBuyer  = newTestAddress(0x01)
	testSeller = newTestAddress(0x02)
	testAdmin  = newTestAddress(0x0A)
	testOther  = newTestAddress(0x0F)
)

func newTestEngine(t *testing.T, feeBps uint64) (*Engine, *mockState, *captureEmitter) {
	t.Helper()
	st := newMockState()
	emitter := &captureEmitter{}
	engine := NewEngine()
	engine.SetState(st)
	engine.SetEmitter(emitter)
	engine.SetAdministrator(testAdmin)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	if _, err := engine.Bootstrap(feeBps); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return engine, st, emitter
}

func mustCreate(t *testing.T, engine *Engine) uint64 {
	t.Helper()
	receipt, err := engine.CreateProject(testBuyer, testBuyer, testSeller)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return receipt.ProjectID
}

// submittedProject drives a new project to AssetSubmitted with amount.
func submittedProject(t *testing.T, engine *Engine, amount int64) uint64 {
	t.Helper()
	id := mustCreate(t, engine)
	if _, err := engine.AcceptProject(testSeller, id); err != nil {
		t.Fatalf("accept project: %v", err)
	}
	if _, err := engine.AddFunds(testBuyer, id, big.NewInt(amount)); err != nil {
		t.Fatalf("add funds: %v", err)
	}
	if _, err := engine.SubmitAsset(testSeller, id, "ipfs://asset", "unzip it"); err != nil {
		t.Fatalf("submit asset: %v", err)
	}
	return id
}

func expectKind(t *testing.T, err error, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func mustStatus(t *testing.T, engine *Engine, id uint64, want ProjectStatus) {
	t.Helper()
	got, err := engine.ProjectStatus(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got != want {
		t.Fatalf("expected status %s, got %s", want, got)
	}
}

func TestHappyPathReleasesMinusFee(t *testing.T) {
	engine, st, emitter := newTestEngine(t, 250)

	created, err := engine.CreateProject(testOther, testBuyer, testSeller)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ProjectID != 1 {
		t.Fatalf("expected first id 1, got %d", created.ProjectID)
	}
	if created.TxHash == (common.Hash{}) {
		t.Fatalf("expected receipt tx hash")
	}
	id := created.ProjectID
	mustStatus(t, engine, id, StatusPending)

	if _, err := engine.AcceptProject(testSeller, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	mustStatus(t, engine, id, StatusAwaitingFunds)

	amount := new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18))
	if _, err := engine.AddFunds(testBuyer, id, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
	mustStatus(t, engine, id, StatusFunded)
	got, err := engine.ProjectAmount(id)
	if err != nil || got.Cmp(amount) != 0 {
		t.Fatalf("expected amount %s, got %v (%v)", amount, got, err)
	}

	if _, err := engine.SubmitAsset(testSeller, id, "https://x/a", "pwd=1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	mustStatus(t, engine, id, StatusAssetSubmitted)
	link, instr, err := engine.AssetInfo(id)
	if err != nil || link != "https://x/a" || instr != "pwd=1" {
		t.Fatalf("unexpected asset info %q %q %v", link, instr, err)
	}

	receipt, err := engine.AcceptAsset(testBuyer, id)
	if err != nil {
		t.Fatalf("accept asset: %v", err)
	}
	if receipt.Status != StatusCompleted {
		t.Fatalf("expected completed receipt, got %s", receipt.Status)
	}
	project, _ := engine.GetProject(id)
	if !project.BuyerAccepted || project.SellerAccepted || !project.Completed() {
		t.Fatalf("unexpected acceptance flags: %+v", project)
	}

	wantFee := big.NewInt(25_000_000_000_000_000)
	treasury, _ := engine.Treasury()
	if treasury.AccruedFees.Cmp(wantFee) != 0 {
		t.Fatalf("expected accrued fee %s, got %s", wantFee, treasury.AccruedFees)
	}
	payouts := st.transfers[id]
	if len(payouts) != 1 || payouts[0].Kind != TransferPayout || payouts[0].To != testSeller {
		t.Fatalf("unexpected transfers: %+v", payouts)
	}
	wantPayout := new(big.Int).Sub(amount, wantFee)
	if payouts[0].Amount.Cmp(wantPayout) != 0 {
		t.Fatalf("expected payout %s, got %s", wantPayout, payouts[0].Amount)
	}
	balance, _ := engine.ContractBalance()
	if balance.Cmp(wantFee) != 0 {
		t.Fatalf("expected contract balance %s, got %s", wantFee, balance)
	}
	if err := engine.CheckConservation(); err != nil {
		t.Fatalf("conservation: %v", err)
	}

	wantEvents := []string{EventTypeProjectCreated, EventTypeProjectAccepted, EventTypeProjectFunded,
		EventTypeAssetSubmitted, EventTypeAssetAccepted}
	gotEvents := emitter.eventTypes()
	if len(gotEvents) != len(wantEvents) {
		t.Fatalf("expected events %v, got %v", wantEvents, gotEvents)
	}
	for i := range wantEvents {
		if gotEvents[i] != wantEvents[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantEvents[i], gotEvents[i])
		}
	}
}

func TestEmittedEventsCarryLedgerSequence(t *testing.T) {
	engine, _, emitter := newTestEngine(t, 250)
	created, err := engine.CreateProject(testBuyer, testBuyer, testSeller)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	accepted, err := engine.AcceptProject(testSeller, created.ProjectID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Sequence <= created.Sequence {
		t.Fatalf("expected increasing sequence, got %d then %d", created.Sequence, accepted.Sequence)
	}
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(emitter.events))
	}
	for i, want := range []uint64{created.Sequence, accepted.Sequence} {
		got := emitter.events[i].Attributes["sequence"]
		if got != strconv.FormatUint(want, 10) {
			t.Fatalf("event %d: expected sequence %d, got %q", i, want, got)
		}
	}
}

func TestRejectionLoopEscalatesOnThirdRejection(t *testing.T) {
	engine, _, emitter := newTestEngine(t, 250)
	id := submittedProject(t, engine, 500)

	for i := 1; i <= 2; i++ {
		if _, err := engine.RejectAsset(testBuyer, id); err != nil {
			t.Fatalf("reject %d: %v", i, err)
		}
		mustStatus(t, engine, id, StatusRejectedAsset)
		if _, err := engine.SubmitAsset(testSeller, id, "ipfs://v2", "again"); err != nil {
			t.Fatalf("resubmit %d: %v", i, err)
		}
	}
	if _, err := engine.RejectAsset(testBuyer, id); err != nil {
		t.Fatalf("third reject: %v", err)
	}
	mustStatus(t, engine, id, StatusDisputeCreated)
	count, _ := engine.RejectionCount(id)
	if count != EscalationThreshold {
		t.Fatalf("expected rejection count 3, got %d", count)
	}

	disputed, err := engine.DisputedProjects()
	if err != nil || len(disputed) != 1 || disputed[0].ID != id {
		t.Fatalf("expected project %d disputed, got %+v (%v)", id, disputed, err)
	}

	_, err = engine.SubmitAsset(testSeller, id, "ipfs://v4", "")
	expectKind(t, err, ErrInvalidTransition)
	_, err = engine.RejectAsset(testBuyer, id)
	expectKind(t, err, ErrInvalidTransition)

	escalations := 0
	for _, typ := range emitter.eventTypes() {
		if typ == EventTypeProjectDisputed {
			escalations++
		}
	}
	if escalations != 1 {
		t.Fatalf("expected exactly one escalation event, got %d", escalations)
	}
}

func TestResolveDisputeOutcomes(t *testing.T) {
	cases := []struct {
		name        string
		favorSeller bool
		wantFee     int64
		wantKind    TransferKind
		wantTo      common.Address
		wantAmount  int64
	}{
		{name: "seller", favorSeller: true, wantFee: 100, wantKind: TransferPayout, wantTo: testSeller, wantAmount: 900},
		{name: "buyer", favorSeller: false, wantFee: 0, wantKind: TransferRefund, wantTo: testBuyer, wantAmount: 1000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, st, _ := newTestEngine(t, 1_000)
			id := submittedProject(t, engine, 1000)
			for i := 0; i < EscalationThreshold; i++ {
				if i > 0 {
					if _, err := engine.SubmitAsset(testSeller, id, "ipfs://again", ""); err != nil {
						t.Fatalf("resubmit: %v", err)
					}
				}
				if _, err := engine.RejectAsset(testBuyer, id); err != nil {
					t.Fatalf("reject: %v", err)
				}
			}

			_, err := engine.ResolveDispute(testBuyer, id, tc.favorSeller)
			expectKind(t, err, ErrUnauthorized)

			receipt, err := engine.ResolveDispute(testAdmin, id, tc.favorSeller)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if receipt.Status != StatusResolvedCompleted {
				t.Fatalf("expected status 8, got %d", receipt.Status)
			}
			project, _ := engine.GetProject(id)
			if project.SellerAccepted != tc.favorSeller || project.Refunded == tc.favorSeller {
				t.Fatalf("unexpected settlement flags: %+v", project)
			}
			if project.Completed() != tc.favorSeller {
				t.Fatalf("completed flag mismatch")
			}
			treasury, _ := engine.Treasury()
			if treasury.AccruedFees.Int64() != tc.wantFee {
				t.Fatalf("expected fee %d, got %s", tc.wantFee, treasury.AccruedFees)
			}
			transfers := st.transfers[id]
			if len(transfers) != 1 || transfers[0].Kind != tc.wantKind || transfers[0].To != tc.wantTo ||
				transfers[0].Amount.Int64() != tc.wantAmount {
				t.Fatalf("unexpected transfers: %+v", transfers)
			}
			if err := engine.CheckConservation(); err != nil {
				t.Fatalf("conservation: %v", err)
			}

			_, err = engine.ResolveDispute(testAdmin, id, !tc.favorSeller)
			expectKind(t, err, ErrInvalidTransition)
		})
	}
}

func TestUnauthorizedCallersChangeNothing(t *testing.T) {
	engine, st, _ := newTestEngine(t, 250)
	id := mustCreate(t, engine)

	_, err := engine.AcceptProject(testBuyer, id)
	expectKind(t, err, ErrUnauthorized)
	_, err = engine.AcceptProject(testOther, id)
	expectKind(t, err, ErrUnauthorized)
	mustStatus(t, engine, id, StatusPending)

	if _, err := engine.AcceptProject(testSeller, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = engine.AddFunds(testSeller, id, big.NewInt(10))
	expectKind(t, err, ErrUnauthorized)
	_, err = engine.UpdateFeePercentage(testBuyer, 10)
	expectKind(t, err, ErrUnauthorized)
	_, _, err = engine.WithdrawFees(testSeller)
	expectKind(t, err, ErrUnauthorized)

	seqBefore := st.seq
	_, err = engine.AcceptProject(testSeller, 99)
	expectKind(t, err, ErrNotFound)
	if st.seq != seqBefore {
		t.Fatalf("failed operations must not commit")
	}
	var opErr *Error
	if !errors.As(err, &opErr) || opErr.ProjectID != 99 || opErr.Op != "acceptProject" {
		t.Fatalf("expected typed error carrying op and id, got %#v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	engine, _, _ := newTestEngine(t, 250)
	id := mustCreate(t, engine)

	_, err := engine.AddFunds(testBuyer, id, big.NewInt(1))
	expectKind(t, err, ErrInvalidTransition)
	_, err = engine.SubmitAsset(testSeller, id, "x", "")
	expectKind(t, err, ErrInvalidTransition)
	_, err = engine.AcceptAsset(testBuyer, id)
	expectKind(t, err, ErrInvalidTransition)
	_, err = engine.ResolveDispute(testAdmin, id, true)
	expectKind(t, err, ErrInvalidTransition)

	if _, err := engine.AcceptProject(testSeller, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = engine.AcceptProject(testSeller, id)
	expectKind(t, err, ErrInvalidTransition)
}

func TestAddFundsRejectsNonPositiveAmounts(t *testing.T) {
	engine, _, _ := newTestEngine(t, 250)
	id := mustCreate(t, engine)
	if _, err := engine.AcceptProject(testSeller, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5), new(big.Int).Lsh(big.NewInt(1), 256)} {
		_, err := engine.AddFunds(testBuyer, id, amount)
		expectKind(t, err, ErrInvalidAmount)
	}
	mustStatus(t, engine, id, StatusAwaitingFunds)
}

// Any positive amount is accepted because no expected price is agreed on
// creation. This documents the behaviour rather than endorsing it.
func TestAddFundsDoesNotCheckAgainstPrice(t *testing.T) {
	engine, _, _ := newTestEngine(t, 250)
	id := mustCreate(t, engine)
	if _, err := engine.AcceptProject(testSeller, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := engine.AddFunds(testBuyer, id, big.NewInt(1)); err != nil {
		t.Fatalf("expected a 1 wei deposit to be accepted, got %v", err)
	}
}

func TestCreateProjectRejectsInvalidParties(t *testing.T) {
	engine, _, _ := newTestEngine(t, 250)
	_, err := engine.CreateProject(testBuyer, testBuyer, testBuyer)
	expectKind(t, err, ErrInvalidParties)
	_, err = engine.CreateProject(testBuyer, common.Address{}, testSeller)
	expectKind(t, err, ErrInvalidParties)
}

func TestSubmitAssetRequiresLink(t *testing.T) {
	engine, _, _ := newTestEngine(t, 250)
	id := mustCreate(t, engine)
	_, _ = engine.AcceptProject(testSeller, id)
	_, _ = engine.AddFunds(testBuyer, id, big.NewInt(10))
	_, err := engine.SubmitAsset(testSeller, id, "   ", "instructions")
	expectKind(t, err, ErrInvalidAsset)
	mustStatus(t, engine, id, StatusFunded)
}

func TestFeeUpdateAndWithdraw(t *testing.T) {
	engine, st, emitter := newTestEngine(t, 250)

	_, _, err := engine.WithdrawFees(testAdmin)
	expectKind(t, err, ErrNothingToWithdraw)

	_, err = engine.UpdateFeePercentage(testAdmin, 10_001)
	expectKind(t, err, ErrInvalidFeeRange)
	if _, err := engine.UpdateFeePercentage(testAdmin, 10_000); err != nil {
		t.Fatalf("update to 100%%: %v", err)
	}
	if _, err := engine.UpdateFeePercentage(testAdmin, 500); err != nil {
		t.Fatalf("update fee: %v", err)
	}
	bps, _ := engine.CurrentFeePercentage()
	if bps != 500 {
		t.Fatalf("expected 500 bp, got %d", bps)
	}

	id := submittedProject(t, engine, 999)
	if _, err := engine.AcceptAsset(testBuyer, id); err != nil {
		t.Fatalf("accept asset: %v", err)
	}
	project, _ := engine.GetProject(id)
	// floor(999 * 500 / 10000) = 49
	if project.Fee.Int64() != 49 {
		t.Fatalf("expected fee 49, got %s", project.Fee)
	}

	receipt, amount, err := engine.WithdrawFees(testAdmin)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Int64() != 49 || receipt.ProjectID != 0 {
		t.Fatalf("unexpected withdrawal %s %+v", amount, receipt)
	}
	withdrawals := st.transfers[0]
	if len(withdrawals) != 1 || withdrawals[0].To != testAdmin || withdrawals[0].Kind != TransferFeeWithdrawal {
		t.Fatalf("unexpected withdrawal transfers: %+v", withdrawals)
	}
	_, _, err = engine.WithdrawFees(testAdmin)
	expectKind(t, err, ErrNothingToWithdraw)
	if err := engine.CheckConservation(); err != nil {
		t.Fatalf("conservation: %v", err)
	}

	found := false
	for _, typ := range emitter.eventTypes() {
		if typ == EventTypeFeesWithdrawn {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fees withdrawn event")
	}
}

func TestFeeRateChangeAppliesAtRelease(t *testing.T) {
	engine, _, _ := newTestEngine(t, 0)
	id := submittedProject(t, engine, 10_000)
	if _, err := engine.UpdateFeePercentage(testAdmin, 300); err != nil {
		t.Fatalf("update fee: %v", err)
	}
	if _, err := engine.AcceptAsset(testBuyer, id); err != nil {
		t.Fatalf("accept asset: %v", err)
	}
	project, _ := engine.GetProject(id)
	if project.Fee.Int64() != 300 {
		t.Fatalf("expected fee computed at release time (300), got %s", project.Fee)
	}
}

func TestCommitFailureLeavesProjectUnchanged(t *testing.T) {
	engine, st, _ := newTestEngine(t, 250)
	id := mustCreate(t, engine)
	st.failNext = errors.New("disk full")
	_, err := engine.AcceptProject(testSeller, id)
	var opErr *Error
	if err == nil || errors.As(err, &opErr) {
		t.Fatalf("expected untyped infrastructure error, got %v", err)
	}
	mustStatus(t, engine, id, StatusPending)
}

func TestConcurrentAcceptHasSingleWinner(t *testing.T) {
	engine, _, _ := newTestEngine(t, 250)
	id := mustCreate(t, engine)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.AcceptProject(testSeller, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidTransition):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d/%d", workers-1, successes, conflicts)
	}
}

func TestUnknownProjectsLeaveNoLockEntries(t *testing.T) {
	engine, _, _ := newTestEngine(t, 250)
	id := mustCreate(t, engine)
	for unknown := uint64(1000); unknown < 1500; unknown++ {
		_, err := engine.AcceptProject(testSeller, unknown)
		expectKind(t, err, ErrNotFound)
		_, err = engine.AddFunds(testBuyer, unknown, big.NewInt(10))
		expectKind(t, err, ErrNotFound)
	}
	if n := engine.locks.size(); n != 0 {
		t.Fatalf("expected no lock entries after NotFound calls, got %d", n)
	}
	if _, err := engine.AcceptProject(testSeller, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if n := engine.locks.size(); n != 0 {
		t.Fatalf("expected lock released after accept, got %d entries", n)
	}
}

func TestConcurrentCreateAssignsDistinctIDs(t *testing.T) {
	engine, _, _ := newTestEngine(t, 250)
	const workers = 20
	ids := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := engine.CreateProject(testOther, testBuyer, testSeller)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids <- receipt.ProjectID
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != workers || !seen[1] || !seen[workers] {
		t.Fatalf("expected ids 1..%d, got %v", workers, seen)
	}
}

func TestBootstrapKeepsStoredFee(t *testing.T) {
	engine, _, _ := newTestEngine(t, 250)
	if _, err := engine.UpdateFeePercentage(testAdmin, 75); err != nil {
		t.Fatalf("update: %v", err)
	}
	treasury, err := engine.Bootstrap(900)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if treasury.FeeBasisPoints != 75 {
		t.Fatalf("expected stored fee 75 to win, got %d", treasury.FeeBasisPoints)
	}
	if _, err := engine.Bootstrap(10_001); !errors.Is(err, ErrInvalidFeeRange) {
		t.Fatalf("expected invalid fee range, got %v", err)
	}
}

func TestEngineWithoutState(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.CreateProject(testBuyer, testBuyer, testSeller); !errors.Is(err, errNilState) {
		t.Fatalf("expected nil state error, got %v", err)
	}
}
