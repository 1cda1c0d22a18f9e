package escrow

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"forechain/core/events"
	"forechain/core/types"
)

type engineState interface {
	ProjectGet(id uint64) (*Project, bool, error)
	ProjectIterate(fn func(*Project) bool) error
	ProjectIDsByAccount(addr common.Address) ([]uint64, error)
	LastProjectID() (uint64, error)
	TreasuryGet() (*Treasury, bool, error)
	TransfersByProject(id uint64) ([]Transfer, error)
	// Commit applies every write in the changeset atomically and returns the
	// ledger sequence assigned to it.
	Commit(cs *Changeset) (uint64, error)
}

// Observer receives the outcome of every engine operation. It is used to
// feed metrics without coupling the engine to a metrics backend.
type Observer interface {
	ObserveOperation(op string, outcome string)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine applies the project lifecycle on top of a ledger backend. Mutations
// on one project are serialised by a per-project lock; operations that move
// value additionally take the treasury lock, always after the project lock.
type Engine struct {
	state      engineState
	emitter    events.Emitter
	observer   Observer
	log        *slog.Logger
	admin      common.Address
	defaultFee uint64
	nowFn      func() int64

	createMu   sync.Mutex
	treasuryMu sync.Mutex
	locks      projectLocks
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter:    events.NoopEmitter{},
		defaultFee: DefaultFeeBasisPoints,
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAdministrator configures the account allowed to resolve disputes and
// manage fees.
func (e *Engine) SetAdministrator(addr common.Address) { e.admin = addr }

// Administrator returns the configured administrator account.
func (e *Engine) Administrator() common.Address { return e.admin }

// SetLogger overrides the structured logger. Passing nil restores slog's
// default logger.
func (e *Engine) SetLogger(logger *slog.Logger) { e.log = logger }

// SetObserver installs an operation observer. Passing nil disables it.
func (e *Engine) SetObserver(observer Observer) { e.observer = observer }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Bootstrap persists the initial treasury record when the ledger has none.
// An existing record is left untouched so the stored fee rate stays
// authoritative across restarts.
func (e *Engine) Bootstrap(initialFeeBps uint64) (*Treasury, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := ValidateFeeBasisPoints(initialFeeBps); err != nil {
		return nil, err
	}
	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()

	existing, ok, err := e.state.TreasuryGet()
	if err != nil {
		return nil, err
	}
	if ok {
		return existing, nil
	}
	treasury := NewTreasury(initialFeeBps)
	if _, err := e.state.Commit(&Changeset{Treasury: treasury}); err != nil {
		return nil, fmt.Errorf("escrow bootstrap: %w", err)
	}
	e.defaultFee = initialFeeBps
	return treasury.Clone(), nil
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

// emit publishes event stamped with the ledger sequence of receipt so
// subscribers can order events across projects.
func (e *Engine) emit(receipt *Receipt, event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	if receipt != nil {
		if event.Attributes == nil {
			event.Attributes = make(map[string]string)
		}
		event.Attributes["sequence"] = strconv.FormatUint(receipt.Sequence, 10)
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) logger() *slog.Logger {
	if e.log == nil {
		return slog.Default()
	}
	return e.log
}

func (e *Engine) observe(op, outcome string) {
	if e.observer != nil {
		e.observer.ObserveOperation(op, outcome)
	}
}

func (e *Engine) isAdministrator(caller common.Address) bool {
	return e.admin != (common.Address{}) && caller == e.admin
}

// reject records a refused operation and returns its typed error.
func (e *Engine) reject(op string, id uint64, kind error, format string, args ...interface{}) error {
	err := opError(op, id, kind, format, args...)
	e.logger().Debug("escrow operation rejected", "op", op, "project_id", id, "error", err.Error())
	e.observe(op, kindLabel(kind))
	return err
}

func kindLabel(kind error) string {
	switch kind {
	case ErrNotFound:
		return "not_found"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrInvalidAmount:
		return "invalid_amount"
	case ErrInvalidFeeRange:
		return "invalid_fee_range"
	case ErrNothingToWithdraw:
		return "nothing_to_withdraw"
	case ErrInvalidParties:
		return "invalid_parties"
	case ErrInvalidAsset:
		return "invalid_asset"
	default:
		return "error"
	}
}

func (e *Engine) loadTreasury() (*Treasury, error) {
	treasury, ok, err := e.state.TreasuryGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewTreasury(e.defaultFee), nil
	}
	return treasury, nil
}

// authorize loads the project and checks, in order, that it exists, that the
// caller holds role and that the current status is one of allowed.
func (e *Engine) authorize(op string, id uint64, caller common.Address, role Role, allowed ...ProjectStatus) (*Project, error) {
	project, ok, err := e.state.ProjectGet(id)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: load project %d: %w", op, id, err)
	}
	if !ok {
		return nil, e.reject(op, id, ErrNotFound, "")
	}
	switch role {
	case RoleBuyer:
		if caller != project.Buyer {
			return nil, e.reject(op, id, ErrUnauthorized, "caller %s is not the buyer", hexAddr(caller))
		}
	case RoleSeller:
		if caller != project.Seller {
			return nil, e.reject(op, id, ErrUnauthorized, "caller %s is not the seller", hexAddr(caller))
		}
	case RoleAdministrator:
		if !e.isAdministrator(caller) {
			return nil, e.reject(op, id, ErrUnauthorized, "caller %s is not the administrator", hexAddr(caller))
		}
	}
	for _, status := range allowed {
		if project.Status == status {
			return project, nil
		}
	}
	return nil, e.reject(op, id, ErrInvalidTransition, "status %s", project.Status)
}

func (e *Engine) commit(op string, caller common.Address, cs *Changeset) (*Receipt, error) {
	seq, err := e.state.Commit(cs)
	if err != nil {
		e.observe(op, "error")
		return nil, fmt.Errorf("escrow %s: commit: %w", op, err)
	}
	receipt := &Receipt{Sequence: seq, Operation: op}
	if cs.Project != nil {
		receipt.ProjectID = cs.Project.ID
		receipt.Status = cs.Project.Status
		receipt.Project = cs.Project.Clone()
	}
	receipt.TxHash = receiptHash(op, receipt.ProjectID, caller, seq)
	e.observe(op, "ok")
	return receipt, nil
}

func receiptHash(op string, id uint64, caller common.Address, seq uint64) common.Hash {
	var idBuf, seqBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return ethcrypto.Keccak256Hash([]byte(op), idBuf[:], caller[:], seqBuf[:])
}

func hexAddr(addr common.Address) string { return addr.Hex() }

// CreateProject registers a new agreement between buyer and seller. Any
// account may initiate it.
func (e *Engine) CreateProject(caller, buyer, seller common.Address) (*Receipt, error) {
	const op = "createProject"
	if err := e.ready(); err != nil {
		return nil, err
	}
	if buyer == (common.Address{}) || seller == (common.Address{}) {
		return nil, e.reject(op, 0, ErrInvalidParties, "buyer and seller must be set")
	}
	if buyer == seller {
		return nil, e.reject(op, 0, ErrInvalidParties, "buyer and seller must differ")
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	last, err := e.state.LastProjectID()
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", op, err)
	}
	now := e.now()
	project := &Project{
		ID:        last + 1,
		Creator:   caller,
		Buyer:     buyer,
		Seller:    seller,
		Status:    StatusPending,
		Amount:    big.NewInt(0),
		Fee:       big.NewInt(0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	receipt, err := e.commit(op, caller, &Changeset{Project: project, Created: true})
	if err != nil {
		return nil, err
	}
	e.emit(receipt, NewProjectEvent(EventTypeProjectCreated, project, receipt.TxHash))
	e.logger().Info("escrow project created", "project_id", project.ID,
		"buyer", hexAddr(buyer), "seller", hexAddr(seller))
	return receipt, nil
}

// AcceptProject records the seller's agreement to deliver.
func (e *Engine) AcceptProject(caller common.Address, id uint64) (*Receipt, error) {
	const op = "acceptProject"
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	project, err := e.authorize(op, id, caller, RoleSeller, StatusPending)
	if err != nil {
		return nil, err
	}
	project.Status = StatusAwaitingFunds
	project.UpdatedAt = e.now()
	receipt, err := e.commit(op, caller, &Changeset{Project: project})
	if err != nil {
		return nil, err
	}
	e.emit(receipt, NewProjectEvent(EventTypeProjectAccepted, project, receipt.TxHash))
	e.logger().Info("escrow project accepted", "project_id", id)
	return receipt, nil
}

// AddFunds places amount into custody for the project. The amount is taken as
// transferred; no expected price is enforced.
func (e *Engine) AddFunds(caller common.Address, id uint64, amount *big.Int) (*Receipt, error) {
	const op = "addFunds"
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	project, err := e.authorize(op, id, caller, RoleBuyer, StatusAwaitingFunds)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, e.reject(op, id, ErrInvalidAmount, "amount must be positive")
	}
	if _, err := toUint256(amount); err != nil {
		return nil, e.reject(op, id, ErrInvalidAmount, "amount exceeds 256 bits")
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()

	treasury, err := e.loadTreasury()
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", op, err)
	}
	treasury.deposit(amount)
	project.Amount = cloneBigInt(amount)
	project.Status = StatusFunded
	project.UpdatedAt = e.now()
	receipt, err := e.commit(op, caller, &Changeset{Project: project, Treasury: treasury})
	if err != nil {
		return nil, err
	}
	e.emit(receipt, NewProjectEvent(EventTypeProjectFunded, project, receipt.TxHash))
	e.logger().Info("escrow project funded", "project_id", id, "amount", amount.String())
	return receipt, nil
}

// SubmitAsset publishes the delivery link and instructions. It is valid after
// funding and again after each rejection.
func (e *Engine) SubmitAsset(caller common.Address, id uint64, assetLink, instructions string) (*Receipt, error) {
	const op = "submitAsset"
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	project, err := e.authorize(op, id, caller, RoleSeller, StatusFunded, StatusRejectedAsset)
	if err != nil {
		return nil, err
	}
	link := strings.TrimSpace(assetLink)
	if link == "" {
		return nil, e.reject(op, id, ErrInvalidAsset, "asset link must not be empty")
	}
	project.AssetLink = link
	project.Instructions = instructions
	project.Status = StatusAssetSubmitted
	project.UpdatedAt = e.now()
	receipt, err := e.commit(op, caller, &Changeset{Project: project})
	if err != nil {
		return nil, err
	}
	e.emit(receipt, NewProjectEvent(EventTypeAssetSubmitted, project, receipt.TxHash))
	e.logger().Info("escrow asset submitted", "project_id", id)
	return receipt, nil
}

// AcceptAsset releases the custodied amount minus the platform fee to the
// seller and completes the project.
func (e *Engine) AcceptAsset(caller common.Address, id uint64) (*Receipt, error) {
	const op = "acceptAsset"
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	project, err := e.authorize(op, id, caller, RoleBuyer, StatusAssetSubmitted)
	if err != nil {
		return nil, err
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()

	cs, err := e.releaseToSeller(op, project)
	if err != nil {
		return nil, err
	}
	project.BuyerAccepted = true
	project.Status = StatusCompleted
	receipt, err := e.commit(op, caller, cs)
	if err != nil {
		return nil, err
	}
	e.emit(receipt, NewProjectEvent(EventTypeAssetAccepted, project, receipt.TxHash))
	e.logger().Info("escrow asset accepted", "project_id", id,
		"amount", project.Amount.String(), "fee", project.Fee.String())
	return receipt, nil
}

// releaseToSeller prepares the payout of a funded project at the current fee
// rate. The caller must hold the treasury lock.
func (e *Engine) releaseToSeller(op string, project *Project) (*Changeset, error) {
	treasury, err := e.loadTreasury()
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", op, err)
	}
	fee, payout, err := ComputeFee(project.Amount, treasury.FeeBasisPoints)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: compute fee: %w", op, err)
	}
	treasury.release(project.Amount, fee, payout)
	project.Fee = fee
	project.UpdatedAt = e.now()
	return &Changeset{
		Project:   project,
		Treasury:  treasury,
		Transfers: []Transfer{{ProjectID: project.ID, Kind: TransferPayout, To: project.Seller, Amount: payout}},
	}, nil
}

// projectLocks serialises mutations per project. Entries are reference
// counted and dropped on release so unknown ids leave nothing behind.
type projectLocks struct {
	mu    sync.Mutex
	locks map[uint64]*projectLock
}

type projectLock struct {
	mu   sync.Mutex
	refs int
}

func (l *projectLocks) lock(id uint64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uint64]*projectLock)
	}
	m, ok := l.locks[id]
	if !ok {
		m = new(projectLock)
		l.locks[id] = m
	}
	m.refs++
	l.mu.Unlock()
	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *projectLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
