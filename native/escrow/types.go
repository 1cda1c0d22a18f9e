package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ProjectStatus represents the lifecycle states of an escrowed project. The
// numeric values are part of the external contract; 4 and 7 are reserved and
// never assigned.
type ProjectStatus uint8

const (
	StatusPending           ProjectStatus = 0
	StatusAwaitingFunds     ProjectStatus = 1
	StatusFunded            ProjectStatus = 2
	StatusAssetSubmitted    ProjectStatus = 3
	StatusRejectedAsset     ProjectStatus = 5
	StatusCompleted         ProjectStatus = 6
	StatusResolvedCompleted ProjectStatus = 8
	StatusDisputeCreated    ProjectStatus = 9
)

// Valid reports whether the status value is one the lifecycle can reach.
func (s ProjectStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingFunds, StatusFunded, StatusAssetSubmitted,
		StatusRejectedAsset, StatusCompleted, StatusResolvedCompleted, StatusDisputeCreated:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave the status.
func (s ProjectStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusResolvedCompleted
}

// HoldsFunds reports whether a project in this status still has its amount in
// custody.
func (s ProjectStatus) HoldsFunds() bool {
	switch s {
	case StatusFunded, StatusAssetSubmitted, StatusRejectedAsset, StatusDisputeCreated:
		return true
	default:
		return false
	}
}

func (s ProjectStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAwaitingFunds:
		return "awaiting_funds"
	case StatusFunded:
		return "funded"
	case StatusAssetSubmitted:
		return "asset_submitted"
	case StatusRejectedAsset:
		return "rejected_asset"
	case StatusCompleted:
		return "completed"
	case StatusResolvedCompleted:
		return "resolved_completed"
	case StatusDisputeCreated:
		return "dispute_created"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Project captures the parties, custody amount and delivery negotiation of a
// single escrow agreement.
type Project struct {
	ID             uint64
	Creator        common.Address
	Buyer          common.Address
	Seller         common.Address
	Status         ProjectStatus
	Amount         *big.Int
	AssetLink      string
	Instructions   string
	RejectionCount uint8
	BuyerAccepted  bool
	SellerAccepted bool
	Refunded       bool
	Fee            *big.Int
	CreatedAt      int64
	UpdatedAt      int64
}

// Clone returns a deep copy of the project so callers can safely mutate the
// copy without affecting the stored instance.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Amount = cloneBigInt(p.Amount)
	clone.Fee = cloneBigInt(p.Fee)
	return &clone
}

// Completed reports whether the project reached a settled state with the asset
// accepted by either the buyer or the administrator.
func (p *Project) Completed() bool {
	if p == nil {
		return false
	}
	return p.Status.Terminal() && (p.BuyerAccepted || p.SellerAccepted)
}

// Party reports whether addr is the buyer or seller of the project.
func (p *Project) Party(addr common.Address) bool {
	return p != nil && (p.Buyer == addr || p.Seller == addr)
}

// SanitizeProject validates and normalises a project loaded from storage,
// returning a cloned instance with non-nil amounts. The original value is not
// mutated.
func SanitizeProject(p *Project) (*Project, error) {
	if p == nil {
		return nil, fmt.Errorf("nil project")
	}
	clone := p.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("project id must be non-zero")
	}
	if clone.Buyer == (common.Address{}) || clone.Seller == (common.Address{}) {
		return nil, fmt.Errorf("project %d: missing party address", clone.ID)
	}
	if clone.Amount.Sign() < 0 || clone.Fee.Sign() < 0 {
		return nil, fmt.Errorf("project %d: negative amount", clone.ID)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("project %d: invalid status %d", clone.ID, clone.Status)
	}
	if clone.RejectionCount > EscalationThreshold {
		return nil, fmt.Errorf("project %d: rejection count %d above threshold", clone.ID, clone.RejectionCount)
	}
	clone.AssetLink = strings.TrimSpace(clone.AssetLink)
	return clone, nil
}

// Role names the capacity a caller must hold for an operation.
type Role uint8

const (
	RoleBuyer Role = iota + 1
	RoleSeller
	RoleAdministrator
)

// TransferKind classifies outbound value movements recorded in the ledger.
type TransferKind uint8

const (
	TransferPayout TransferKind = iota + 1
	TransferRefund
	TransferFeeWithdrawal
)

func (k TransferKind) String() string {
	switch k {
	case TransferPayout:
		return "payout"
	case TransferRefund:
		return "refund"
	case TransferFeeWithdrawal:
		return "fee_withdrawal"
	default:
		return "unknown"
	}
}

// Transfer is an immutable instruction to move value out of custody. The
// ledger only records it; settlement happens outside the engine.
type Transfer struct {
	Sequence  uint64
	ProjectID uint64
	Kind      TransferKind
	To        common.Address
	Amount    *big.Int
}

// Receipt identifies a committed mutation. TxHash is the handle returned to
// clients in place of an on-chain transaction hash.
type Receipt struct {
	TxHash    common.Hash
	Sequence  uint64
	Operation string
	ProjectID uint64
	Status    ProjectStatus
	Project   *Project
}

// Changeset groups every write produced by one operation. The state backend
// must apply it atomically and assign the next ledger sequence.
type Changeset struct {
	Project   *Project
	Created   bool
	Treasury  *Treasury
	Transfers []Transfer
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
