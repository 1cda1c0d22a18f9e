package escrow

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"forechain/core/types"
)

const (
	EventTypeProjectCreated  = "escrow.project.created"
	EventTypeProjectAccepted = "escrow.project.accepted"
	EventTypeProjectFunded   = "escrow.project.funded"
	EventTypeAssetSubmitted  = "escrow.project.asset_submitted"
	EventTypeAssetAccepted   = "escrow.project.asset_accepted"
	EventTypeAssetRejected   = "escrow.project.asset_rejected"
	EventTypeProjectDisputed = "escrow.project.disputed"
	EventTypeProjectResolved = "escrow.project.resolved"
	EventTypeFeesUpdated     = "escrow.fees.updated"
	EventTypeFeesWithdrawn   = "escrow.fees.withdrawn"
)

// NewProjectEvent returns the canonical event payload describing a project
// after a committed transition.
func NewProjectEvent(eventType string, p *Project, txHash common.Hash) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeProject(p)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["buyer"] = sanitized.Buyer.Hex()
	attrs["seller"] = sanitized.Seller.Hex()
	attrs["status"] = strconv.FormatUint(uint64(sanitized.Status), 10)
	attrs["amount"] = sanitized.Amount.String()
	attrs["rejectionCount"] = strconv.FormatUint(uint64(sanitized.RejectionCount), 10)
	attrs["updatedAt"] = strconv.FormatInt(sanitized.UpdatedAt, 10)
	if sanitized.Fee.Sign() > 0 {
		attrs["fee"] = sanitized.Fee.String()
	}
	if sanitized.AssetLink != "" {
		attrs["assetLink"] = sanitized.AssetLink
	}
	if txHash != (common.Hash{}) {
		attrs["txHash"] = txHash.Hex()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewResolvedEvent returns the payload emitted when the administrator settles a
// dispute.
func NewResolvedEvent(p *Project, favorSeller bool, txHash common.Hash) *types.Event {
	evt := NewProjectEvent(EventTypeProjectResolved, p, txHash)
	if favorSeller {
		evt.Attributes["outcome"] = "seller"
	} else {
		evt.Attributes["outcome"] = "buyer"
	}
	return evt
}

// NewFeeUpdatedEvent returns the payload emitted when the fee rate changes.
func NewFeeUpdatedEvent(previous, current uint64, txHash common.Hash) *types.Event {
	return &types.Event{Type: EventTypeFeesUpdated, Attributes: map[string]string{
		"previousBps": strconv.FormatUint(previous, 10),
		"bps":         strconv.FormatUint(current, 10),
		"txHash":      txHash.Hex(),
	}}
}

// NewFeesWithdrawnEvent returns the payload emitted when accrued fees are paid
// out to the administrator.
func NewFeesWithdrawnEvent(to common.Address, amount *big.Int, txHash common.Hash) *types.Event {
	return &types.Event{Type: EventTypeFeesWithdrawn, Attributes: map[string]string{
		"to":     to.Hex(),
		"amount": cloneBigInt(amount).String(),
		"txHash": txHash.Hex(),
	}}
}
