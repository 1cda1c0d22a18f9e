package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// MaxFeeBasisPoints caps the platform fee at 100%.
	MaxFeeBasisPoints = 10_000
	// DefaultFeeBasisPoints is applied when no rate is configured.
	DefaultFeeBasisPoints = 250
)

var basisPointDenominator = uint256.NewInt(MaxFeeBasisPoints)

// ValidateFeeBasisPoints rejects rates outside [0, 10000].
func ValidateFeeBasisPoints(bps uint64) error {
	if bps > MaxFeeBasisPoints {
		return fmt.Errorf("%w: %d", ErrInvalidFeeRange, bps)
	}
	return nil
}

// toUint256 converts a non-negative big integer, failing with ErrInvalidAmount
// when it is negative or does not fit in 256 bits.
func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return out, nil
}

// ComputeFee splits amount into the platform fee (floor of amount*bps/10000)
// and the remainder owed to the seller.
func ComputeFee(amount *big.Int, bps uint64) (fee *big.Int, payout *big.Int, err error) {
	if err := ValidateFeeBasisPoints(bps); err != nil {
		return nil, nil, err
	}
	total, err := toUint256(amount)
	if err != nil {
		return nil, nil, err
	}
	rate := uint256.NewInt(bps)
	// The intermediate product is 512-bit in MulDivOverflow, so only the
	// quotient can overflow and it never exceeds total.
	feeValue, overflow := new(uint256.Int).MulDivOverflow(total, rate, basisPointDenominator)
	if overflow {
		return nil, nil, ErrInvalidAmount
	}
	payoutValue := new(uint256.Int).Sub(total, feeValue)
	return feeValue.ToBig(), payoutValue.ToBig(), nil
}

// UpdateFeePercentage changes the rate applied to future releases. Only the
// administrator may call it.
func (e *Engine) UpdateFeePercentage(caller common.Address, bps uint64) (*Receipt, error) {
	const op = "updateFeePercentage"
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !e.isAdministrator(caller) {
		return nil, e.reject(op, 0, ErrUnauthorized, "caller %s is not the administrator", hexAddr(caller))
	}
	if bps > MaxFeeBasisPoints {
		return nil, e.reject(op, 0, ErrInvalidFeeRange, "%d exceeds %d", bps, MaxFeeBasisPoints)
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()

	treasury, err := e.loadTreasury()
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", op, err)
	}
	previous := treasury.FeeBasisPoints
	treasury.FeeBasisPoints = bps
	receipt, err := e.commit(op, caller, &Changeset{Treasury: treasury})
	if err != nil {
		return nil, err
	}
	e.emit(receipt, NewFeeUpdatedEvent(previous, bps, receipt.TxHash))
	e.logger().Info("escrow fee rate updated", "previous_bps", previous, "bps", bps)
	return receipt, nil
}

// WithdrawFees pays all accrued platform fees to the administrator.
func (e *Engine) WithdrawFees(caller common.Address) (*Receipt, *big.Int, error) {
	const op = "withdrawFees"
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if !e.isAdministrator(caller) {
		return nil, nil, e.reject(op, 0, ErrUnauthorized, "caller %s is not the administrator", hexAddr(caller))
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()

	treasury, err := e.loadTreasury()
	if err != nil {
		return nil, nil, fmt.Errorf("escrow %s: %w", op, err)
	}
	amount := cloneBigInt(treasury.AccruedFees)
	if amount.Sign() == 0 {
		return nil, nil, e.reject(op, 0, ErrNothingToWithdraw, "")
	}
	treasury.withdrawFees(amount)
	transfer := Transfer{Kind: TransferFeeWithdrawal, To: e.admin, Amount: amount}
	receipt, err := e.commit(op, caller, &Changeset{Treasury: treasury, Transfers: []Transfer{transfer}})
	if err != nil {
		return nil, nil, err
	}
	e.emit(receipt, NewFeesWithdrawnEvent(e.admin, amount, receipt.TxHash))
	e.logger().Info("escrow fees withdrawn", "amount", amount.String(), "to", hexAddr(e.admin))
	return receipt, cloneBigInt(amount), nil
}

// CurrentFeePercentage returns the configured rate in basis points.
func (e *Engine) CurrentFeePercentage() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	treasury, err := e.loadTreasury()
	if err != nil {
		return 0, err
	}
	return treasury.FeeBasisPoints, nil
}
