package escrow

import (
	"fmt"
	"math/big"
)

// Treasury is the single global custody record. Held tracks the sum of the
// amounts of projects that still hold funds; AccruedFees tracks platform fees
// not yet withdrawn. The running totals let CheckConservation verify that no
// value is created or lost.
type Treasury struct {
	FeeBasisPoints     uint64
	AccruedFees        *big.Int
	Held               *big.Int
	TotalDeposited     *big.Int
	TotalReleased      *big.Int
	TotalRefunded      *big.Int
	TotalFeesCharged   *big.Int
	TotalFeesWithdrawn *big.Int
}

// NewTreasury returns an empty treasury charging bps.
func NewTreasury(bps uint64) *Treasury {
	return &Treasury{
		FeeBasisPoints:     bps,
		AccruedFees:        big.NewInt(0),
		Held:               big.NewInt(0),
		TotalDeposited:     big.NewInt(0),
		TotalReleased:      big.NewInt(0),
		TotalRefunded:      big.NewInt(0),
		TotalFeesCharged:   big.NewInt(0),
		TotalFeesWithdrawn: big.NewInt(0),
	}
}

// Clone returns a deep copy of the treasury.
func (t *Treasury) Clone() *Treasury {
	if t == nil {
		return nil
	}
	return &Treasury{
		FeeBasisPoints:     t.FeeBasisPoints,
		AccruedFees:        cloneBigInt(t.AccruedFees),
		Held:               cloneBigInt(t.Held),
		TotalDeposited:     cloneBigInt(t.TotalDeposited),
		TotalReleased:      cloneBigInt(t.TotalReleased),
		TotalRefunded:      cloneBigInt(t.TotalRefunded),
		TotalFeesCharged:   cloneBigInt(t.TotalFeesCharged),
		TotalFeesWithdrawn: cloneBigInt(t.TotalFeesWithdrawn),
	}
}

// Balance returns everything the engine currently holds: custodied project
// funds plus unwithdrawn fees.
func (t *Treasury) Balance() *big.Int {
	if t == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(cloneBigInt(t.Held), cloneBigInt(t.AccruedFees))
}

func (t *Treasury) deposit(amount *big.Int) {
	t.Held = new(big.Int).Add(t.Held, amount)
	t.TotalDeposited = new(big.Int).Add(t.TotalDeposited, amount)
}

// release moves a project's amount out of custody, paying payout to the seller
// and keeping fee as accrued platform revenue.
func (t *Treasury) release(amount, fee, payout *big.Int) {
	t.Held = new(big.Int).Sub(t.Held, amount)
	t.TotalReleased = new(big.Int).Add(t.TotalReleased, payout)
	t.TotalFeesCharged = new(big.Int).Add(t.TotalFeesCharged, fee)
	t.AccruedFees = new(big.Int).Add(t.AccruedFees, fee)
}

func (t *Treasury) refund(amount *big.Int) {
	t.Held = new(big.Int).Sub(t.Held, amount)
	t.TotalRefunded = new(big.Int).Add(t.TotalRefunded, amount)
}

func (t *Treasury) withdrawFees(amount *big.Int) {
	t.AccruedFees = new(big.Int).Sub(t.AccruedFees, amount)
	t.TotalFeesWithdrawn = new(big.Int).Add(t.TotalFeesWithdrawn, amount)
}

// Verify checks the treasury's internal accounting identities.
func (t *Treasury) Verify() error {
	if t == nil {
		return fmt.Errorf("treasury missing")
	}
	for name, v := range map[string]*big.Int{
		"held": t.Held, "accruedFees": t.AccruedFees, "totalDeposited": t.TotalDeposited,
		"totalReleased": t.TotalReleased, "totalRefunded": t.TotalRefunded,
		"totalFeesCharged": t.TotalFeesCharged, "totalFeesWithdrawn": t.TotalFeesWithdrawn,
	} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("treasury %s negative or missing", name)
		}
	}
	if t.FeeBasisPoints > MaxFeeBasisPoints {
		return fmt.Errorf("treasury fee rate %d out of range", t.FeeBasisPoints)
	}
	// held + accrued == deposited - released - refunded - withdrawn
	outflow := new(big.Int).Add(t.TotalReleased, t.TotalRefunded)
	outflow.Add(outflow, t.TotalFeesWithdrawn)
	expected := new(big.Int).Sub(t.TotalDeposited, outflow)
	if t.Balance().Cmp(expected) != 0 {
		return fmt.Errorf("treasury balance %s does not match net inflow %s", t.Balance(), expected)
	}
	accrued := new(big.Int).Sub(t.TotalFeesCharged, t.TotalFeesWithdrawn)
	if t.AccruedFees.Cmp(accrued) != 0 {
		return fmt.Errorf("accrued fees %s do not match charged minus withdrawn %s", t.AccruedFees, accrued)
	}
	return nil
}

// CheckConservation recomputes the funds held by every project and compares
// the sum with the treasury record.
func (e *Engine) CheckConservation() error {
	if err := e.ready(); err != nil {
		return err
	}
	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()

	treasury, err := e.loadTreasury()
	if err != nil {
		return err
	}
	if err := treasury.Verify(); err != nil {
		return err
	}
	held := big.NewInt(0)
	err = e.state.ProjectIterate(func(p *Project) bool {
		if p.Status.HoldsFunds() {
			held.Add(held, p.Amount)
		}
		return true
	})
	if err != nil {
		return err
	}
	if held.Cmp(treasury.Held) != 0 {
		return fmt.Errorf("projects hold %s but treasury records %s", held, treasury.Held)
	}
	return nil
}

// ContractBalance returns the total value in custody including accrued fees.
func (e *Engine) ContractBalance() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	treasury, err := e.loadTreasury()
	if err != nil {
		return nil, err
	}
	return treasury.Balance(), nil
}

// Treasury returns a copy of the custody record.
func (e *Engine) Treasury() (*Treasury, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadTreasury()
}
