package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"forechain/native/escrow"
)

// storedProject is the on-disk layout of a project. Timestamps are stored
// unsigned because RLP has no signed integers.
type storedProject struct {
	ID             uint64
	Creator        common.Address
	Buyer          common.Address
	Seller         common.Address
	Status         uint8
	Amount         *big.Int
	AssetLink      string
	Instructions   string
	RejectionCount uint8
	BuyerAccepted  bool
	SellerAccepted bool
	Refunded       bool
	Fee            *big.Int
	CreatedAt      uint64
	UpdatedAt      uint64
}

func newStoredProject(p *escrow.Project) *storedProject {
	return &storedProject{
		ID:             p.ID,
		Creator:        p.Creator,
		Buyer:          p.Buyer,
		Seller:         p.Seller,
		Status:         uint8(p.Status),
		Amount:         nonNil(p.Amount),
		AssetLink:      p.AssetLink,
		Instructions:   p.Instructions,
		RejectionCount: p.RejectionCount,
		BuyerAccepted:  p.BuyerAccepted,
		SellerAccepted: p.SellerAccepted,
		Refunded:       p.Refunded,
		Fee:            nonNil(p.Fee),
		CreatedAt:      uint64(p.CreatedAt),
		UpdatedAt:      uint64(p.UpdatedAt),
	}
}

func (s *storedProject) project() *escrow.Project {
	return &escrow.Project{
		ID:             s.ID,
		Creator:        s.Creator,
		Buyer:          s.Buyer,
		Seller:         s.Seller,
		Status:         escrow.ProjectStatus(s.Status),
		Amount:         nonNil(s.Amount),
		AssetLink:      s.AssetLink,
		Instructions:   s.Instructions,
		RejectionCount: s.RejectionCount,
		BuyerAccepted:  s.BuyerAccepted,
		SellerAccepted: s.SellerAccepted,
		Refunded:       s.Refunded,
		Fee:            nonNil(s.Fee),
		CreatedAt:      int64(s.CreatedAt),
		UpdatedAt:      int64(s.UpdatedAt),
	}
}

type storedTransfer struct {
	Sequence  uint64
	ProjectID uint64
	Kind      uint8
	To        common.Address
	Amount    *big.Int
}

type storedTreasury struct {
	FeeBasisPoints     uint64
	AccruedFees        *big.Int
	Held               *big.Int
	TotalDeposited     *big.Int
	TotalReleased      *big.Int
	TotalRefunded      *big.Int
	TotalFeesCharged   *big.Int
	TotalFeesWithdrawn *big.Int
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func decodeProject(data []byte) (*escrow.Project, error) {
	stored := new(storedProject)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, err
	}
	return escrow.SanitizeProject(stored.project())
}

// ProjectGet loads a project by id. The boolean reports whether it exists.
func (m *Manager) ProjectGet(id uint64) (*escrow.Project, bool, error) {
	data, err := m.get(projectKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	project, err := decodeProject(data)
	if err != nil {
		return nil, false, fmt.Errorf("state: decode project %d: %w", id, err)
	}
	return project, true, nil
}

// ProjectIterate visits every project in ascending id order.
func (m *Manager) ProjectIterate(fn func(*escrow.Project) bool) error {
	var decodeErr error
	err := m.db.Iterate(projectPrefix, func(key, value []byte) bool {
		project, err := decodeProject(value)
		if err != nil {
			decodeErr = fmt.Errorf("state: decode project %x: %w", key, err)
			return false
		}
		return fn(project)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// ProjectIDsByAccount returns the ids of projects where addr is buyer or
// seller, in creation order.
func (m *Manager) ProjectIDsByAccount(addr common.Address) ([]uint64, error) {
	var ids []uint64
	if err := m.KVGetList(AccountIndexKey(addr), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// LastProjectID returns the highest id assigned so far, or zero.
func (m *Manager) LastProjectID() (uint64, error) {
	var id uint64
	if _, err := m.KVGet(lastProjectIDKeyBytes, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// TreasuryGet loads the custody record.
func (m *Manager) TreasuryGet() (*escrow.Treasury, bool, error) {
	stored := new(storedTreasury)
	ok, err := m.KVGet(treasuryKeyBytes, stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &escrow.Treasury{
		FeeBasisPoints:     stored.FeeBasisPoints,
		AccruedFees:        nonNil(stored.AccruedFees),
		Held:               nonNil(stored.Held),
		TotalDeposited:     nonNil(stored.TotalDeposited),
		TotalReleased:      nonNil(stored.TotalReleased),
		TotalRefunded:      nonNil(stored.TotalRefunded),
		TotalFeesCharged:   nonNil(stored.TotalFeesCharged),
		TotalFeesWithdrawn: nonNil(stored.TotalFeesWithdrawn),
	}, true, nil
}

// TransfersByProject returns the transfer log for a project.
func (m *Manager) TransfersByProject(id uint64) ([]escrow.Transfer, error) {
	var stored []storedTransfer
	if err := m.KVGetList(TransferLogKey(id), &stored); err != nil {
		return nil, err
	}
	out := make([]escrow.Transfer, len(stored))
	for i, tr := range stored {
		out[i] = escrow.Transfer{
			Sequence:  tr.Sequence,
			ProjectID: tr.ProjectID,
			Kind:      escrow.TransferKind(tr.Kind),
			To:        tr.To,
			Amount:    nonNil(tr.Amount),
		}
	}
	return out, nil
}

// Commit writes every record of the changeset in a single batch and returns
// the sequence number assigned to it.
func (m *Manager) Commit(cs *escrow.Changeset) (uint64, error) {
	if cs == nil {
		return 0, errors.New("state: nil changeset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.Sequence()
	if err != nil {
		return 0, err
	}
	seq++
	staged := m.newStagedBatch()

	if p := cs.Project; p != nil {
		if _, err := escrow.SanitizeProject(p); err != nil {
			return 0, fmt.Errorf("state: %w", err)
		}
		if err := staged.putRaw(projectKey(p.ID), newStoredProject(p)); err != nil {
			return 0, err
		}
		if cs.Created {
			last, err := m.LastProjectID()
			if err != nil {
				return 0, err
			}
			if p.ID <= last {
				return 0, fmt.Errorf("state: project id %d not above last assigned %d", p.ID, last)
			}
			if err := staged.put(lastProjectIDKeyBytes, p.ID); err != nil {
				return 0, err
			}
			if err := staged.appendUint64(AccountIndexKey(p.Buyer), p.ID); err != nil {
				return 0, err
			}
			if err := staged.appendUint64(AccountIndexKey(p.Seller), p.ID); err != nil {
				return 0, err
			}
		}
	}

	if t := cs.Treasury; t != nil {
		stored := &storedTreasury{
			FeeBasisPoints:     t.FeeBasisPoints,
			AccruedFees:        nonNil(t.AccruedFees),
			Held:               nonNil(t.Held),
			TotalDeposited:     nonNil(t.TotalDeposited),
			TotalReleased:      nonNil(t.TotalReleased),
			TotalRefunded:      nonNil(t.TotalRefunded),
			TotalFeesCharged:   nonNil(t.TotalFeesCharged),
			TotalFeesWithdrawn: nonNil(t.TotalFeesWithdrawn),
		}
		if err := staged.put(treasuryKeyBytes, stored); err != nil {
			return 0, err
		}
	}

	for _, tr := range cs.Transfers {
		if tr.Amount == nil || tr.Amount.Sign() < 0 {
			return 0, fmt.Errorf("state: invalid transfer amount")
		}
		var log []storedTransfer
		if err := staged.getList(TransferLogKey(tr.ProjectID), &log); err != nil {
			return 0, err
		}
		log = append(log, storedTransfer{
			Sequence:  seq,
			ProjectID: tr.ProjectID,
			Kind:      uint8(tr.Kind),
			To:        tr.To,
			Amount:    nonNil(tr.Amount),
		})
		if err := staged.put(TransferLogKey(tr.ProjectID), log); err != nil {
			return 0, err
		}
	}

	if err := staged.put(sequenceKeyBytes, seq); err != nil {
		return 0, err
	}
	if err := staged.write(); err != nil {
		return 0, fmt.Errorf("state: write batch: %w", err)
	}
	return seq, nil
}
