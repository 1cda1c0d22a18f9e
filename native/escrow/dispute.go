package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EscalationThreshold is the number of buyer rejections that turns a project
// into an administrator-arbitrated dispute.
const EscalationThreshold = 3

// RejectAsset records a buyer rejection. The seller may resubmit until the
// threshold is reached, at which point the project is disputed.
func (e *Engine) RejectAsset(caller common.Address, id uint64) (*Receipt, error) {
	const op = "rejectAsset"
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	project, err := e.authorize(op, id, caller, RoleBuyer, StatusAssetSubmitted)
	if err != nil {
		return nil, err
	}
	project.RejectionCount++
	project.UpdatedAt = e.now()
	escalated := project.RejectionCount >= EscalationThreshold
	if escalated {
		project.Status = StatusDisputeCreated
	} else {
		project.Status = StatusRejectedAsset
	}
	receipt, err := e.commit(op, caller, &Changeset{Project: project})
	if err != nil {
		return nil, err
	}
	e.emit(receipt, NewProjectEvent(EventTypeAssetRejected, project, receipt.TxHash))
	if escalated {
		e.emit(receipt, NewProjectEvent(EventTypeProjectDisputed, project, receipt.TxHash))
		e.logger().Warn("escrow project escalated to dispute", "project_id", id,
			"rejections", project.RejectionCount)
	} else {
		e.logger().Info("escrow asset rejected", "project_id", id, "rejections", project.RejectionCount)
	}
	return receipt, nil
}

// ResolveDispute settles a disputed project. When favorSeller is true the
// amount minus the fee is released to the seller; otherwise the buyer is
// refunded in full. Either way the project is final.
func (e *Engine) ResolveDispute(caller common.Address, id uint64, favorSeller bool) (*Receipt, error) {
	const op = "resolveDispute"
	if err := e.ready(); err != nil {
		return nil, err
	}
	unlock := e.locks.lock(id)
	defer unlock()

	project, err := e.authorize(op, id, caller, RoleAdministrator, StatusDisputeCreated)
	if err != nil {
		return nil, err
	}

	e.treasuryMu.Lock()
	defer e.treasuryMu.Unlock()

	var cs *Changeset
	if favorSeller {
		cs, err = e.releaseToSeller(op, project)
		if err != nil {
			return nil, err
		}
		project.SellerAccepted = true
	} else {
		treasury, err := e.loadTreasury()
		if err != nil {
			return nil, fmt.Errorf("escrow %s: %w", op, err)
		}
		treasury.refund(project.Amount)
		project.Refunded = true
		project.UpdatedAt = e.now()
		cs = &Changeset{
			Project:   project,
			Treasury:  treasury,
			Transfers: []Transfer{{ProjectID: id, Kind: TransferRefund, To: project.Buyer, Amount: cloneBigInt(project.Amount)}},
		}
	}
	project.Status = StatusResolvedCompleted
	receipt, err := e.commit(op, caller, cs)
	if err != nil {
		return nil, err
	}
	e.emit(receipt, NewResolvedEvent(project, favorSeller, receipt.TxHash))
	e.logger().Info("escrow dispute resolved", "project_id", id, "favor_seller", favorSeller)
	return receipt, nil
}

// DisputedProjects lists every project awaiting administrator resolution in
// ascending id order.
func (e *Engine) DisputedProjects() ([]*Project, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var out []*Project
	err := e.state.ProjectIterate(func(p *Project) bool {
		if p.Status == StatusDisputeCreated {
			out = append(out, p.Clone())
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
