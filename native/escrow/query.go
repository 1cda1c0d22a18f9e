package escrow

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// GetProject returns a copy of the full project record.
func (e *Engine) GetProject(id uint64) (*Project, error) {
	return e.lookup("getProject", id)
}

func (e *Engine) lookup(op string, id uint64) (*Project, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	project, ok, err := e.state.ProjectGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, opError(op, id, ErrNotFound, "")
	}
	return project, nil
}

// ProjectStatus returns the lifecycle status of a project.
func (e *Engine) ProjectStatus(id uint64) (ProjectStatus, error) {
	project, err := e.lookup("getProjectStatus", id)
	if err != nil {
		return 0, err
	}
	return project.Status, nil
}

// AssetInfo returns the most recently submitted asset link and instructions.
func (e *Engine) AssetInfo(id uint64) (string, string, error) {
	project, err := e.lookup("getAssetInfo", id)
	if err != nil {
		return "", "", err
	}
	return project.AssetLink, project.Instructions, nil
}

// ProjectAmount returns the amount funded into the project.
func (e *Engine) ProjectAmount(id uint64) (*big.Int, error) {
	project, err := e.lookup("getProjectAmount", id)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(project.Amount), nil
}

// RejectionCount returns how many times the buyer rejected the asset.
func (e *Engine) RejectionCount(id uint64) (uint8, error) {
	project, err := e.lookup("getRejectionCount", id)
	if err != nil {
		return 0, err
	}
	return project.RejectionCount, nil
}

// UserProjects returns every project where addr is buyer or seller, ascending
// by id.
func (e *Engine) UserProjects(addr common.Address) ([]*Project, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ids, err := e.state.ProjectIDsByAccount(addr)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Project, 0, len(ids))
	var prev uint64
	for _, id := range ids {
		if id == prev {
			continue
		}
		prev = id
		project, ok, err := e.state.ProjectGet(id)
		if err != nil {
			return nil, err
		}
		if ok && project.Party(addr) {
			out = append(out, project)
		}
	}
	return out, nil
}

// ProjectsForApproval returns the pending projects awaiting addr's acceptance
// as seller.
func (e *Engine) ProjectsForApproval(addr common.Address) ([]*Project, error) {
	projects, err := e.UserProjects(addr)
	if err != nil {
		return nil, err
	}
	out := make([]*Project, 0, len(projects))
	for _, project := range projects {
		if project.Status == StatusPending && project.Seller == addr {
			out = append(out, project)
		}
	}
	return out, nil
}

// Transfers returns the outbound transfers recorded for a project. Fee
// withdrawals are recorded under project id 0.
func (e *Engine) Transfers(id uint64) ([]Transfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if id != 0 {
		if _, err := e.lookup("getTransfers", id); err != nil {
			return nil, err
		}
	}
	return e.state.TransfersByProject(id)
}
