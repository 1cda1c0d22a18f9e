package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"forechain/native/escrow"
)

const jsonRPCVersion = "2.0"

type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorData is attached to every escrow error so clients can branch on the
// failure kind without parsing messages.
type ErrorData struct {
	Operation string `json:"operation,omitempty"`
	ProjectID uint64 `json:"projectId,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// decodeParams accepts either a single params object or a one-element array
// wrapping it. Absent params decode as an empty object.
func decodeParams(raw json.RawMessage, out interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		switch len(list) {
		case 0:
			trimmed = []byte("{}")
		case 1:
			trimmed = list[0]
		default:
			return fmt.Errorf("exactly one parameter object expected")
		}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func parseAddress(field, value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%s required", field)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s must be a 0x-prefixed hex address", field)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a base-10 integer")
	}
	return amount, nil
}

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ProjectResult is the JSON projection of a project record.
type ProjectResult struct {
	ID             uint64 `json:"id"`
	Creator        string `json:"creator"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	Status         uint8  `json:"status"`
	StatusName     string `json:"statusName"`
	Amount         string `json:"amount"`
	Fee            string `json:"fee"`
	AssetLink      string `json:"assetLink,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	RejectionCount uint8  `json:"rejectionCount"`
	BuyerAccepted  bool   `json:"buyerAccepted"`
	SellerAccepted bool   `json:"sellerAccepted"`
	Refunded       bool   `json:"refunded"`
	Completed      bool   `json:"completed"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

func formatProject(p *escrow.Project) ProjectResult {
	return ProjectResult{
		ID:             p.ID,
		Creator:        p.Creator.Hex(),
		Buyer:          p.Buyer.Hex(),
		Seller:         p.Seller.Hex(),
		Status:         uint8(p.Status),
		StatusName:     p.Status.String(),
		Amount:         formatBig(p.Amount),
		Fee:            formatBig(p.Fee),
		AssetLink:      p.AssetLink,
		Instructions:   p.Instructions,
		RejectionCount: p.RejectionCount,
		BuyerAccepted:  p.BuyerAccepted,
		SellerAccepted: p.SellerAccepted,
		Refunded:       p.Refunded,
		Completed:      p.Completed(),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func formatProjects(projects []*escrow.Project) []ProjectResult {
	out := make([]ProjectResult, 0, len(projects))
	for _, p := range projects {
		out = append(out, formatProject(p))
	}
	return out
}

// ReceiptResult identifies a committed mutation.
type ReceiptResult struct {
	TxHash    string         `json:"txHash"`
	Sequence  uint64         `json:"sequence"`
	Operation string         `json:"operation"`
	ProjectID uint64         `json:"projectId,omitempty"`
	Status    *uint8         `json:"status,omitempty"`
	Project   *ProjectResult `json:"project,omitempty"`
	Amount    string         `json:"amount,omitempty"`
}

func formatReceipt(r *escrow.Receipt) ReceiptResult {
	out := ReceiptResult{
		TxHash:    r.TxHash.Hex(),
		Sequence:  r.Sequence,
		Operation: r.Operation,
		ProjectID: r.ProjectID,
	}
	if r.Project != nil {
		status := uint8(r.Status)
		out.Status = &status
		project := formatProject(r.Project)
		out.Project = &project
	}
	return out
}

// TreasuryResult is the JSON projection of the custody record.
type TreasuryResult struct {
	FeeBasisPoints     uint64 `json:"feeBasisPoints"`
	Balance            string `json:"balance"`
	Held               string `json:"held"`
	AccruedFees        string `json:"accruedFees"`
	TotalDeposited     string `json:"totalDeposited"`
	TotalReleased      string `json:"totalReleased"`
	TotalRefunded      string `json:"totalRefunded"`
	TotalFeesCharged   string `json:"totalFeesCharged"`
	TotalFeesWithdrawn string `json:"totalFeesWithdrawn"`
}

func formatTreasury(t *escrow.Treasury) TreasuryResult {
	return TreasuryResult{
		FeeBasisPoints:     t.FeeBasisPoints,
		Balance:            formatBig(t.Balance()),
		Held:               formatBig(t.Held),
		AccruedFees:        formatBig(t.AccruedFees),
		TotalDeposited:     formatBig(t.TotalDeposited),
		TotalReleased:      formatBig(t.TotalReleased),
		TotalRefunded:      formatBig(t.TotalRefunded),
		TotalFeesCharged:   formatBig(t.TotalFeesCharged),
		TotalFeesWithdrawn: formatBig(t.TotalFeesWithdrawn),
	}
}

// TransferResult is the JSON projection of a custody outflow.
type TransferResult struct {
	Sequence  uint64 `json:"sequence"`
	ProjectID uint64 `json:"projectId"`
	Kind      string `json:"kind"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
}

func formatTransfers(transfers []escrow.Transfer) []TransferResult {
	out := make([]TransferResult, 0, len(transfers))
	for _, tr := range transfers {
		out = append(out, TransferResult{
			Sequence:  tr.Sequence,
			ProjectID: tr.ProjectID,
			Kind:      tr.Kind.String(),
			To:        tr.To.Hex(),
			Amount:    formatBig(tr.Amount),
		})
	}
	return out
}
