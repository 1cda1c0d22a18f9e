package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"forechain/gateway/middleware"
	"forechain/native/escrow"
	"forechain/observability"
	"forechain/storage/journal"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
)

type createProjectParams struct {
	Caller string `json:"caller"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
}

type projectActionParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type addFundsParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
}

type submitAssetParams struct {
	Caller       string `json:"caller"`
	ID           uint64 `json:"id"`
	AssetLink    string `json:"assetLink"`
	Instructions string `json:"instructions"`
}

type resolveDisputeParams struct {
	Caller      string `json:"caller"`
	ID          uint64 `json:"id"`
	FavorSeller *bool  `json:"favorSeller"`
}

type updateFeeParams struct {
	Caller string  `json:"caller"`
	Bps    *uint64 `json:"bps"`
}

type callerParams struct {
	Caller string `json:"caller"`
}

type projectIDParams struct {
	ID uint64 `json:"id"`
}

type addressParams struct {
	Address string `json:"address"`
}

type receiptsParams struct {
	ID    uint64 `json:"id"`
	Limit int    `json:"limit"`
}

type receiptParams struct {
	TxHash string `json:"txHash"`
}

func invalidParams(w http.ResponseWriter, req *RPCRequest, err error) {
	writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", ErrorData{
		Operation: req.Method,
		Kind:      "invalid_params",
		Message:   err.Error(),
	})
}

// escrowErrorStatus maps an engine error to its HTTP status, JSON-RPC code
// and stable kind label.
func escrowErrorStatus(err error) (int, int, string) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, codeEscrowNotFound, "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, codeEscrowForbidden, "unauthorized"
	case errors.Is(err, escrow.ErrInvalidTransition):
		return http.StatusConflict, codeEscrowConflict, "invalid_transition"
	case errors.Is(err, escrow.ErrNothingToWithdraw):
		return http.StatusConflict, codeEscrowConflict, "nothing_to_withdraw"
	case errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusBadRequest, codeEscrowInvalidParams, "invalid_amount"
	case errors.Is(err, escrow.ErrInvalidFeeRange):
		return http.StatusBadRequest, codeEscrowInvalidParams, "invalid_fee_range"
	case errors.Is(err, escrow.ErrInvalidParties):
		return http.StatusBadRequest, codeEscrowInvalidParams, "invalid_parties"
	case errors.Is(err, escrow.ErrInvalidAsset):
		return http.StatusBadRequest, codeEscrowInvalidParams, "invalid_asset"
	default:
		return http.StatusInternalServerError, codeEscrowInternal, "internal_error"
	}
}

func writeEscrowError(w http.ResponseWriter, req *RPCRequest, err error) {
	if err == nil {
		return
	}
	status, code, kind := escrowErrorStatus(err)
	data := ErrorData{Operation: req.Method, Kind: kind, Message: err.Error()}
	var opErr *escrow.Error
	if errors.As(err, &opErr) {
		data.Operation = opErr.Op
		data.ProjectID = opErr.ProjectID
	}
	writeError(w, status, req.ID, code, kind, data)
}

// authorizeCaller enforces that the bearer subject matches the declared caller
// when authentication is enabled.
func (s *Server) authorizeCaller(r *http.Request, op string, id uint64, caller common.Address) error {
	if !s.auth.Enabled() {
		return nil
	}
	subject, ok := middleware.SubjectFromContext(r.Context())
	if !ok {
		return &escrow.Error{Op: op, ProjectID: id, Kind: escrow.ErrUnauthorized, Detail: "bearer token required"}
	}
	if subject != caller {
		return &escrow.Error{Op: op, ProjectID: id, Kind: escrow.ErrUnauthorized, Detail: "bearer subject does not match caller"}
	}
	return nil
}

// mutate authorizes the caller, runs fn, journals the outcome and writes the
// response.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, req *RPCRequest, op string, id uint64, caller common.Address,
	fn func() (*escrow.Receipt, *big.Int, error)) {
	var (
		receipt *escrow.Receipt
		amount  *big.Int
		err     = s.authorizeCaller(r, op, id, caller)
	)
	if err == nil {
		receipt, amount, err = fn()
	}
	s.record(r.Context(), op, id, caller, receipt, err)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	s.refreshCustodyMetrics(op)
	result := formatReceipt(receipt)
	if amount != nil {
		result.Amount = amount.String()
	}
	writeResult(w, req.ID, result)
}

func (s *Server) record(ctx context.Context, op string, id uint64, caller common.Address, receipt *escrow.Receipt, err error) {
	if s.journal == nil {
		return
	}
	entry := &journal.Entry{
		RequestID: middleware.RequestIDFromContext(ctx),
		Operation: op,
		ProjectID: id,
		Caller:    caller.Hex(),
		Outcome:   "ok",
	}
	if receipt != nil {
		entry.TxHash = receipt.TxHash.Hex()
		entry.Sequence = receipt.Sequence
		entry.Status = uint8(receipt.Status)
		if receipt.ProjectID != 0 {
			entry.ProjectID = receipt.ProjectID
		}
	}
	if err != nil {
		_, _, kind := escrowErrorStatus(err)
		entry.Outcome = kind
		entry.Error = err.Error()
	}
	if recErr := s.journal.Record(ctx, entry); recErr != nil {
		s.logger.Error("journal record failed", "op", op, "project_id", id, "error", recErr.Error())
	}
}

func (s *Server) refreshCustodyMetrics(op string) {
	if !s.cfg.Metrics {
		return
	}
	metrics := observability.EscrowMetrics()
	if treasury, err := s.engine.Treasury(); err == nil {
		metrics.RecordCustody(treasury.Held, treasury.AccruedFees, treasury.FeeBasisPoints)
	}
	switch op {
	case "rejectAsset", "resolveDispute":
		if disputed, err := s.engine.DisputedProjects(); err == nil {
			metrics.SetOpenDisputes(len(disputed))
		}
	}
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params createProjectParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	buyer, err := parseAddress("buyer", params.Buyer)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	seller, err := parseAddress("seller", params.Seller)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	s.mutate(w, r, req, "createProject", 0, caller, func() (*escrow.Receipt, *big.Int, error) {
		receipt, err := s.engine.CreateProject(caller, buyer, seller)
		return receipt, nil, err
	})
}

func (s *Server) projectAction(w http.ResponseWriter, r *http.Request, req *RPCRequest, op string,
	fn func(common.Address, uint64) (*escrow.Receipt, error)) {
	var params projectActionParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	s.mutate(w, r, req, op, params.ID, caller, func() (*escrow.Receipt, *big.Int, error) {
		receipt, err := fn(caller, params.ID)
		return receipt, nil, err
	})
}

func (s *Server) handleAcceptProject(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.projectAction(w, r, req, "acceptProject", s.engine.AcceptProject)
}

func (s *Server) handleAcceptAsset(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.projectAction(w, r, req, "acceptAsset", s.engine.AcceptAsset)
}

func (s *Server) handleRejectAsset(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.projectAction(w, r, req, "rejectAsset", s.engine.RejectAsset)
}

func (s *Server) handleAddFunds(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params addFundsParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	s.mutate(w, r, req, "addFunds", params.ID, caller, func() (*escrow.Receipt, *big.Int, error) {
		receipt, err := s.engine.AddFunds(caller, params.ID, amount)
		return receipt, nil, err
	})
}

func (s *Server) handleSubmitAsset(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params submitAssetParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	s.mutate(w, r, req, "submitAsset", params.ID, caller, func() (*escrow.Receipt, *big.Int, error) {
		receipt, err := s.engine.SubmitAsset(caller, params.ID, params.AssetLink, params.Instructions)
		return receipt, nil, err
	})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params resolveDisputeParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if params.FavorSeller == nil {
		invalidParams(w, req, errors.New("favorSeller required"))
		return
	}
	favorSeller := *params.FavorSeller
	s.mutate(w, r, req, "resolveDispute", params.ID, caller, func() (*escrow.Receipt, *big.Int, error) {
		receipt, err := s.engine.ResolveDispute(caller, params.ID, favorSeller)
		return receipt, nil, err
	})
}

func (s *Server) handleUpdateFeePercentage(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params updateFeeParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	if params.Bps == nil {
		invalidParams(w, req, errors.New("bps required"))
		return
	}
	bps := *params.Bps
	s.mutate(w, r, req, "updateFeePercentage", 0, caller, func() (*escrow.Receipt, *big.Int, error) {
		receipt, err := s.engine.UpdateFeePercentage(caller, bps)
		return receipt, nil, err
	})
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params callerParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		invalidParams(w, req, err)
		return
	}
	s.mutate(w, r, req, "withdrawFees", 0, caller, func() (*escrow.Receipt, *big.Int, error) {
		return s.engine.WithdrawFees(caller)
	})
}

func (s *Server) decodeProjectID(w http.ResponseWriter, req *RPCRequest) (uint64, bool) {
	var params projectIDParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return 0, false
	}
	return params.ID, true
}

func (s *Server) decodeAddress(w http.ResponseWriter, req *RPCRequest) (common.Address, bool) {
	var params addressParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return common.Address{}, false
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		invalidParams(w, req, err)
		return common.Address{}, false
	}
	return addr, true
}

func (s *Server) handleGetProject(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.decodeProjectID(w, req)
	if !ok {
		return
	}
	project, err := s.engine.GetProject(id)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatProject(project))
}

func (s *Server) handleGetProjectStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.decodeProjectID(w, req)
	if !ok {
		return
	}
	status, err := s.engine.ProjectStatus(id)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"id":         id,
		"status":     uint8(status),
		"statusName": status.String(),
	})
}

func (s *Server) handleGetAssetInfo(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.decodeProjectID(w, req)
	if !ok {
		return
	}
	link, instructions, err := s.engine.AssetInfo(id)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"assetLink": link, "instructions": instructions})
}

func (s *Server) handleGetProjectAmount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.decodeProjectID(w, req)
	if !ok {
		return
	}
	amount, err := s.engine.ProjectAmount(id)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"amount": formatBig(amount)})
}

func (s *Server) handleGetRejectionCount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.decodeProjectID(w, req)
	if !ok {
		return
	}
	count, err := s.engine.RejectionCount(id)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]uint8{"rejectionCount": count})
}

func (s *Server) handleGetUserProjects(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, ok := s.decodeAddress(w, req)
	if !ok {
		return
	}
	projects, err := s.engine.UserProjects(addr)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatProjects(projects))
}

func (s *Server) handleGetProjectsForApproval(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	addr, ok := s.decodeAddress(w, req)
	if !ok {
		return
	}
	projects, err := s.engine.ProjectsForApproval(addr)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatProjects(projects))
}

func (s *Server) handleGetDisputedProjects(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if err := decodeParams(req.Params, &struct{}{}); err != nil {
		invalidParams(w, req, err)
		return
	}
	projects, err := s.engine.DisputedProjects()
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatProjects(projects))
}

func (s *Server) handleGetAdministrator(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, map[string]string{"administrator": s.engine.Administrator().Hex()})
}

func (s *Server) handleGetCurrentFeePercentage(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	bps, err := s.engine.CurrentFeePercentage()
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"bps": bps})
}

func (s *Server) handleGetContractBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	balance, err := s.engine.ContractBalance()
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"balance": formatBig(balance)})
}

func (s *Server) handleGetTreasury(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	treasury, err := s.engine.Treasury()
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatTreasury(treasury))
}

func (s *Server) handleGetTransfers(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.decodeProjectID(w, req)
	if !ok {
		return
	}
	transfers, err := s.engine.Transfers(id)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatTransfers(transfers))
}

// ReceiptEntryResult is the JSON projection of a journal entry.
type ReceiptEntryResult struct {
	RequestID string `json:"requestId,omitempty"`
	Operation string `json:"operation"`
	ProjectID uint64 `json:"projectId"`
	Caller    string `json:"caller"`
	TxHash    string `json:"txHash,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleGetReceipts(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params receiptsParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeEscrowInternal, "journal_unavailable", ErrorData{
			Operation: req.Method,
			Kind:      "journal_unavailable",
			Message:   "receipt journal is not configured",
		})
		return
	}
	entries, err := s.journal.ByProject(r.Context(), params.ID, params.Limit)
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	out := make([]ReceiptEntryResult, 0, len(entries))
	for i := range entries {
		out = append(out, formatEntry(&entries[i]))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params receiptParams
	if err := decodeParams(req.Params, &params); err != nil {
		invalidParams(w, req, err)
		return
	}
	hash := strings.TrimSpace(params.TxHash)
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		invalidParams(w, req, fmt.Errorf("txHash must be a 0x-prefixed 32-byte hex string"))
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeEscrowInternal, "journal_unavailable", ErrorData{
			Operation: req.Method,
			Kind:      "journal_unavailable",
			Message:   "receipt journal is not configured",
		})
		return
	}
	entry, err := s.journal.ByTxHash(r.Context(), hash)
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, req.ID, codeEscrowNotFound, "not_found", ErrorData{
			Operation: req.Method,
			Kind:      "not_found",
			Message:   fmt.Sprintf("no receipt for %s", hash),
		})
		return
	}
	if err != nil {
		writeEscrowError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatEntry(entry))
}

func formatEntry(entry *journal.Entry) ReceiptEntryResult {
	return ReceiptEntryResult{
		RequestID: entry.RequestID,
		Operation: entry.Operation,
		ProjectID: entry.ProjectID,
		Caller:    entry.Caller,
		TxHash:    entry.TxHash,
		Sequence:  entry.Sequence,
		Outcome:   entry.Outcome,
		Error:     entry.Error,
		Timestamp: entry.CreatedAt.Unix(),
	}
}
