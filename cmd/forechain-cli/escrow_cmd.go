package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var escrowRPCCall = callEscrowRPC

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "accept":
		return runEscrowTransition("accept", "escrow_acceptProject", args[1:], stdout, stderr)
	case "fund":
		return runEscrowFund(args[1:], stdout, stderr)
	case "submit":
		return runEscrowSubmit(args[1:], stdout, stderr)
	case "accept-asset":
		return runEscrowTransition("accept-asset", "escrow_acceptAsset", args[1:], stdout, stderr)
	case "reject":
		return runEscrowTransition("reject", "escrow_rejectAsset", args[1:], stdout, stderr)
	case "resolve":
		return runEscrowResolve(args[1:], stdout, stderr)
	case "set-fee":
		return runEscrowSetFee(args[1:], stdout, stderr)
	case "withdraw-fees":
		return runEscrowWithdrawFees(args[1:], stdout, stderr)
	case "fee":
		return runEscrowQuery("fee", "escrow_getCurrentFeePercentage", args[1:], stdout, stderr)
	case "balance":
		return runEscrowQuery("balance", "escrow_getContractBalance", args[1:], stdout, stderr)
	case "treasury":
		return runEscrowQuery("treasury", "escrow_getTreasury", args[1:], stdout, stderr)
	case "admin":
		return runEscrowQuery("admin", "escrow_getAdministrator", args[1:], stdout, stderr)
	case "disputes":
		return runEscrowQuery("disputes", "escrow_getDisputedProjects", args[1:], stdout, stderr)
	case "project":
		return runEscrowProjectQuery("project", "escrow_getProject", args[1:], stdout, stderr)
	case "status":
		return runEscrowProjectQuery("status", "escrow_getProjectStatus", args[1:], stdout, stderr)
	case "asset":
		return runEscrowProjectQuery("asset", "escrow_getAssetInfo", args[1:], stdout, stderr)
	case "amount":
		return runEscrowProjectQuery("amount", "escrow_getProjectAmount", args[1:], stdout, stderr)
	case "rejections":
		return runEscrowProjectQuery("rejections", "escrow_getRejectionCount", args[1:], stdout, stderr)
	case "transfers":
		return runEscrowProjectQuery("transfers", "escrow_getTransfers", args[1:], stdout, stderr)
	case "receipts":
		return runEscrowReceipts(args[1:], stdout, stderr)
	case "receipt":
		return runEscrowReceipt(args[1:], stdout, stderr)
	case "projects":
		return runEscrowAccountQuery("projects", "escrow_getUserProjects", args[1:], stdout, stderr)
	case "approvals":
		return runEscrowAccountQuery("approvals", "escrow_getProjectsForApproval", args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("create", stderr)
	var caller, buyer, seller string
	fs.StringVar(&caller, "caller", "", "address submitting the call (defaults to --buyer)")
	fs.StringVar(&buyer, "buyer", "", "buyer 0x address")
	fs.StringVar(&seller, "seller", "", "seller 0x address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(caller) == "" {
		caller = buyer
	}
	for _, f := range []struct{ name, value string }{{"buyer", buyer}, {"seller", seller}, {"caller", caller}} {
		if err := validateAddress(f.name, f.value); err != nil {
			return printEscrowError(stderr, err.Error())
		}
	}
	return callAndPrint("escrow_createProject", map[string]interface{}{
		"caller": caller,
		"buyer":  buyer,
		"seller": seller,
	}, stdout, stderr)
}

func runEscrowFund(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("fund", stderr)
	var caller, id, amount string
	fs.StringVar(&caller, "caller", "", "buyer address funding the project")
	fs.StringVar(&id, "id", "", "project identifier")
	fs.StringVar(&amount, "amount", "", "amount in base units (supports 100e18 shorthand)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("caller", caller); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	projectID, err := parseProjectID(id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	normalized, err := normalizeAmount(amount)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	return callAndPrint("escrow_addFunds", map[string]interface{}{
		"caller": caller,
		"id":     projectID,
		"amount": normalized,
	}, stdout, stderr)
}

func runEscrowSubmit(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("submit", stderr)
	var caller, id, link, instructions string
	fs.StringVar(&caller, "caller", "", "seller address")
	fs.StringVar(&id, "id", "", "project identifier")
	fs.StringVar(&link, "link", "", "asset link")
	fs.StringVar(&instructions, "instructions", "", "delivery instructions")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("caller", caller); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	projectID, err := parseProjectID(id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if strings.TrimSpace(link) == "" {
		return printEscrowError(stderr, "--link is required")
	}
	return callAndPrint("escrow_submitAsset", map[string]interface{}{
		"caller":       caller,
		"id":           projectID,
		"assetLink":    link,
		"instructions": instructions,
	}, stdout, stderr)
}

func runEscrowResolve(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("resolve", stderr)
	var caller, id, favor string
	fs.StringVar(&caller, "caller", "", "administrator address")
	fs.StringVar(&id, "id", "", "project identifier")
	fs.StringVar(&favor, "favor", "", "outcome: seller or buyer")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("caller", caller); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	projectID, err := parseProjectID(id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	var favorSeller bool
	switch strings.ToLower(strings.TrimSpace(favor)) {
	case "seller":
		favorSeller = true
	case "buyer":
		favorSeller = false
	default:
		return printEscrowError(stderr, "--favor must be seller or buyer")
	}
	return callAndPrint("escrow_resolveDispute", map[string]interface{}{
		"caller":      caller,
		"id":          projectID,
		"favorSeller": favorSeller,
	}, stdout, stderr)
}

func runEscrowSetFee(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("set-fee", stderr)
	var caller, bps string
	fs.StringVar(&caller, "caller", "", "administrator address")
	fs.StringVar(&bps, "bps", "", "fee in basis points (0-10000)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("caller", caller); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if strings.TrimSpace(bps) == "" {
		return printEscrowError(stderr, "--bps is required")
	}
	value, err := strconv.ParseUint(strings.TrimSpace(bps), 10, 64)
	if err != nil {
		return printEscrowError(stderr, "--bps must be a non-negative integer")
	}
	if value > 10_000 {
		return printEscrowError(stderr, "--bps must be <= 10000")
	}
	return callAndPrint("escrow_updateFeePercentage", map[string]interface{}{
		"caller": caller,
		"bps":    value,
	}, stdout, stderr)
}

func runEscrowWithdrawFees(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("withdraw-fees", stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", "administrator address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("caller", caller); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	return callAndPrint("escrow_withdrawFees", map[string]interface{}{"caller": caller}, stdout, stderr)
}

// runEscrowTransition handles the caller plus project id mutations.
func runEscrowTransition(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(name, stderr)
	var caller, id string
	fs.StringVar(&caller, "caller", "", "address submitting the call")
	fs.StringVar(&id, "id", "", "project identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("caller", caller); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	projectID, err := parseProjectID(id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	return callAndPrint(method, map[string]interface{}{"caller": caller, "id": projectID}, stdout, stderr)
}

func runEscrowQuery(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(name, stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return callAndPrint(method, nil, stdout, stderr)
}

func runEscrowProjectQuery(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(name, stderr)
	var id string
	fs.StringVar(&id, "id", "", "project identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	projectID, err := parseProjectID(id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	return callAndPrint(method, map[string]interface{}{"id": projectID}, stdout, stderr)
}

func runEscrowAccountQuery(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(name, stderr)
	var address string
	fs.StringVar(&address, "address", "", "buyer or seller 0x address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("address", address); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	return callAndPrint(method, map[string]interface{}{"address": address}, stdout, stderr)
}

func runEscrowReceipts(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("receipts", stderr)
	var id string
	var limit int
	fs.StringVar(&id, "id", "", "project identifier (0 for fee withdrawals)")
	fs.IntVar(&limit, "limit", 0, "maximum entries to return")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(id) == "" {
		return printEscrowError(stderr, "--id is required")
	}
	projectID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return printEscrowError(stderr, "--id must be an unsigned integer")
	}
	if limit < 0 {
		return printEscrowError(stderr, "--limit must not be negative")
	}
	params := map[string]interface{}{"id": projectID}
	if limit > 0 {
		params["limit"] = limit
	}
	return callAndPrint("escrow_getReceipts", params, stdout, stderr)
}

func runEscrowReceipt(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("receipt", stderr)
	var txHash string
	fs.StringVar(&txHash, "tx", "", "receipt transaction hash")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return printEscrowError(stderr, "--tx is required")
	}
	if len(txHash) != 66 || !strings.HasPrefix(txHash, "0x") {
		return printEscrowError(stderr, "--tx must be a 0x-prefixed 32-byte hash")
	}
	return callAndPrint("escrow_getReceipt", map[string]interface{}{"txHash": txHash}, stdout, stderr)
}

func newEscrowFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: forechain-cli %s [flags]\n", name)
		fs.PrintDefaults()
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func callAndPrint(method string, params interface{}, stdout, stderr io.Writer) int {
	result, rpcErr, err := escrowRPCCall(method, params)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func printEscrowError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	var data struct {
		Message string `json:"message"`
	}
	if len(err.Data) > 0 && json.Unmarshal(err.Data, &data) == nil && data.Message != "" {
		fmt.Fprintf(w, "  %s\n", data.Message)
	}
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func validateAddress(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--%s is required", field)
	}
	if !strings.HasPrefix(trimmed, "0x") || !common.IsHexAddress(trimmed) {
		return fmt.Errorf("--%s must be a 0x-prefixed 20-byte hex address", field)
	}
	return nil
}

func parseProjectID(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("--id must be a positive integer")
	}
	return id, nil
}

// normalizeAmount expands shorthand such as 1.5e18 into a base-10 integer
// string and rejects fractional or non-positive results.
func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expValue, err := strconv.ParseInt(strings.TrimSpace(trimmed[idx+1:]), 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in --amount")
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("--amount must be positive")
	}
	integerPart, fractionalPart, _ := strings.Cut(base, ".")
	if strings.Contains(fractionalPart, ".") {
		return "", fmt.Errorf("invalid amount format")
	}
	digits := integerPart + fractionalPart
	if digits == "" || !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("--amount must be an integer")
	}
	if digits == "" {
		return "", fmt.Errorf("--amount must be positive")
	}
	return digits + strings.Repeat("0", totalExponent), nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func callEscrowRPC(method string, params interface{}) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response (HTTP %d): %w", resp.StatusCode, err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
