package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via FORECHAIN_RPC_URL or --rpc
var rpcAuthToken = os.Getenv("FORECHAIN_RPC_TOKEN")

var rpcClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "token":
		return runTokenCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		return runEscrowCommand(args, stdout, stderr)
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("FORECHAIN_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8545"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc" || arg == "--auth-token":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", arg)
			}
			if arg == "--rpc" {
				rpcEndpoint = args[i+1]
			} else {
				rpcAuthToken = args[i+1]
			}
			i++
		case strings.HasPrefix(arg, "--rpc="):
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
		case strings.HasPrefix(arg, "--auth-token="):
			rpcAuthToken = strings.TrimPrefix(arg, "--auth-token=")
		default:
			out = append(out, arg)
		}
	}
	return out, nil
}

func doRPCRequest(payload []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(rpcAuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := rpcClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  forechain-cli [--rpc URL] [--auth-token JWT] <command> [flags]

Project commands:
  create         Open a project between a buyer and a seller
  accept         Accept a pending project as the seller
  fund           Deposit the project amount as the buyer
  submit         Submit the asset link and instructions as the seller
  accept-asset   Accept the submitted asset and release payment
  reject         Reject the submitted asset
  resolve        Settle a disputed project as the administrator

Fee commands:
  set-fee        Change the fee rate in basis points
  withdraw-fees  Withdraw accrued fees to the administrator
  fee            Show the current fee rate
  balance        Show the fees held by the escrow

Queries:
  project        Show a project record
  status         Show a project's status
  projects       List projects for an address
  approvals      List projects awaiting an address's acceptance
  disputes       List disputed projects
  transfers      List payouts and refunds for a project
  treasury       Show custody totals
  admin          Show the administrator address
  receipts       Show journaled mutations for a project
  receipt        Show the journaled call behind a receipt hash

Other:
  token          Issue a bearer token for a caller address`)
}
