package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"forechain/cmd/internal/secret"
	"forechain/config"
	"forechain/gateway/middleware"
)

var newSecretSource = func(envVar string) interface{ Get() (string, error) } {
	return secret.NewSource(envVar, "JWT signing secret")
}

func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("token", stderr)
	var (
		subject   string
		issuer    string
		audience  string
		secretEnv string
		cfgPath   string
		ttl       time.Duration
	)
	fs.StringVar(&subject, "subject", "", "caller address the token authorizes")
	fs.StringVar(&issuer, "issuer", "", "token issuer (defaults to the node config or forechain)")
	fs.StringVar(&audience, "audience", "", "optional token audience")
	fs.StringVar(&secretEnv, "secret-env", "", "environment variable holding the HMAC secret")
	fs.StringVar(&cfgPath, "config", "", "node config file supplying issuer, audience and secret variable")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("subject", subject); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if ttl <= 0 {
		return printEscrowError(stderr, "--ttl must be positive")
	}

	if strings.TrimSpace(cfgPath) != "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return printEscrowError(stderr, fmt.Sprintf("load config: %v", err))
		}
		if issuer == "" {
			issuer = cfg.Auth.Issuer
		}
		if audience == "" {
			audience = cfg.Auth.Audience
		}
		if secretEnv == "" {
			secretEnv = cfg.Auth.HMACSecretEnv
		}
	}
	if issuer == "" {
		issuer = "forechain"
	}
	if secretEnv == "" {
		secretEnv = config.DefaultSecretEnv
	}

	key, err := newSecretSource(secretEnv).Get()
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	token, err := middleware.IssueToken(key, common.HexToAddress(subject), issuer, audience, ttl)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}
