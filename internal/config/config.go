// Package config loads runtime configuration for loanbridged from the
// environment: required-vs-defaulted reads, integer/bool/CSV env parsing
// helpers, and a single flat Config struct the service wires at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of runtime knobs loanbridged reads at startup.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	ChainID     string

	ChainRPCBase   string
	SignerAddress  string

	AdminAPIKey      string
	AdminIdleTimeout time.Duration

	WebhookSecrets map[string]string // provider -> shared HMAC secret

	BreakerConfigPath string

	OTelEndpoint string
	OTelInsecure bool

	SenderPeriod     time.Duration
	ReceiptPeriod    time.Duration
	StuckPeriod      time.Duration
	StuckTxThreshold time.Duration
	MaxNonceDrift    int

	GasBumpFactorBps int // basis-point multiplier applied per bump attempt
}

// FromEnv loads Config from environment variables, defaulting optional
// values and failing closed on missing required ones.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("LOANBRIDGE_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("LOANBRIDGE_DB_URL is required")
	}
	chainID := os.Getenv("LOANBRIDGE_CHAIN_ID")
	if chainID == "" {
		return nil, fmt.Errorf("LOANBRIDGE_CHAIN_ID is required")
	}
	rpcBase := os.Getenv("LOANBRIDGE_CHAIN_RPC_BASE")
	if rpcBase == "" {
		return nil, fmt.Errorf("LOANBRIDGE_CHAIN_RPC_BASE is required")
	}
	signer := os.Getenv("LOANBRIDGE_SIGNER_ADDRESS")
	if signer == "" {
		return nil, fmt.Errorf("LOANBRIDGE_SIGNER_ADDRESS is required")
	}
	adminKey := os.Getenv("LOANBRIDGE_ADMIN_API_KEY")
	if adminKey == "" {
		return nil, fmt.Errorf("LOANBRIDGE_ADMIN_API_KEY is required")
	}

	secrets := parseKeyValueMapEnv("LOANBRIDGE_WEBHOOK_SECRETS")
	if len(secrets) == 0 {
		return nil, fmt.Errorf("LOANBRIDGE_WEBHOOK_SECRETS is required (provider:secret[,provider:secret...])")
	}

	senderPeriod := time.Duration(parseIntEnv("LOANBRIDGE_SENDER_PERIOD_SECONDS", 2)) * time.Second
	receiptPeriod := time.Duration(parseIntEnv("LOANBRIDGE_RECEIPT_PERIOD_SECONDS", 5)) * time.Second
	stuckPeriod := time.Duration(parseIntEnv("LOANBRIDGE_STUCK_PERIOD_SECONDS", 60)) * time.Second
	stuckThreshold := time.Duration(parseIntEnv("LOANBRIDGE_STUCK_TX_THRESHOLD_SECONDS", 300)) * time.Second
	maxNonceDrift := parseIntEnv("LOANBRIDGE_MAX_NONCE_DRIFT", 5)
	gasBumpFactorBps := parseIntEnv("LOANBRIDGE_GAS_BUMP_FACTOR_BPS", 3000) // +30% per bump

	adminIdleSeconds := parseIntEnv("LOANBRIDGE_ADMIN_IDLE_TIMEOUT_SECONDS", 30)

	return &Config{
		Port:              normalizePort(getEnvDefault("LOANBRIDGE_PORT", "8080")),
		Env:               getEnvDefault("LOANBRIDGE_ENV", "production"),
		DatabaseURL:       dbURL,
		ChainID:           chainID,
		ChainRPCBase:      rpcBase,
		SignerAddress:     signer,
		AdminAPIKey:       adminKey,
		AdminIdleTimeout:  time.Duration(adminIdleSeconds) * time.Second,
		WebhookSecrets:    secrets,
		BreakerConfigPath: getEnvDefault("LOANBRIDGE_BREAKER_CONFIG", "breaker.yaml"),
		OTelEndpoint:      strings.TrimSpace(os.Getenv("LOANBRIDGE_OTEL_ENDPOINT")),
		OTelInsecure:      parseBoolEnv("LOANBRIDGE_OTEL_INSECURE", false),
		SenderPeriod:      senderPeriod,
		ReceiptPeriod:     receiptPeriod,
		StuckPeriod:       stuckPeriod,
		StuckTxThreshold:  stuckThreshold,
		MaxNonceDrift:     maxNonceDrift,
		GasBumpFactorBps:  gasBumpFactorBps,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseKeyValueMapEnv(key string) map[string]string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	pairs := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' })
	result := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		cleaned := strings.TrimSpace(pair)
		if cleaned == "" {
			continue
		}
		parts := strings.SplitN(cleaned, ":", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(parts[0]))
		v := strings.TrimSpace(parts[1])
		if k == "" || v == "" {
			continue
		}
		result[k] = v
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
