package jsonrpc

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/decent-stuff/decent-cloud/logx"
)

// JSON-RPC Method name constants
const (
	// Ledger methods
	MethodLedgerEntries  = "ledger.entries"
	MethodLedgerGet      = "ledger.get"
	MethodLedgerBlocks   = "ledger.getblocks"
	MethodLedgerCommit   = "ledger.commit"
	MethodLedgerCertify  = "ledger.certify"
	MethodLedgerMetadata = "ledger.metadata"

	// Sync methods
	MethodSyncFetch    = "sync.fetch"
	MethodSyncPushAuth = "sync.pushauth"
	MethodSyncPush     = "sync.push"

	// Token methods
	MethodTokenTransfer     = "token.transfer"
	MethodTokenApprove      = "token.approve"
	MethodTokenTransferFrom = "token.transferfrom"
	MethodTokenBalance      = "token.balance"
	MethodTokenAllowance    = "token.allowance"
	MethodTokenMetadata     = "token.metadata"

	// Registry methods
	MethodProviderRegister = "provider.register"
	MethodUserRegister     = "user.register"
	MethodProviderProfile  = "provider.updateprofile"
	MethodProviderOffering = "provider.updateoffering"

	// Reward methods
	MethodProviderCheckIn = "provider.checkin"
	MethodRewardsInfo     = "rewards.info"
	MethodReputationGet   = "reputation.get"

	// Contract methods
	MethodContractSignRequest = "contract.signrequest"
	MethodContractSignReply   = "contract.signreply"
	MethodContractListPending = "contract.listpending"

	// Health methods
	MethodHealthCheck = "health.check"
)

func extractClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	logx.Debug("SECURITY", "unparsable remote addr:", r.RemoteAddr)
	return "unknown"
}

// CORSFromEnv reads environment variables and constructs a CORSConfig.
// Returns (cfg, true) if any CORS-related env var is set; otherwise (zero, false).
//
// Env vars:
// - CORS_ALLOWED_ORIGINS: comma-separated list
// - CORS_ALLOWED_METHODS: comma-separated list
// - CORS_ALLOWED_HEADERS: comma-separated list
// - CORS_MAX_AGE: integer seconds
func CORSFromEnv() (CORSConfig, bool) {
	origins := os.Getenv("CORS_ALLOWED_ORIGINS")
	methods := os.Getenv("CORS_ALLOWED_METHODS")
	headers := os.Getenv("CORS_ALLOWED_HEADERS")
	maxAgeStr := os.Getenv("CORS_MAX_AGE")

	var maxAge int
	if maxAgeStr != "" {
		if v, err := strconv.Atoi(maxAgeStr); err == nil {
			maxAge = v
		}
	}

	var allowedOrigins, allowedMethods, allowedHeaders []string
	if origins != "" {
		allowedOrigins = splitAndTrim(origins)
	}
	if methods != "" {
		allowedMethods = splitAndTrim(methods)
	}
	if headers != "" {
		allowedHeaders = splitAndTrim(headers)
	}

	if allowedOrigins == nil && allowedMethods == nil && allowedHeaders == nil && maxAge == 0 {
		return CORSConfig{}, false
	}
	return CORSConfig{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: allowedMethods,
		AllowedHeaders: allowedHeaders,
		MaxAge:         maxAge,
	}, true
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
