package outbox

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/matheus3301/spark/internal/api"
)

// FailureKind classifies a failed send attempt.
type FailureKind string

const (
	FailureNetwork              FailureKind = "network"
	FailureAuthentication       FailureKind = "authentication"
	FailurePermission           FailureKind = "permission"
	FailureRateLimit            FailureKind = "rate_limit"
	FailureSubscriptionRequired FailureKind = "subscription_required"
	FailureUserBlocked          FailureKind = "user_blocked"
	FailureMessageTooLong       FailureKind = "message_too_long"
	FailureUnknown              FailureKind = "unknown"
)

// Recoverable reports whether an entry failing with k may be retried.
func (k FailureKind) Recoverable() bool {
	switch k {
	case FailureAuthentication, FailurePermission, FailureSubscriptionRequired,
		FailureUserBlocked, FailureMessageTooLong:
		return false
	}
	return true
}

var codeKinds = map[string]FailureKind{
	"UNAUTHORIZED":          FailureAuthentication,
	"UNAUTHENTICATED":       FailureAuthentication,
	"AUTHENTICATION_FAILED": FailureAuthentication,
	"INVALID_TOKEN":         FailureAuthentication,
	"TOKEN_EXPIRED":         FailureAuthentication,
	"FORBIDDEN":             FailurePermission,
	"PERMISSION_DENIED":     FailurePermission,
	"NOT_A_MATCH":           FailurePermission,
	"RATE_LIMITED":          FailureRateLimit,
	"RATE_LIMIT_EXCEEDED":   FailureRateLimit,
	"TOO_MANY_REQUESTS":     FailureRateLimit,
	"SUBSCRIPTION_REQUIRED": FailureSubscriptionRequired,
	"PREMIUM_REQUIRED":      FailureSubscriptionRequired,
	"PAYMENT_REQUIRED":      FailureSubscriptionRequired,
	"USER_BLOCKED":          FailureUserBlocked,
	"BLOCKED":               FailureUserBlocked,
	"MESSAGE_TOO_LONG":      FailureMessageTooLong,
	"PAYLOAD_TOO_LARGE":     FailureMessageTooLong,
}

var statusKinds = map[int]FailureKind{
	http.StatusUnauthorized:          FailureAuthentication,
	http.StatusPaymentRequired:       FailureSubscriptionRequired,
	http.StatusForbidden:             FailurePermission,
	http.StatusRequestEntityTooLarge: FailureMessageTooLong,
	http.StatusTooManyRequests:       FailureRateLimit,
	http.StatusBadGateway:            FailureNetwork,
	http.StatusServiceUnavailable:    FailureNetwork,
	http.StatusGatewayTimeout:        FailureNetwork,
}

// Ordered so more specific phrases win.
var messageKinds = []struct {
	needle string
	kind   FailureKind
}{
	{"too long", FailureMessageTooLong},
	{"blocked", FailureUserBlocked},
	{"subscription", FailureSubscriptionRequired},
	{"premium", FailureSubscriptionRequired},
	{"rate limit", FailureRateLimit},
	{"too many requests", FailureRateLimit},
	{"unauthorized", FailureAuthentication},
	{"authentication", FailureAuthentication},
	{"token", FailureAuthentication},
	{"forbidden", FailurePermission},
	{"permission", FailurePermission},
	{"network", FailureNetwork},
	{"timeout", FailureNetwork},
	{"timed out", FailureNetwork},
	{"connection", FailureNetwork},
	{"offline", FailureNetwork},
}

// Classify maps a send error onto a FailureKind. Structured server errors
// are classified by code, then by HTTP status; transport errors are
// network failures; anything else falls back to matching the message text.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		if k, ok := codeKinds[strings.ToUpper(apiErr.Code)]; ok {
			return k
		}
		if k, ok := statusKinds[apiErr.Status]; ok {
			return k
		}
		if k := classifyText(apiErr.Message); k != FailureUnknown {
			return k
		}
		return FailureUnknown
	}

	if isNetwork(err) {
		return FailureNetwork
	}
	return classifyText(err.Error())
}

func isNetwork(err error) bool {
	if errors.Is(err, api.ErrNetwork) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func classifyText(msg string) FailureKind {
	msg = strings.ToLower(msg)
	for _, mk := range messageKinds {
		if strings.Contains(msg, mk.needle) {
			return mk.kind
		}
	}
	return FailureUnknown
}
