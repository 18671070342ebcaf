package sender

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
)

// ClassifyStatus maps an HTTP status to an outcome kind. 408, 425 and 429
// are transient; every other 4xx (including 410 Gone) is permanent.
func ClassifyStatus(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return KindSuccess
	case code == 408, code == 425, code == 429:
		return KindRetryable
	case code >= 400 && code < 500:
		return KindPermanent
	default:
		return KindRetryable
	}
}

func statusReason(code int) string {
	return "http_" + strconv.Itoa(code)
}

// Transport failure reasons that may mean the caller's context ended
// rather than the downstream failing.
const (
	ReasonTimeout  = "timeout"
	ReasonCanceled = "canceled"
)

// Interrupted reports whether o carries no downstream verdict: a transport
// timeout or cancellation with no HTTP status. Only meaningful when the
// attempt's context has already ended.
func (o Outcome) Interrupted() bool {
	return o.Kind == KindRetryable && o.StatusCode == 0 &&
		(o.Reason == ReasonTimeout || o.Reason == ReasonCanceled)
}

// classifyError names a transport failure.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}

	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	return "network"
}

// MetricReason buckets an outcome reason into a low-cardinality label.
func MetricReason(o Outcome) string {
	if o.StatusCode == 0 {
		switch o.Reason {
		case "timeout", "canceled", "connection_refused", "dns_error", "network":
			return o.Reason
		}
		return "other"
	}
	switch {
	case o.StatusCode == 429:
		return "http_429"
	case o.StatusCode >= 500:
		return "http_5xx"
	case o.StatusCode >= 400:
		return "http_4xx"
	}
	return "other"
}
