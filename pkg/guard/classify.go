package guard

import (
	"context"
	"errors"
	"strings"

	"github.com/openfroyo/linkval/pkg/engine"
)

// Kind is the recovery-relevant category of an error.
type Kind string

const (
	KindNone             Kind = ""
	KindTimeout          Kind = "timeout"
	KindCacheUnavailable Kind = "cache_unavailable"
	KindResourceBusy     Kind = "resource_busy"
	KindRateLimited      Kind = "rate_limited"
	KindSchemaNotCached  Kind = "schema_not_cached"
	KindCircuitOpen      Kind = "circuit_open"
	KindPanic            Kind = "panic"
	KindDepthExceeded    Kind = "depth_exceeded"
	KindCanceled         Kind = "canceled"
	KindPermanent        Kind = "permanent"
	KindUnknown          Kind = "unknown"
)

// Action is what the recovery manager does with a failed attempt.
type Action int

const (
	ActionFail Action = iota
	ActionRetry
	ActionDegrade
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDegrade:
		return "degrade"
	default:
		return "fail"
	}
}

// Recoverable reports whether errors of this kind are eligible for a
// retry or degrade policy.
func (k Kind) Recoverable() bool {
	switch k {
	case KindTimeout, KindCacheUnavailable, KindResourceBusy, KindRateLimited, KindSchemaNotCached:
		return true
	}
	return false
}

// Action returns the recovery action for the kind. Cache outages degrade
// to the fast tier instead of retrying; a missing schema version is left
// to the caller, which must reload the schema.
func (k Kind) Action() Action {
	switch k {
	case KindTimeout, KindResourceBusy, KindRateLimited:
		return ActionRetry
	case KindCacheUnavailable:
		return ActionDegrade
	}
	return ActionFail
}

// Classify maps err to a Kind. Typed engine errors are classified by code;
// untyped errors fall back to message heuristics.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		return KindPanic
	}

	switch engine.CodeOf(err) {
	case engine.ErrCodeNetworkTimeout:
		return KindTimeout
	case engine.ErrCodeCacheUnavailable:
		return KindCacheUnavailable
	case engine.ErrCodeResourceBusy:
		return KindResourceBusy
	case engine.ErrCodeRateLimited:
		return KindRateLimited
	case engine.ErrCodeSchemaNotCached:
		return KindSchemaNotCached
	case engine.ErrCodeCircuitOpen:
		return KindCircuitOpen
	case engine.ErrCodePanic:
		return KindPanic
	case engine.ErrCodeDepthExceeded:
		return KindDepthExceeded
	}

	switch {
	case engine.IsThrottled(err):
		return KindRateLimited
	case engine.IsPermanent(err):
		return KindPermanent
	}

	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "busy"), strings.Contains(msg, "locked"):
		return KindResourceBusy
	case strings.Contains(msg, "cache") && strings.Contains(msg, "unavailable"):
		return KindCacheUnavailable
	}
	return KindUnknown
}

// ShouldDegrade reports whether err asks the caller to continue without the
// failing tier.
func ShouldDegrade(err error) bool {
	return Classify(err).Action() == ActionDegrade
}
