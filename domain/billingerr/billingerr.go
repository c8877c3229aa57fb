// Package billingerr defines the error kinds raised by the billing engine.
// Every pure function in domain/ wraps one of these sentinels so callers can
// branch with errors.Is without parsing messages.
package billingerr

import "errors"

var (
	// ErrInvalidPlanConfiguration is returned for a non-positive usage limit,
	// negative prices, or a margin at or below -100%.
	ErrInvalidPlanConfiguration = errors.New("invalid plan configuration")

	// ErrInvalidUsageReading is returned for negative, non-finite or
	// otherwise malformed usage readings.
	ErrInvalidUsageReading = errors.New("invalid usage reading")

	// ErrInvalidSubscriptionState is returned for an unrecognized lifecycle
	// flag or a transition out of a terminal state.
	ErrInvalidSubscriptionState = errors.New("invalid subscription state")
)

// Error codes exposed to adapters (HTTP bodies, CLI output, metrics labels).
const (
	CodeInvalidPlanConfiguration = "invalid_plan_configuration"
	CodeInvalidUsageReading      = "invalid_usage_reading"
	CodeInvalidSubscriptionState = "invalid_subscription_state"
	CodeUnknown                  = "unknown"
)

// Kind returns the stable code for err, or CodeUnknown if err does not wrap
// one of the engine sentinels.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPlanConfiguration):
		return CodeInvalidPlanConfiguration
	case errors.Is(err, ErrInvalidUsageReading):
		return CodeInvalidUsageReading
	case errors.Is(err, ErrInvalidSubscriptionState):
		return CodeInvalidSubscriptionState
	default:
		return CodeUnknown
	}
}

// IsEngineError reports whether err is one of the engine validation errors.
func IsEngineError(err error) bool {
	return Kind(err) != CodeUnknown
}
