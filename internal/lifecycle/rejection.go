package lifecycle

import (
	"errors"
	"fmt"
)

// Reason names why a creation request was turned down.
type Reason string

const (
	ReasonInvalid         Reason = "invalid_input"
	ReasonLockTimeout     Reason = "lock_timeout"
	ReasonDuplicate       Reason = "duplicate"
	ReasonCooldown        Reason = "cooldown_active"
	ReasonDuplicateCandle Reason = "duplicate_candle"
	ReasonThrottle        Reason = "global_throttle"
)

// Rejection is an expected refusal, not a failure. Callers match it with
// errors.As and carry on.
type Rejection struct {
	Reason Reason
	Symbol string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("signal rejected for %s: %s", r.Symbol, r.Reason)
	}
	return fmt.Sprintf("signal rejected for %s: %s (%s)", r.Symbol, r.Reason, r.Detail)
}

// AsRejection unwraps err into a Rejection when it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
