package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/mklimuk/adcap"
)

var ErrRetriesExhausted = fmt.Errorf("transfer retries exhausted")

type Severity int

const (
	Transient Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "transient"
}

// Classify decides whether a failed transfer may be retried. A vanished
// device, an unusable handle and cancellation end the run; anything else is
// assumed to clear up on the next attempt.
func Classify(err error) Severity {
	switch {
	case err == nil:
		return Transient
	case errors.Is(err, adcap.ErrDeviceAbsent),
		errors.Is(err, adcap.ErrInvalidHandle),
		errors.Is(err, ErrRetriesExhausted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return Fatal
	default:
		return Transient
	}
}
