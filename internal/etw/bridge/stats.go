package bridge

import (
	"errors"
	"sync/atomic"

	"etw_consumer/internal/etw/status"
)

// Snapshot is a point-in-time copy of a bridge's counters.
type Snapshot struct {
	Delivered  uint64 // Deliver calls
	Continued  uint64
	Cancelled  uint64
	TimedOut   uint64
	Unexpected uint64
}

type stats struct {
	delivered  atomic.Uint64
	continued  atomic.Uint64
	cancelled  atomic.Uint64
	timedOut   atomic.Uint64
	unexpected atomic.Uint64
}

// observe counts one Deliver outcome and passes it through.
func (s *stats) observe(err error) error {
	s.delivered.Add(1)
	switch {
	case err == nil:
		s.continued.Add(1)
	case errors.Is(err, status.Cancelled):
		s.cancelled.Add(1)
	case errors.Is(err, status.Timeout):
		s.timedOut.Add(1)
	default:
		s.unexpected.Add(1)
	}
	return err
}

func (s *stats) snapshot() Snapshot {
	return Snapshot{
		Delivered:  s.delivered.Load(),
		Continued:  s.continued.Load(),
		Cancelled:  s.cancelled.Load(),
		TimedOut:   s.timedOut.Load(),
		Unexpected: s.unexpected.Load(),
	}
}

// verdict maps a consumer decision to the result Deliver returns.
func verdict(d decision) error {
	switch d {
	case decisionContinue:
		return nil
	case decisionStop:
		return status.Cancelled
	default:
		return status.Unexpected
	}
}
