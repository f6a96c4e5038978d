package session

import "time"

type DropReason string

const (
	ReasonNetwork        DropReason = "network"
	ReasonLoggedOut      DropReason = "logged_out"
	ReasonStreamReplaced DropReason = "stream_replaced"
	ReasonBanned         DropReason = "banned"
	ReasonQRTimeout      DropReason = "qr_timeout"
	ReasonRequested      DropReason = "requested"
)

// ReconnectPolicy decides whether and when a dropped session dials again.
type ReconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultPolicy() ReconnectPolicy {
	return ReconnectPolicy{Base: 2 * time.Second, Max: 2 * time.Minute, MaxAttempts: 10}
}

// ShouldReconnect is true only for transient drops; a logout, a replaced
// stream, a ban or an expired QR needs the owner to act.
func (p ReconnectPolicy) ShouldReconnect(reason DropReason, attempt int) bool {
	if reason != ReasonNetwork {
		return false
	}
	return p.MaxAttempts <= 0 || attempt < p.MaxAttempts
}

// Backoff doubles from Base for each attempt, capped at Max.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// afterDrop is the state a session lands in once a drop is handled.
func afterDrop(reason DropReason) State {
	switch reason {
	case ReasonStreamReplaced, ReasonBanned:
		return Error
	}
	return Disconnected
}
