// Package retry decides whether a failed attempt is tried again.
package retry

import "time"

const (
	DefaultMaxAttempts = 5
	DefaultDelay       = 60 * time.Second
)

// Classification of a failed attempt.
type Classification int

const (
	// NodeNotReady: the node is not listed yet or has no address.
	NodeNotReady Classification = iota
	// ServiceUnavailable: the provider API or the remote session failed.
	ServiceUnavailable
	// Fatal: anything else. Never retried.
	Fatal
)

func (c Classification) String() string {
	switch c {
	case NodeNotReady:
		return "node_not_ready"
	case ServiceUnavailable:
		return "service_unavailable"
	default:
		return "fatal"
	}
}

// Retryable reports whether the class is worth another attempt at all.
func (c Classification) Retryable() bool {
	return c == NodeNotReady || c == ServiceUnavailable
}

type Action int

const (
	GiveUp Action = iota
	Retry
)

type Decision struct {
	Action Action
	Delay  time.Duration // set when Action is Retry
}

// Policy is a fixed-delay, bounded retry policy. Attempts are numbered from 1.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay}
}

// Decide is pure: the same inputs always give the same decision.
func (p Policy) Decide(class Classification, attempt int) Decision {
	if !class.Retryable() || attempt >= p.MaxAttempts {
		return Decision{Action: GiveUp}
	}
	return Decision{Action: Retry, Delay: p.Delay}
}
