package bootstrap

import (
	"fmt"
)

// Reason names the step a bootstrap run failed in.
type Reason string

const (
	ReasonAuth        Reason = "auth"
	ReasonRegions     Reason = "regions"
	ReasonNoRegions   Reason = "no_regions"
	ReasonAllocate    Reason = "allocate"
	ReasonJoinCode    Reason = "join_code"
	ReasonEndpoint    Reason = "endpoint"
	ReasonLobbyCreate Reason = "lobby_create"
	ReasonLobbyJoin   Reason = "lobby_join"
	ReasonLobbyFetch  Reason = "lobby_fetch"
	ReasonLobbyGone   Reason = "lobby_gone"
	ReasonRelayJoin   Reason = "relay_join"
	ReasonTimeout     Reason = "timeout"
	ReasonCancelled   Reason = "cancelled"
)

// Kind classifies failure reasons for callers deciding what to tell the
// user. No kind is retried inside a machine.
type Kind int

const (
	// KindTransient is a faulted remote call. A fresh run may succeed.
	KindTransient Kind = iota
	// KindAuth is a failed sign-in.
	KindAuth
	// KindConfiguration is a transport/allocation mismatch. Retrying with
	// the same configuration cannot succeed.
	KindConfiguration
	// KindTimeout is an exceeded bounded wait.
	KindTimeout
	// KindNotFound is a lobby that disappeared while being polled.
	KindNotFound
	// KindCancelled is a run stopped by Abort.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConfiguration:
		return "configuration"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	}
	return "transient"
}

// Kind returns the error class of r.
func (r Reason) Kind() Kind {
	switch r {
	case ReasonAuth:
		return KindAuth
	case ReasonEndpoint:
		return KindConfiguration
	case ReasonTimeout:
		return KindTimeout
	case ReasonLobbyGone:
		return KindNotFound
	case ReasonCancelled:
		return KindCancelled
	}
	return KindTransient
}

// Failure is the error of a failed bootstrap run.
type Failure struct {
	Reason Reason
	Err    error // underlying cause; nil for timeouts and cancellation
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("bootstrap failed (%s)", f.Reason)
	}
	return fmt.Sprintf("bootstrap failed (%s): %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
