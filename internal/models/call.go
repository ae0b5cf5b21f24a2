package models

// CallState is the lifecycle state of one signaling session.
type CallState string

const (
	CallRinging   CallState = "ringing"
	CallAccepted  CallState = "accepted"
	CallRejected  CallState = "rejected"
	CallCancelled CallState = "cancelled"
	CallTimedOut  CallState = "timed_out"
	CallEnded     CallState = "ended"
)

// Terminal reports whether no further transition can leave the state.
func (s CallState) Terminal() bool {
	return s != CallRinging && s != CallAccepted
}
