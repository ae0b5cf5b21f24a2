package calls

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"realtime-service/internal/events"
	"realtime-service/internal/models"
	"realtime-service/internal/observability"
	"realtime-service/internal/presence"
	"realtime-service/internal/telemetry"
)

var (
	// ErrConflict is returned when the unordered caller/callee pair already
	// has an active session.
	ErrConflict = errors.New("active call already exists for this pair")
	// ErrInvalidState is returned for transitions the session's current
	// state does not permit, including operations on finished or unknown
	// calls.
	ErrInvalidState = errors.New("call state does not permit this transition")
	// ErrNotParty is returned when the acting identity belongs to neither
	// side of the call.
	ErrNotParty = errors.New("identity is not a party of this call")
)

// session is the ephemeral state of one WebRTC negotiation attempt. It is
// never persisted: losing in-flight signaling on restart is acceptable, the
// call fails and the user retries.
type session struct {
	mu     sync.Mutex
	id     string
	caller models.Identity
	callee models.Identity
	state  models.CallState
	offer  string
	timer  *time.Timer
	// pendingICE queues candidates per recipient while that recipient is
	// offline, bounded; flushed on reconnect, discarded at session end.
	pendingICE map[string][]string
}

func (s *session) other(userID string) (models.Identity, bool) {
	switch userID {
	case s.caller.UserID:
		return s.callee, true
	case s.callee.UserID:
		return s.caller, true
	}
	return models.Identity{}, false
}

// Coordinator owns every live call session, keyed by call id with an
// unordered-pair index for the one-active-call-per-pair invariant. Sessions
// are mutated only through the transition methods; each holds its own lock so
// unrelated calls proceed concurrently.
type Coordinator struct {
	registry       *presence.Registry
	publisher      telemetry.Publisher
	ringingTimeout time.Duration
	iceBufferSize  int

	mu     sync.Mutex
	byID   map[string]*session
	byPair map[string]string
}

// NewCoordinator builds a Coordinator. Wire it into the presence registry
// with registry.Watch so it observes parties going offline.
func NewCoordinator(registry *presence.Registry, publisher telemetry.Publisher, ringingTimeout time.Duration, iceBufferSize int) *Coordinator {
	return &Coordinator{
		registry:       registry,
		publisher:      publisher,
		ringingTimeout: ringingTimeout,
		iceBufferSize:  iceBufferSize,
		byID:           make(map[string]*session),
		byPair:         make(map[string]string),
	}
}

func pairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// Initiate creates a ringing session and pushes call:incoming to the callee's
// connections. An offline callee still gets a session; the caller will ring
// out. A second initiate for a pair with an active session fails with
// ErrConflict, so concurrent glare from both sides yields exactly one
// session.
func (c *Coordinator) Initiate(ctx context.Context, caller, callee models.Identity, offer string) (string, error) {
	if caller.UserID == callee.UserID {
		return "", ErrConflict
	}
	key := pairKey(caller.UserID, callee.UserID)

	c.mu.Lock()
	if _, ok := c.byPair[key]; ok {
		c.mu.Unlock()
		return "", ErrConflict
	}
	s := &session{
		id:         uuid.NewString(),
		caller:     caller,
		callee:     callee,
		state:      models.CallRinging,
		offer:      offer,
		pendingICE: make(map[string][]string),
	}
	c.byID[s.id] = s
	c.byPair[key] = s.id
	s.timer = time.AfterFunc(c.ringingTimeout, func() { c.timeout(s.id) })
	c.mu.Unlock()

	observability.IncActiveCalls()

	c.push(callee.UserID, events.CallIncoming, events.IncomingCallPayload{
		CallID: s.id,
		Caller: caller,
		Offer:  offer,
	})
	return s.id, nil
}

// Answer accepts a ringing call. Valid only from the callee and only while
// ringing; the answer is relayed to the caller's connections.
func (c *Coordinator) Answer(ctx context.Context, callID string, callee models.Identity, answer string) error {
	s, ok := c.get(callID)
	if !ok {
		return ErrInvalidState
	}

	s.mu.Lock()
	if s.state != models.CallRinging || s.callee.UserID != callee.UserID {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = models.CallAccepted
	s.stopTimer()
	caller := s.caller
	s.mu.Unlock()

	c.push(caller.UserID, events.CallAnswered, events.AnswerPayload{CallID: callID, Answer: answer})
	return nil
}

// Reject declines a ringing call; only the callee may reject.
func (c *Coordinator) Reject(ctx context.Context, callID string, callee models.Identity) error {
	return c.finishFromRinging(ctx, callID, callee.UserID, false, models.CallRejected, events.CallRejected, "rejected")
}

// Cancel withdraws a ringing call; only the caller may cancel.
func (c *Coordinator) Cancel(ctx context.Context, callID string, caller models.Identity) error {
	return c.finishFromRinging(ctx, callID, caller.UserID, true, models.CallCancelled, events.CallCancelled, "cancelled")
}

// End hangs up an accepted call; either party may end.
func (c *Coordinator) End(ctx context.Context, callID string, from models.Identity) error {
	s, ok := c.get(callID)
	if !ok {
		return ErrInvalidState
	}

	s.mu.Lock()
	other, party := s.other(from.UserID)
	if !party {
		s.mu.Unlock()
		return ErrNotParty
	}
	if s.state != models.CallAccepted {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = models.CallEnded
	s.mu.Unlock()

	c.remove(s, "ended")
	c.push(other.UserID, events.CallEnded, events.CallStatePayload{CallID: callID})
	return nil
}

// RelayICE forwards a candidate to the other party, or buffers it bounded
// while that party is offline. Valid while ringing or accepted.
func (c *Coordinator) RelayICE(ctx context.Context, callID string, from models.Identity, candidate string) error {
	s, ok := c.get(callID)
	if !ok {
		return ErrInvalidState
	}

	s.mu.Lock()
	other, party := s.other(from.UserID)
	if !party {
		s.mu.Unlock()
		return ErrNotParty
	}
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrInvalidState
	}
	online := c.registry.IsOnline(other.UserID)
	if !online {
		queued := append(s.pendingICE[other.UserID], candidate)
		if len(queued) > c.iceBufferSize {
			queued = queued[len(queued)-c.iceBufferSize:]
		}
		s.pendingICE[other.UserID] = queued
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	c.push(other.UserID, events.CallICECandidate, events.ICEPayload{CallID: callID, Candidate: candidate})
	return nil
}

// State reports the session's current state; false when no active session
// has that id.
func (c *Coordinator) State(callID string) (models.CallState, bool) {
	s, ok := c.get(callID)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

// IdentityOnline flushes ICE candidates buffered for a reconnecting party.
func (c *Coordinator) IdentityOnline(identity models.Identity) {
	for _, s := range c.sessionsFor(identity.UserID) {
		s.mu.Lock()
		queued := s.pendingICE[identity.UserID]
		delete(s.pendingICE, identity.UserID)
		callID := s.id
		s.mu.Unlock()

		for _, candidate := range queued {
			c.push(identity.UserID, events.CallICECandidate, events.ICEPayload{CallID: callID, Candidate: candidate})
		}
	}
}

// IdentityOffline tears down the party's calls instead of leaving them
// hanging: a ringing call behaves as the corresponding cancel/reject, an
// accepted call as an end.
func (c *Coordinator) IdentityOffline(identity models.Identity) {
	for _, s := range c.sessionsFor(identity.UserID) {
		s.mu.Lock()
		other, _ := s.other(identity.UserID)
		switch s.state {
		case models.CallRinging:
			if identity.UserID == s.caller.UserID {
				s.state = models.CallCancelled
				s.stopTimer()
				s.mu.Unlock()
				c.remove(s, "cancelled")
				c.push(other.UserID, events.CallCancelled, events.CallStatePayload{CallID: s.id, Reason: "peer_offline"})
			} else {
				s.state = models.CallRejected
				s.stopTimer()
				s.mu.Unlock()
				c.remove(s, "rejected")
				c.push(other.UserID, events.CallRejected, events.CallStatePayload{CallID: s.id, Reason: "peer_offline"})
			}
		case models.CallAccepted:
			s.state = models.CallEnded
			s.mu.Unlock()
			c.remove(s, "ended")
			c.push(other.UserID, events.CallEnded, events.CallStatePayload{CallID: s.id, Reason: "peer_offline"})
		default:
			s.mu.Unlock()
		}
	}
}

func (c *Coordinator) finishFromRinging(ctx context.Context, callID, actorID string, actorIsCaller bool, state models.CallState, event, outcome string) error {
	s, ok := c.get(callID)
	if !ok {
		return ErrInvalidState
	}

	s.mu.Lock()
	other, party := s.other(actorID)
	if !party {
		s.mu.Unlock()
		return ErrNotParty
	}
	allowed := actorID == s.callee.UserID
	if actorIsCaller {
		allowed = actorID == s.caller.UserID
	}
	if s.state != models.CallRinging || !allowed {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = state
	s.stopTimer()
	s.mu.Unlock()

	c.remove(s, outcome)
	c.push(other.UserID, event, events.CallStatePayload{CallID: callID})
	return nil
}

// timeout fires when a call rang longer than the configured bound.
func (c *Coordinator) timeout(callID string) {
	s, ok := c.get(callID)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.state != models.CallRinging {
		s.mu.Unlock()
		return
	}
	s.state = models.CallTimedOut
	caller := s.caller
	s.mu.Unlock()

	c.remove(s, "timed_out")
	c.push(caller.UserID, events.CallTimeout, events.CallStatePayload{CallID: callID, Reason: "no_answer"})
}

func (c *Coordinator) get(callID string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[callID]
	return s, ok
}

func (c *Coordinator) sessionsFor(userID string) []*session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sessions []*session
	for _, s := range c.byID {
		if s.caller.UserID == userID || s.callee.UserID == userID {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// remove drops a finished session from both indexes and records the outcome.
func (c *Coordinator) remove(s *session, outcome string) {
	c.mu.Lock()
	delete(c.byID, s.id)
	delete(c.byPair, pairKey(s.caller.UserID, s.callee.UserID))
	c.mu.Unlock()

	observability.DecActiveCalls()
	observability.IncCallOutcome(outcome)

	if c.publisher != nil {
		_ = c.publisher.Publish(context.Background(), "call.completed", telemetry.EventEnvelope{
			EventType: "call_events",
			EventName: "call_completed",
			Payload: map[string]any{
				"call_id":   s.id,
				"caller_id": s.caller.UserID,
				"callee_id": s.callee.UserID,
				"outcome":   outcome,
			},
		})
	}
}

func (c *Coordinator) push(userID, event string, data any) {
	payload, err := events.Marshal(event, data)
	if err != nil {
		log.Printf("call push skipped, cannot marshal %s: %v", event, err)
		return
	}
	c.registry.Push(userID, payload)
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
