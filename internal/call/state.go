package call

import (
	"fmt"

	"github.com/looplab/fsm"

	"github.com/junsooki/dialtone/internal/signaling"
)

// Kind tags the variant of a call attempt.
type Kind int

const (
	KindDialing Kind = iota
	KindIncoming
	KindDialog
)

func (k Kind) String() string {
	switch k {
	case KindDialing:
		return "dialing"
	case KindIncoming:
		return "incoming"
	case KindDialog:
		return "dialog"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is the current state of an attempt's machine.
type State string

const (
	StateIdle      State = "idle"
	StateDialing   State = "dialing"
	StateRinging   State = "ringing"
	StateActive    State = "active"
	StateAccepted  State = "accepted"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
	StateHungUp    State = "hung_up"
)

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateDialing, StateRinging, StateActive:
		return false
	}
	return true
}

// Outcome describes how an attempt ended.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
	OutcomeHungUp    Outcome = "hung_up"
)

// Result is delivered exactly once per attempt to its OnEnd observers.
type Result struct {
	Outcome Outcome
	// Remote is set when a message from the peer caused the outcome.
	Remote bool
	// Dialog is the established dialog for OutcomeAccepted.
	Dialog *Dialog
	// Err is set for OutcomeFailed.
	Err error
}

// Call is implemented by *Dialing, *Incoming and *Dialog.
type Call interface {
	ID() string
	Kind() Kind
	Peer() string
	State() State
	// Done is closed once the attempt reached a terminal state.
	Done() <-chan struct{}
	// Result returns the outcome; ok is false until Done is closed.
	Result() (res Result, ok bool)
	// OnEnd registers fn for the terminal result. Registered after the end,
	// fn is called once with the stored result.
	OnEnd(fn func(Result)) (remove func())
}

var (
	_ Call = (*Dialing)(nil)
	_ Call = (*Incoming)(nil)
	_ Call = (*Dialog)(nil)
)

const eventDial = "dial"

func terminalEvents(src State, outcomes ...Outcome) fsm.Events {
	events := make(fsm.Events, 0, len(outcomes))
	for _, o := range outcomes {
		events = append(events, fsm.EventDesc{Name: string(o), Src: []string{string(src)}, Dst: string(o)})
	}
	return events
}

func newDialingMachine() *fsm.FSM {
	events := fsm.Events{{Name: eventDial, Src: []string{string(StateIdle)}, Dst: string(StateDialing)}}
	events = append(events, terminalEvents(StateDialing,
		OutcomeAccepted, OutcomeRejected, OutcomeCancelled, OutcomeFailed, OutcomeTimedOut)...)
	return fsm.NewFSM(string(StateIdle), events, fsm.Callbacks{})
}

func newIncomingMachine() *fsm.FSM {
	return fsm.NewFSM(string(StateRinging), terminalEvents(StateRinging,
		OutcomeAccepted, OutcomeRejected, OutcomeCancelled, OutcomeTimedOut, OutcomeFailed), fsm.Callbacks{})
}

func newDialogMachine() *fsm.FSM {
	return fsm.NewFSM(string(StateActive), terminalEvents(StateActive,
		OutcomeHungUp, OutcomeFailed), fsm.Callbacks{})
}

// matchPeer decodes the PeerInfo of in and reports whether it came from id.
func matchPeer(in signaling.Inbound, id string) (signaling.PeerInfo, bool) {
	info, err := in.PeerInfo()
	if err != nil || info.ID != id {
		return signaling.PeerInfo{}, false
	}
	return info, true
}
