package siprec

import (
	"context"

	"github.com/looplab/fsm"
)

// Recording dialog states. A dialog is offering while the initial
// INVITE is outstanding, established once the SRS answered, reoffering
// while a re-INVITE is outstanding, and ends in terminated or (when
// stopped before the SRS ever answered) cancelled.
const (
	StateOffering    = "offering"
	StateEstablished = "established"
	StateReOffering  = "reoffering"
	StateTerminated  = "terminated"
	StateCancelled   = "cancelled"
)

// Dialog events.
const (
	eventEstablish   = "establish"    // 2xx with usable SDP
	eventReOffer     = "reoffer"      // re-INVITE sent
	eventReOfferDone = "reoffer-done" // re-INVITE concluded (success or failure)
	eventCancel      = "cancel"       // stopped while offering
	eventTerminate   = "terminate"    // BYE sent or received, or fatal error
)

// newDialogFSM builds the per-call state machine.
func newDialogFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateOffering,
		fsm.Events{
			{Name: eventEstablish, Src: []string{StateOffering}, Dst: StateEstablished},
			{Name: eventReOffer, Src: []string{StateEstablished}, Dst: StateReOffering},
			{Name: eventReOfferDone, Src: []string{StateReOffering}, Dst: StateEstablished},
			{Name: eventCancel, Src: []string{StateOffering}, Dst: StateCancelled},
			{Name: eventTerminate, Src: []string{StateOffering, StateEstablished, StateReOffering}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)
}

// fireEvent drives a transition and reports whether it was valid.
func fireEvent(machine *fsm.FSM, event string) error {
	return machine.Event(context.Background(), event)
}
