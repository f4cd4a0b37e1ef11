package siprec

import (
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"

	"github.com/sebas/siprec/internal/events"
	"github.com/sebas/siprec/internal/media"
)

// CallParameters describes one original call to be mirrored. The host
// application supplies them on start and again, updated, on every
// renegotiation of the original call.
type CallParameters struct {
	// CallID is the original call's Call-ID, reused toward the SRS.
	CallID  string
	FromURI string
	ToURI   string

	// EmergencyCallID and EmergencyIncidentID are the NG9-1-1
	// identifiers, when present.
	EmergencyCallID     string
	EmergencyIncidentID string

	// AnsweredSDP is the answered SDP of the original call.
	AnsweredSDP []byte

	// RtpChannels holds one handle per recordable RTP stream of the
	// original call, in media description order.
	RtpChannels []media.RtpChannel

	// MsrpConnection is the original call's MSRP session, when one
	// exists.
	MsrpConnection media.MsrpConnection
}

// EventContext derives the per-call event fields.
func (p *CallParameters) EventContext() events.CallContext {
	return events.CallContext{
		SIPCallID:           p.CallID,
		EmergencyCallID:     p.EmergencyCallID,
		EmergencyIncidentID: p.EmergencyIncidentID,
	}
}

// Call is the per-recorded-call state owned by one recorder agent. All
// fields are read and written only on the agent's work queue, except
// the media bridge's forwarding paths which are internally
// synchronised.
type Call struct {
	params CallParameters
	state  *fsm.FSM

	// originalAnswered is the parsed answered SDP of the original call
	// as of the last accepted parameters.
	originalAnswered *sdp.SessionDescription

	// lastInvite is the last INVITE request sent to the SRS.
	lastInvite *sip.Request
	// lastCSeq is the CSeq of the last request sent within the dialog.
	lastCSeq uint32

	// offeredSDP and offeredStreams describe the current offer toward
	// the SRS.
	offeredSDP     *sdp.SessionDescription
	offeredStreams []OfferedStream

	// answeredSDP is the SRS's answer, once received.
	answeredSDP *sdp.SessionDescription
	// okResponse is the 2xx that established the dialog; it carries
	// the To tag used for re-INVITE and BYE construction.
	okResponse *sip.Response

	metadata *Metadata
	bridge   *media.Bridge

	// reInviteInProgress marks an outstanding re-INVITE.
	reInviteInProgress bool
	// newMedia lists the media kinds being added by the in-flight
	// re-INVITE.
	newMedia []media.Kind
	// pendingStreams are the offered streams added by the in-flight
	// re-INVITE, not yet answered.
	pendingStreams []OfferedStream

	// inviteTx is non-nil exactly while an INVITE or re-INVITE client
	// transaction is outstanding.
	inviteTx sip.ClientTransaction

	// attachedLabels tracks which offered streams own a live leg; the
	// remaining offered ports are released by the agent on teardown.
	attachedLabels map[media.Label]bool
}

func newCall(params CallParameters, originalAnswered *sdp.SessionDescription, metadata *Metadata, bridge *media.Bridge) *Call {
	return &Call{
		params:           params,
		state:            newDialogFSM(),
		originalAnswered: originalAnswered,
		metadata:         metadata,
		bridge:           bridge,
		lastCSeq:         1,
		attachedLabels:   make(map[media.Label]bool),
	}
}

// State returns the current dialog state.
func (c *Call) State() string {
	return c.state.Current()
}

// Is reports whether the dialog is in the given state.
func (c *Call) Is(state string) bool {
	return c.state.Current() == state
}

// markAttached records that a leg owns its offered port.
func (c *Call) markAttached(label media.Label) {
	c.attachedLabels[label] = true
}

// unattachedStreams returns the offered streams that never got a leg.
// Their ports still belong to the call and must be released on
// teardown.
func (c *Call) unattachedStreams() []OfferedStream {
	var unattached []OfferedStream
	for _, s := range c.offeredStreams {
		if !c.attachedLabels[s.Label] {
			unattached = append(unattached, s)
		}
	}
	for _, s := range c.pendingStreams {
		if !c.attachedLabels[s.Label] {
			unattached = append(unattached, s)
		}
	}
	return unattached
}

