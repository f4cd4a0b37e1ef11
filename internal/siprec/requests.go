package siprec

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// acceptedBodies lists the body types the recorder accepts from the SRS.
const acceptedBodies = "application/sdp, application/rs-metadata, application/rs-metadata-request"

// srsURI builds the SIP URI of the configured recording server.
func (a *RecorderAgent) srsURI(user string) sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   user,
		Host:   a.cfg.SrsHost(),
		Port:   a.cfg.SrsPort(),
	}
}

// localURI is the recorder's own identity.
func (a *RecorderAgent) localURI() sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   a.cfg.Name,
		Host:   a.localIP,
		Port:   a.localPort,
	}
}

// buildInvite constructs the initial recording INVITE per RFC 7866:
// Require: siprec, a Contact carrying the +sip.src feature tag, the
// original call's Call-ID, and the multipart SDP+metadata body. For
// NG9-1-1 calls the emergency identifiers travel in Call-Info headers.
func (a *RecorderAgent) buildInvite(params CallParameters, localTag string, body []byte, contentType string) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, a.srsURI(a.cfg.Name))

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: a.localURI(),
		Params:  fromParams,
	})

	invite.AppendHeader(&sip.ToHeader{
		Address: a.srsURI(a.cfg.Name),
		Params:  sip.NewParams(),
	})

	callID := sip.CallIDHeader(params.CallID)
	invite.AppendHeader(&callID)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	contactParams := sip.NewParams()
	contactParams.Add("+sip.src", "")
	invite.AppendHeader(&sip.ContactHeader{
		Address: a.localURI(),
		Params:  contactParams,
	})

	invite.AppendHeader(sip.NewHeader("Require", "siprec"))
	invite.AppendHeader(sip.NewHeader("Accept", acceptedBodies))

	if params.EmergencyCallID != "" {
		invite.AppendHeader(sip.NewHeader("Call-Info",
			fmt.Sprintf("<%s>;purpose=emergency-CallId", params.EmergencyCallID)))
	}
	if params.EmergencyIncidentID != "" {
		invite.AppendHeader(sip.NewHeader("Call-Info",
			fmt.Sprintf("<%s>;purpose=emergency-IncidentId", params.EmergencyIncidentID)))
	}

	invite.AppendHeader(sip.NewHeader("Content-Type", contentType))
	invite.SetBody(body)

	invite.SetTransport(strings.ToUpper(string(a.cfg.SipTransportProtocol)))
	invite.SetDestination(a.cfg.SrsIpEndpoint)
	return invite
}

// buildReInvite constructs a re-INVITE within the established dialog:
// the From header (and tag) of the original INVITE, the To tag from the
// stored OK, and the incremented CSeq.
func (a *RecorderAgent) buildReInvite(call *Call, body []byte, contentType string) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, a.srsURI(a.cfg.Name))

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	sip.CopyHeaders("From", call.lastInvite, invite)
	if to := call.okResponse.To(); to != nil {
		invite.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	sip.CopyHeaders("Call-ID", call.lastInvite, invite)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: call.lastCSeq, MethodName: sip.INVITE})

	contactParams := sip.NewParams()
	contactParams.Add("+sip.src", "")
	invite.AppendHeader(&sip.ContactHeader{
		Address: a.localURI(),
		Params:  contactParams,
	})

	invite.AppendHeader(sip.NewHeader("Require", "siprec"))
	invite.AppendHeader(sip.NewHeader("Accept", acceptedBodies))
	invite.AppendHeader(sip.NewHeader("Content-Type", contentType))
	invite.SetBody(body)

	invite.SetTransport(strings.ToUpper(string(a.cfg.SipTransportProtocol)))
	invite.SetDestination(a.cfg.SrsIpEndpoint)
	return invite
}

// buildBye constructs the in-dialog BYE from the stored OK response per
// RFC 3261 section 15.1.1.
func (a *RecorderAgent) buildBye(call *Call) *sip.Request {
	requestURI := a.srsURI(a.cfg.Name)
	if contact := call.okResponse.Contact(); contact != nil {
		requestURI = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	sip.CopyHeaders("From", call.lastInvite, bye)
	if to := call.okResponse.To(); to != nil {
		bye.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	sip.CopyHeaders("Call-ID", call.lastInvite, bye)

	bye.AppendHeader(&sip.CSeqHeader{SeqNo: call.lastCSeq + 1, MethodName: sip.BYE})

	bye.SetTransport(strings.ToUpper(string(a.cfg.SipTransportProtocol)))
	bye.SetDestination(a.cfg.SrsIpEndpoint)
	return bye
}

// buildOptions constructs one liveness probe. Request-URI, From, and To
// all name the SRS; each probe gets a fresh CSeq, and the transaction
// layer stamps a fresh Via branch.
func (a *RecorderAgent) buildOptions(cseq uint32) *sip.Request {
	options := sip.NewRequest(sip.OPTIONS, a.srsURI(""))

	maxFwd := sip.MaxForwardsHeader(70)
	options.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	options.AppendHeader(&sip.FromHeader{
		Address: a.srsURI(""),
		Params:  fromParams,
	})
	options.AppendHeader(&sip.ToHeader{
		Address: a.srsURI(""),
		Params:  sip.NewParams(),
	})

	callID := sip.CallIDHeader(fmt.Sprintf("%s-options-%s", a.cfg.Name, uuid.New().String()[:8]))
	options.AppendHeader(&callID)

	options.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.OPTIONS})

	options.SetTransport(strings.ToUpper(string(a.cfg.SipTransportProtocol)))
	options.SetDestination(a.cfg.SrsIpEndpoint)
	return options
}

// buildCancel constructs a CANCEL for an in-flight INVITE per RFC 3261
// section 9.1: same Via, From, To, Call-ID, and CSeq number as the
// INVITE, with the CANCEL method.
func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	sip.CopyHeaders("Via", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)

	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(invite.Transport())
	cancel.SetDestination(invite.Destination())
	return cancel
}

// buildAck constructs the ACK for a 2xx response. Per RFC 3261 section
// 13.2.2.4 it is a new request outside the INVITE transaction whose
// Request-URI comes from the Contact of the 2xx.
func buildAck(invite *sip.Request, resp *sip.Response) *sip.Request {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)

	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}

	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	destAddr := resp.Source()
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetTransport(invite.Transport())
	ack.SetDestination(destAddr)
	return ack
}

// callIDOf extracts the Call-ID value of a request.
func callIDOf(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return string(*id)
	}
	return ""
}

// generateTag generates a unique tag for From/To headers.
func generateTag() string {
	return uuid.New().String()[:8]
}
