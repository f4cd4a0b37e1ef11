package siprec

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/sebas/siprec/internal/events"
	"github.com/sebas/siprec/internal/media"
)

// handleReInvite reconciles updated call parameters with the existing
// recording. Runs on the work queue.
//
// Channel replacement without media addition needs no signalling toward
// the SRS: the bridge re-subscribes and returns. Added media emits a
// re-INVITE carrying the extended offer and metadata.
func (a *RecorderAgent) handleReInvite(newParams CallParameters) {
	call, ok := a.calls[newParams.CallID]
	if !ok {
		slog.Error("[Agent] Re-invite for unknown call",
			"recorder", a.cfg.Name,
			"call_id", newParams.CallID,
		)
		return
	}
	if !call.Is(StateEstablished) {
		slog.Error("[Agent] Re-invite in wrong state",
			"recorder", a.cfg.Name,
			"call_id", newParams.CallID,
			"state", call.State(),
		)
		return
	}

	newAnswered := &sdp.SessionDescription{}
	if err := newAnswered.Unmarshal(newParams.AnsweredSDP); err != nil {
		slog.Error("[Agent] Re-invite answered SDP invalid",
			"recorder", a.cfg.Name,
			"call_id", newParams.CallID,
			"error", err,
		)
		return
	}

	old := call.params
	oldCount := len(call.originalAnswered.MediaDescriptions)
	newCount := len(newAnswered.MediaDescriptions)
	if len(newParams.RtpChannels) < len(old.RtpChannels) || newCount < oldCount {
		slog.Error("[Agent] Re-invite removes media, aborting",
			"recorder", a.cfg.Name,
			"call_id", newParams.CallID,
			"old_media", oldCount,
			"new_media", newCount,
			"old_channels", len(old.RtpChannels),
			"new_channels", len(newParams.RtpChannels),
		)
		return
	}

	// Step 1: the original call may have replaced channels in place
	// (for example after an encryption change); move the
	// subscriptions, keeping each direction on its same-kind handler.
	for i := 0; i < len(old.RtpChannels) && i < len(newParams.RtpChannels); i++ {
		if old.RtpChannels[i] != newParams.RtpChannels[i] {
			call.bridge.RetargetRTP(i, newParams.RtpChannels[i])
		}
	}
	if old.MsrpConnection != nil && newParams.MsrpConnection != nil &&
		old.MsrpConnection != newParams.MsrpConnection {
		call.bridge.RetargetMSRP(newParams.MsrpConnection)
	}

	// Step 2: pure retarget, nothing to signal.
	if newCount == oldCount {
		call.params = newParams
		call.originalAnswered = newAnswered
		slog.Debug("[Agent] Re-invite retarget only",
			"recorder", a.cfg.Name,
			"call_id", newParams.CallID,
		)
		return
	}

	// Step 3: the last delta media descriptions are additions.
	added := newAnswered.MediaDescriptions[oldCount:]
	for _, md := range added {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		if _, ok := media.ReceivedLabel(media.Kind(md.MediaName.Media)); !ok {
			slog.Error("[Agent] Re-invite adds unsupported media, aborting",
				"recorder", a.cfg.Name,
				"call_id", newParams.CallID,
				"media", md.MediaName.Media,
			)
			return
		}
	}

	newStreams, err := a.offers.AppendStreams(call.offeredSDP, added)
	if err != nil {
		slog.Error("[Agent] Re-invite offer extension failed",
			"recorder", a.cfg.Name,
			"call_id", newParams.CallID,
			"error", err,
		)
		return
	}
	if len(newStreams) == 0 {
		// Every added stream was rejected by the original call.
		call.params = newParams
		call.originalAnswered = newAnswered
		return
	}

	var newKinds []media.Kind
	for i := 0; i+1 < len(newStreams); i += 2 {
		recv, sent := newStreams[i], newStreams[i+1]
		if err := call.metadata.AddStreamPair(recv.Label, sent.Label); err != nil {
			// Skip this addition in the metadata but keep going; the
			// offer still carries the stream.
			slog.Error("[Agent] Metadata extension failed",
				"recorder", a.cfg.Name,
				"call_id", newParams.CallID,
				"label", int(recv.Label),
				"error", err,
			)
		}
		newKinds = append(newKinds, recv.Kind)
	}

	call.lastCSeq++
	call.offeredSDP.Origin.SessionVersion++

	body, contentType, err := a.renderBody(call.offeredSDP, call.metadata)
	if err != nil {
		slog.Error("[Agent] Re-invite body failed",
			"recorder", a.cfg.Name,
			"call_id", newParams.CallID,
			"error", err,
		)
		a.rollbackReOffer(call, newStreams)
		return
	}

	reinvite := a.buildReInvite(call, body, contentType)

	call.pendingStreams = newStreams
	call.newMedia = newKinds
	call.reInviteInProgress = true
	call.lastInvite = reinvite
	call.params = newParams
	call.originalAnswered = newAnswered
	_ = fireEvent(call.state, eventReOffer)

	a.emitSignaling(call.params.EventContext(), events.DirectionOutgoing, "INVITE", 0, reinvite.String())
	slog.Info("[Agent] Re-invite toward SRS",
		"recorder", a.cfg.Name,
		"call_id", newParams.CallID,
		"cseq", call.lastCSeq,
		"added_streams", len(newStreams),
	)
	go a.runInvite(newParams.CallID, reinvite, true)
}

// onReInviteResult concludes a re-INVITE. Runs on the work queue. On
// any failure the existing recording is retained and the new media is
// simply not mirrored.
func (a *RecorderAgent) onReInviteResult(call *Call, invite *sip.Request, resp *sip.Response, err error) {
	call.reInviteInProgress = false
	pending := call.pendingStreams
	kinds := call.newMedia
	call.pendingStreams = nil
	call.newMedia = nil

	if err != nil || resp == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := 0
		if resp != nil {
			code = int(resp.StatusCode)
		}
		slog.Error("[Agent] Re-invite failed, keeping existing recording",
			"recorder", a.cfg.Name,
			"call_id", call.params.CallID,
			"status", code,
			"error", err,
		)
		a.rollbackReOffer(call, pending)
		_ = fireEvent(call.state, eventReOfferDone)
		return
	}

	a.sendAck(invite, resp, call)

	answered := &sdp.SessionDescription{}
	if len(resp.Body()) == 0 || answered.Unmarshal(resp.Body()) != nil ||
		len(answered.MediaDescriptions) != len(call.offeredStreams)+len(pending) {
		slog.Error("[Agent] Re-invite answer mismatch, keeping existing recording",
			"recorder", a.cfg.Name,
			"call_id", call.params.CallID,
		)
		a.rollbackReOffer(call, pending)
		_ = fireEvent(call.state, eventReOfferDone)
		return
	}

	call.okResponse = resp
	call.answeredSDP = answered

	// Attach channels for the media added since establishment. The
	// answered descriptions are matched to the offered ones by (media
	// type, label); the SRS may reorder.
	a.attachMedia(call, answered, pending, kinds)

	call.offeredStreams = append(call.offeredStreams, pending...)
	_ = fireEvent(call.state, eventReOfferDone)

	slog.Info("[Agent] Re-invite concluded",
		"recorder", a.cfg.Name,
		"call_id", call.params.CallID,
		"streams", len(call.offeredStreams),
	)
}

// rollbackReOffer removes the speculatively offered media descriptions
// and releases their ports. The metadata document keeps its streams:
// it never shrinks, and a later retry reuses the same labels.
func (a *RecorderAgent) rollbackReOffer(call *Call, pending []OfferedStream) {
	if len(pending) == 0 {
		return
	}
	keep := len(call.offeredSDP.MediaDescriptions) - len(pending)
	if keep >= 0 {
		call.offeredSDP.MediaDescriptions = call.offeredSDP.MediaDescriptions[:keep]
	}
	var unattached []OfferedStream
	for _, s := range pending {
		if !call.attachedLabels[s.Label] {
			unattached = append(unattached, s)
		}
	}
	a.releaseStreams(unattached)
}
