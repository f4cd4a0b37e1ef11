package events

import (
	"time"

	"github.com/google/uuid"
)

// Identity carries the fixed identification fields stamped onto every
// event. AgencyID and AgentID come from distinct configuration fields.
type Identity struct {
	ElementID string
	AgencyID  string
	AgentID   string
}

// Builder provides construction of recording events with consistent
// defaults. One builder is created per recorder agent.
type Builder struct {
	identity    Identity
	recorder    string
	srsEndpoint string
}

// NewBuilder creates an event builder for one recorder.
func NewBuilder(identity Identity, recorder, srsEndpoint string) *Builder {
	return &Builder{
		identity:    identity,
		recorder:    recorder,
		srsEndpoint: srsEndpoint,
	}
}

// CallContext carries the per-call fields of an event.
type CallContext struct {
	SIPCallID           string
	EmergencyCallID     string
	EmergencyIncidentID string
}

func (b *Builder) newBase(eventType EventType, call CallContext) BaseEvent {
	return BaseEvent{
		EventID:             uuid.New().String(),
		EventType:           eventType,
		EventTime:           time.Now().UTC(),
		ElementID:           b.identity.ElementID,
		AgencyID:            b.identity.AgencyID,
		AgentID:             b.identity.AgentID,
		EmergencyCallID:     call.EmergencyCallID,
		EmergencyIncidentID: call.EmergencyIncidentID,
		SIPCallID:           call.SIPCallID,
		Recorder:            b.recorder,
		SrsEndpoint:         b.srsEndpoint,
	}
}

// CallStart constructs a RecCallStartEvent.
func (b *Builder) CallStart(call CallContext, fromURI, toURI string, labels []string) *RecCallStartEvent {
	return &RecCallStartEvent{
		BaseEvent:   b.newBase(RecCallStart, call),
		FromURI:     fromURI,
		ToURI:       toURI,
		MediaLabels: labels,
	}
}

// CallEnd constructs a RecCallEndEvent.
func (b *Builder) CallEnd(call CallContext, reason EndReason) *RecCallEndEvent {
	return &RecCallEndEvent{
		BaseEvent: b.newBase(RecCallEnd, call),
		Reason:    reason,
	}
}

// MediaStart constructs a RecMediaStartEvent for one leg.
func (b *Builder) MediaStart(call CallContext, mediaLabel string) *RecMediaStartEvent {
	return &RecMediaStartEvent{
		BaseEvent:  b.newBase(RecMediaStart, call),
		MediaLabel: mediaLabel,
	}
}

// MediaEnd constructs a RecMediaEndEvent for one leg.
func (b *Builder) MediaEnd(call CallContext, mediaLabel string) *RecMediaEndEvent {
	return &RecMediaEndEvent{
		BaseEvent:  b.newBase(RecMediaEnd, call),
		MediaLabel: mediaLabel,
	}
}

// Signaling constructs a CallSignalingMessageEvent.
func (b *Builder) Signaling(call CallContext, direction Direction, method string, statusCode int, message string) *CallSignalingMessageEvent {
	return &CallSignalingMessageEvent{
		BaseEvent:  b.newBase(CallSignalingMessage, call),
		Direction:  direction,
		Method:     method,
		StatusCode: statusCode,
		Message:    message,
	}
}
