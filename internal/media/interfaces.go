package media

import (
	"github.com/pion/rtp"
)

// RTPPacketHandler receives a copy of one RTP packet that crossed the
// original call. Handlers must not retain the packet past the call.
type RTPPacketHandler func(pkt *rtp.Packet)

// MSRPDataHandler receives a copy of one MSRP message body that crossed
// the original call.
type MSRPDataHandler func(contentType string, body []byte)

// RtpChannel is the recorder's view of one RTP stream of the original
// call. The original call's media engine owns the channel; the recorder
// only subscribes to its packet events and must deregister on every exit
// path. Subscriptions are identified by the returned id so that
// deregistration is unconditional and idempotent.
type RtpChannel interface {
	// ID identifies the channel for logging and retarget comparison.
	ID() string

	// OnPacketReceived registers a handler for packets received from the
	// remote party. Returns a subscription id.
	OnPacketReceived(h RTPPacketHandler) int

	// OnPacketSent registers a handler for packets sent to the remote
	// party. Returns a subscription id.
	OnPacketSent(h RTPPacketHandler) int

	// Unsubscribe removes a subscription. Unknown ids are ignored.
	Unsubscribe(id int)
}

// MsrpConnection is the recorder's view of the original call's MSRP
// session, with the same subscription discipline as RtpChannel.
type MsrpConnection interface {
	ID() string

	// OnMessageReceived registers a handler for MSRP bodies received
	// from the remote party. Returns a subscription id.
	OnMessageReceived(h MSRPDataHandler) int

	// OnMessageSent registers a handler for MSRP bodies sent to the
	// remote party. Returns a subscription id.
	OnMessageSent(h MSRPDataHandler) int

	Unsubscribe(id int)
}

// Leg is one outbound send-only media stream toward the SRS.
type Leg interface {
	// Label identifies which recording stream this leg carries.
	Label() Label

	// LocalPort is the local media port the leg owns.
	LocalPort() int

	// Shutdown closes the leg's transport and releases its port.
	Shutdown()
}
