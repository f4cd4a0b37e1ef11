package media

import (
	"log/slog"
	"sync"

	"github.com/pion/rtp"
)

// EventSink receives media lifecycle notifications from a bridge. The
// owning call wires these to the recording event stream.
type EventSink interface {
	// MediaStarted fires once per leg, on the first forwarded packet.
	MediaStarted(label Label)
	// MediaEnded fires once per configured leg at teardown, whether or
	// not a packet ever flowed.
	MediaEnded(label Label)
}

// rtpForwarder copies packets from one direction of an original RTP
// channel onto its recording leg. Forwarding runs on the media engine's
// callbacks and never touches call state.
type rtpForwarder struct {
	leg   *RtpLeg
	label Label
	sink  EventSink
	once  sync.Once
}

func (f *rtpForwarder) handle(pkt *rtp.Packet) {
	f.once.Do(func() { f.sink.MediaStarted(f.label) })
	if err := f.leg.WriteRTP(pkt.Clone()); err != nil {
		slog.Debug("[Bridge] Forward failed", "label", f.label.String(), "error", err)
	}
}

type msrpForwarder struct {
	leg   *MsrpLeg
	label Label
	sink  EventSink
	once  sync.Once
}

func (f *msrpForwarder) handle(contentType string, body []byte) {
	f.once.Do(func() { f.sink.MediaStarted(f.label) })
	copied := make([]byte, len(body))
	copy(copied, body)
	if err := f.leg.WriteMessage(contentType, copied); err != nil {
		slog.Debug("[Bridge] Forward failed", "label", f.label.String(), "error", err)
	}
}

// rtpHook is one attached original RTP channel with its two directional
// subscriptions.
type rtpHook struct {
	channel  RtpChannel
	kind     Kind
	received *rtpForwarder // odd label, may be nil if leg construction failed
	sent     *rtpForwarder // even label, may be nil
	recvSub  int
	sentSub  int
}

type msrpHook struct {
	conn     MsrpConnection
	received *msrpForwarder
	sent     *msrpForwarder
	recvSub  int
	sentSub  int
}

// Bridge holds the duplicated media legs of one recorded call and
// forwards packet copies from the original call onto them. It owns at
// most one leg per label. All mutation happens on the owning agent's
// work queue; only the forwarding callbacks run concurrently.
type Bridge struct {
	callID string
	sink   EventSink

	mu       sync.Mutex
	rtpHooks []*rtpHook
	msrp     *msrpHook
	shut     bool
}

// NewBridge creates an empty bridge for one recorded call.
func NewBridge(callID string, sink EventSink) *Bridge {
	return &Bridge{callID: callID, sink: sink}
}

// AttachRTP hooks one original RTP channel to its pair of recording
// legs and subscribes to the channel's packet events. Either leg may be
// nil when its construction failed; the other direction still forwards.
func (b *Bridge) AttachRTP(channel RtpChannel, kind Kind, receivedLeg, sentLeg *RtpLeg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shut {
		return
	}

	hook := &rtpHook{channel: channel, kind: kind}
	if receivedLeg != nil {
		hook.received = &rtpForwarder{leg: receivedLeg, label: receivedLeg.Label(), sink: b.sink}
		hook.recvSub = channel.OnPacketReceived(hook.received.handle)
	}
	if sentLeg != nil {
		hook.sent = &rtpForwarder{leg: sentLeg, label: sentLeg.Label(), sink: b.sink}
		hook.sentSub = channel.OnPacketSent(hook.sent.handle)
	}
	b.rtpHooks = append(b.rtpHooks, hook)

	slog.Debug("[Bridge] RTP channel attached",
		"call_id", b.callID,
		"channel", channel.ID(),
		"kind", string(kind),
	)
}

// AttachMSRP hooks the original MSRP connection to its pair of
// recording legs.
func (b *Bridge) AttachMSRP(conn MsrpConnection, receivedLeg, sentLeg *MsrpLeg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shut {
		return
	}

	hook := &msrpHook{conn: conn}
	if receivedLeg != nil {
		hook.received = &msrpForwarder{leg: receivedLeg, label: receivedLeg.Label(), sink: b.sink}
		hook.recvSub = conn.OnMessageReceived(hook.received.handle)
	}
	if sentLeg != nil {
		hook.sent = &msrpForwarder{leg: sentLeg, label: sentLeg.Label(), sink: b.sink}
		hook.sentSub = conn.OnMessageSent(hook.sent.handle)
	}
	b.msrp = hook

	slog.Debug("[Bridge] MSRP connection attached",
		"call_id", b.callID,
		"connection", conn.ID(),
	)
}

// RTPChannelCount returns the number of attached original RTP channels.
func (b *Bridge) RTPChannelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rtpHooks)
}

// RTPChannelAt returns the attached channel at an index, or nil.
func (b *Bridge) RTPChannelAt(index int) RtpChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.rtpHooks) {
		return nil
	}
	return b.rtpHooks[index].channel
}

// MSRPConnection returns the attached MSRP connection, or nil.
func (b *Bridge) MSRPConnection() MsrpConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msrp == nil {
		return nil
	}
	return b.msrp.conn
}

// RetargetRTP moves the subscriptions at a channel index to a
// replacement channel. The original call swaps channels when its own
// media is renegotiated (for example an encryption change); the
// recording legs stay as they are, only the event source moves.
// Each direction rehooks to the handler of the same kind.
func (b *Bridge) RetargetRTP(index int, replacement RtpChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shut || index < 0 || index >= len(b.rtpHooks) {
		return
	}

	hook := b.rtpHooks[index]
	old := hook.channel
	if hook.received != nil {
		old.Unsubscribe(hook.recvSub)
		hook.recvSub = replacement.OnPacketReceived(hook.received.handle)
	}
	if hook.sent != nil {
		old.Unsubscribe(hook.sentSub)
		hook.sentSub = replacement.OnPacketSent(hook.sent.handle)
	}
	hook.channel = replacement

	slog.Debug("[Bridge] RTP channel retargeted",
		"call_id", b.callID,
		"old", old.ID(),
		"new", replacement.ID(),
	)
}

// RetargetMSRP moves the MSRP subscriptions to a replacement connection.
func (b *Bridge) RetargetMSRP(replacement MsrpConnection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shut || b.msrp == nil {
		return
	}

	hook := b.msrp
	old := hook.conn
	if hook.received != nil {
		old.Unsubscribe(hook.recvSub)
		hook.recvSub = replacement.OnMessageReceived(hook.received.handle)
	}
	if hook.sent != nil {
		old.Unsubscribe(hook.sentSub)
		hook.sentSub = replacement.OnMessageSent(hook.sent.handle)
	}
	hook.conn = replacement
}

// Labels returns the labels of all configured legs.
func (b *Bridge) Labels() []Label {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.labelsLocked()
}

func (b *Bridge) labelsLocked() []Label {
	var labels []Label
	for _, hook := range b.rtpHooks {
		if hook.received != nil {
			labels = append(labels, hook.received.label)
		}
		if hook.sent != nil {
			labels = append(labels, hook.sent.label)
		}
	}
	if b.msrp != nil {
		if b.msrp.received != nil {
			labels = append(labels, b.msrp.received.label)
		}
		if b.msrp.sent != nil {
			labels = append(labels, b.msrp.sent.label)
		}
	}
	return labels
}

// PacketsForwarded sums the packets written across all legs.
func (b *Bridge) PacketsForwarded() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, hook := range b.rtpHooks {
		if hook.received != nil {
			total += hook.received.leg.PacketsSent()
		}
		if hook.sent != nil {
			total += hook.sent.leg.PacketsSent()
		}
	}
	if b.msrp != nil {
		if b.msrp.received != nil {
			total += b.msrp.received.leg.PacketsSent()
		}
		if b.msrp.sent != nil {
			total += b.msrp.sent.leg.PacketsSent()
		}
	}
	return total
}

// Shutdown deregisters every subscription, closes every leg, and emits
// MediaEnded per configured leg. Safe to call more than once.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.shut {
		b.mu.Unlock()
		return
	}
	b.shut = true
	labels := b.labelsLocked()
	rtpHooks := b.rtpHooks
	msrp := b.msrp
	b.rtpHooks = nil
	b.msrp = nil
	b.mu.Unlock()

	for _, hook := range rtpHooks {
		if hook.received != nil {
			hook.channel.Unsubscribe(hook.recvSub)
			hook.received.leg.Shutdown()
		}
		if hook.sent != nil {
			hook.channel.Unsubscribe(hook.sentSub)
			hook.sent.leg.Shutdown()
		}
	}
	if msrp != nil {
		if msrp.received != nil {
			msrp.conn.Unsubscribe(msrp.recvSub)
			msrp.received.leg.Shutdown()
		}
		if msrp.sent != nil {
			msrp.conn.Unsubscribe(msrp.sentSub)
			msrp.sent.leg.Shutdown()
		}
	}

	for _, label := range labels {
		b.sink.MediaEnded(label)
	}

	slog.Debug("[Bridge] Shut down", "call_id", b.callID, "legs", len(labels))
}
