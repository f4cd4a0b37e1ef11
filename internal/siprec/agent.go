package siprec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/dtls/v2"
	"github.com/pion/sdp/v3"

	"github.com/sebas/siprec/internal/config"
	"github.com/sebas/siprec/internal/events"
	"github.com/sebas/siprec/internal/media"
	"github.com/sebas/siprec/internal/security"
)

const (
	// optionsTimeout bounds one liveness probe.
	optionsTimeout = 1000 * time.Millisecond
	// byeTimeout bounds one BYE transaction.
	byeTimeout = 1000 * time.Millisecond
	// bindGracePeriod is how long Start waits for the transport bind to
	// fail before assuming it succeeded.
	bindGracePeriod = 250 * time.Millisecond

	workQueueDepth = 256
)

// ErrTransportBind reports that the local signalling endpoint could not
// be acquired.
var ErrTransportBind = errors.New("transport bind failed")

// StatusChangedFunc observes SRS liveness transitions.
type StatusChangedFunc func(name string, responding bool, statusCode int)

// AgentDeps carries the explicit dependencies of a recorder agent, so
// tests can substitute fakes.
type AgentDeps struct {
	Identity  events.Identity
	Publisher events.Publisher
	Ports     *media.PortManager
	Certs     *security.Store
	// OnStatusChanged is invoked on every SRS liveness transition. May
	// be nil.
	OnStatusChanged StatusChangedFunc
}

// RecorderAgent is the long-lived signalling endpoint toward one SRS.
// It multiplexes every concurrent recorded call over one local
// transport, drives the per-call dialog state machines, probes SRS
// liveness, and owns the per-call media bridges.
//
// All call state is mutated on the agent's single work queue; public
// methods enqueue and return. Transaction and reception callbacks from
// the transport layer are re-posted onto the queue before touching call
// state.
type RecorderAgent struct {
	cfg       config.RecorderConfig
	deps      AgentDeps
	builder   *events.Builder
	offers    *OfferFactory
	localIP   string
	localPort int

	mu      sync.Mutex
	started bool
	stopped bool

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	ctx    context.Context
	cancel context.CancelFunc

	queue     chan func()
	queueDone chan struct{}

	// calls is keyed by the original Call-ID and touched only on the
	// work queue.
	calls     map[string]*Call
	callCount atomic.Int64

	// SRS liveness, touched only on the work queue.
	statusKnown    bool
	srsResponding  bool
	lastStatusCode int
	optionsCSeq    atomic.Uint32
	optionsProbes  atomic.Int64
	respondingFlag atomic.Bool
}

// NewRecorderAgent creates an agent for one recorder config. Call Start
// to bind the transport.
func NewRecorderAgent(cfg config.RecorderConfig, deps AgentDeps) *RecorderAgent {
	localIP := cfg.LocalIP()
	localPort := 5060
	if _, portStr, err := net.SplitHostPort(cfg.LocalIpEndpoint); err == nil {
		if p, err := strconv.Atoi(portStr); err == nil {
			localPort = p
		}
	}

	return &RecorderAgent{
		cfg:       cfg,
		deps:      deps,
		builder:   events.NewBuilder(deps.Identity, cfg.Name, cfg.SrsIpEndpoint),
		offers:    NewOfferFactory(localIP, deps.Ports, cfg.RtpEncryption, cfg.MsrpEncryption, deps.Certs),
		localIP:   localIP,
		localPort: localPort,
		queue:     make(chan func(), workQueueDepth),
		queueDone: make(chan struct{}),
		calls:     make(map[string]*Call),
	}
}

// Name returns the recorder name.
func (a *RecorderAgent) Name() string { return a.cfg.Name }

// ActiveCalls returns the number of calls in the map.
func (a *RecorderAgent) ActiveCalls() int { return int(a.callCount.Load()) }

// SrsResponding reports the last observed liveness.
func (a *RecorderAgent) SrsResponding() bool { return a.respondingFlag.Load() }

// OptionsProbes returns how many probes were dispatched.
func (a *RecorderAgent) OptionsProbes() int64 { return a.optionsProbes.Load() }

// Start binds the SIP channel on the configured transport and local
// endpoint, starts the work queue, and seeds the OPTIONS clock to fire
// now. Idempotent.
func (a *RecorderAgent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	if a.stopped {
		return fmt.Errorf("recorder %s already shut down", a.cfg.Name)
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("create client: %w", err)
	}

	a.ua = ua
	a.srv = srv
	a.client = client
	a.ctx, a.cancel = context.WithCancel(context.Background())

	srv.OnRequest(sip.BYE, a.onBye)
	srv.OnRequest(sip.ACK, a.onAck)
	srv.OnNoRoute(a.onUnsupported)

	if err := a.listen(); err != nil {
		a.cancel()
		client.Close()
		srv.Close()
		ua.Close()
		return err
	}

	go a.runQueue()
	if a.cfg.EnableOptions {
		go a.optionsLoop()
	}

	a.started = true
	slog.Info("[Agent] Started",
		"recorder", a.cfg.Name,
		"transport", string(a.cfg.SipTransportProtocol),
		"local", a.cfg.LocalIpEndpoint,
		"srs", a.cfg.SrsIpEndpoint,
	)
	return nil
}

// listen binds the configured transport. Bind failures surface within
// the grace period; after that the listener runs until shutdown.
func (a *RecorderAgent) listen() error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.cfg.SipTransportProtocol == config.TransportTLS {
			tlsConf, terr := a.deps.Certs.TLSConfig()
			if terr != nil {
				errCh <- terr
				return
			}
			err = a.srv.ListenAndServeTLS(a.ctx, "tls", a.cfg.LocalIpEndpoint, tlsConf)
		} else {
			err = a.srv.ListenAndServe(a.ctx, string(a.cfg.SipTransportProtocol), a.cfg.LocalIpEndpoint)
		}
		if err != nil && a.ctx.Err() == nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%w: %s on %s: %v", ErrTransportBind, a.cfg.SipTransportProtocol, a.cfg.LocalIpEndpoint, err)
	case <-time.After(bindGracePeriod):
		return nil
	}
}

// post enqueues work onto the agent's queue. Returns false once the
// agent is shut down.
func (a *RecorderAgent) post(fn func()) bool {
	a.mu.Lock()
	if a.stopped || !a.started {
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()

	select {
	case a.queue <- fn:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *RecorderAgent) runQueue() {
	defer close(a.queueDone)
	for fn := range a.queue {
		a.runSafely(fn)
	}
}

func (a *RecorderAgent) runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Agent] Panic in queued work", "recorder", a.cfg.Name, "panic", r)
		}
	}()
	fn()
}

// StartRecording mirrors one call toward the SRS: it synthesises the
// offer and metadata, sends the INVITE, and on success attaches the
// media bridge.
func (a *RecorderAgent) StartRecording(params CallParameters) {
	a.post(func() { a.startRecording(params) })
}

// HandleReInvite reconciles updated call parameters after the original
// call renegotiated its media.
func (a *RecorderAgent) HandleReInvite(params CallParameters) {
	a.post(func() { a.handleReInvite(params) })
}

// StopRecording ends the recording of one call: a pending INVITE is
// cancelled, an established dialog gets a BYE.
func (a *RecorderAgent) StopRecording(callID string) {
	a.post(func() { a.stopRecording(callID) })
}

// Shutdown cancels outstanding INVITE transactions, sends BYE for each
// established call with a bounded wait, tears down media, and closes
// the transport. Idempotent; returns only after all queued work has
// completed.
func (a *RecorderAgent) Shutdown() {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	done := make(chan struct{})
	a.queue <- func() {
		a.shutdownCalls()
		close(done)
	}
	<-done

	close(a.queue)
	<-a.queueDone

	a.cancel()
	a.client.Close()
	a.srv.Close()
	a.ua.Close()

	slog.Info("[Agent] Shut down", "recorder", a.cfg.Name)
}

// shutdownCalls runs on the queue. In-flight INVITEs are cancelled
// before any BYE goes out, so no BYE races an INVITE for the same
// dialog.
func (a *RecorderAgent) shutdownCalls() {
	var established []*Call
	for _, call := range a.calls {
		switch call.State() {
		case StateOffering:
			a.cancelPendingInvite(call)
			_ = fireEvent(call.state, eventCancel)
		case StateEstablished, StateReOffering:
			if call.inviteTx != nil {
				call.inviteTx.Terminate()
				call.inviteTx = nil
			}
			established = append(established, call)
		}
	}

	for _, call := range established {
		a.sendBye(call, true)
		a.teardownCall(call, events.EndReasonShutdown)
	}

	for id, call := range a.calls {
		a.releaseCallPorts(call)
		delete(a.calls, id)
	}
	a.callCount.Store(0)
}

// --- INVITE path ---

func (a *RecorderAgent) startRecording(params CallParameters) {
	if _, exists := a.calls[params.CallID]; exists {
		slog.Error("[Agent] Call already being recorded",
			"recorder", a.cfg.Name,
			"call_id", params.CallID,
		)
		return
	}

	original := &sdp.SessionDescription{}
	if err := original.Unmarshal(params.AnsweredSDP); err != nil {
		slog.Error("[Agent] Invalid answered SDP",
			"recorder", a.cfg.Name,
			"call_id", params.CallID,
			"error", err,
		)
		return
	}

	offer, streams, err := a.offers.BuildOffer(original)
	if err != nil {
		slog.Error("[Agent] Offer synthesis failed",
			"recorder", a.cfg.Name,
			"call_id", params.CallID,
			"error", err,
		)
		return
	}
	CopyAcceptTypes(offer, original)

	metadata, err := NewMetadata(params.CallID, params.FromURI, params.ToURI)
	if err != nil {
		slog.Error("[Agent] Metadata construction failed",
			"recorder", a.cfg.Name,
			"call_id", params.CallID,
			"error", err,
		)
		a.releaseStreams(streams)
		return
	}
	for i := 0; i+1 < len(streams); i += 2 {
		if err := metadata.AddStreamPair(streams[i].Label, streams[i+1].Label); err != nil {
			slog.Error("[Agent] Metadata stream addition failed",
				"recorder", a.cfg.Name,
				"call_id", params.CallID,
				"error", err,
			)
		}
	}

	body, contentType, err := a.renderBody(offer, metadata)
	if err != nil {
		slog.Error("[Agent] INVITE body failed",
			"recorder", a.cfg.Name,
			"call_id", params.CallID,
			"error", err,
		)
		a.releaseStreams(streams)
		return
	}

	call := newCall(params, original, metadata, media.NewBridge(params.CallID, &callEventSink{agent: a, ctx: params.EventContext()}))
	call.offeredSDP = offer
	call.offeredStreams = streams

	invite := a.buildInvite(params, generateTag(), body, contentType)
	call.lastInvite = invite

	a.calls[params.CallID] = call
	a.callCount.Add(1)

	a.emitSignaling(params.EventContext(), events.DirectionOutgoing, "INVITE", 0, invite.String())
	go a.runInvite(params.CallID, invite, false)
}

// runInvite drives one INVITE transaction off-queue and posts the
// outcome back.
func (a *RecorderAgent) runInvite(callID string, invite *sip.Request, reinvite bool) {
	tx, err := a.client.TransactionRequest(a.ctx, invite)
	if err != nil {
		a.post(func() { a.onInviteResult(callID, invite, nil, err, reinvite) })
		return
	}

	if !a.post(func() { a.setInviteTx(callID, tx) }) {
		tx.Terminate()
		return
	}

	resp, err := waitFinalResponse(a.ctx, tx)
	if !a.post(func() { a.onInviteResult(callID, invite, resp, err, reinvite) }) {
		tx.Terminate()
	}
}

func (a *RecorderAgent) setInviteTx(callID string, tx sip.ClientTransaction) {
	call, ok := a.calls[callID]
	if !ok {
		// Stopped while the transaction started; absorb.
		tx.Terminate()
		return
	}
	call.inviteTx = tx
}

func (a *RecorderAgent) onInviteResult(callID string, invite *sip.Request, resp *sip.Response, err error, reinvite bool) {
	call, ok := a.calls[callID]
	if !ok {
		// The call was stopped while the INVITE was in flight; the
		// final response is absorbed.
		return
	}
	call.inviteTx = nil

	if resp != nil {
		a.emitSignaling(call.params.EventContext(), events.DirectionIncoming, "INVITE", int(resp.StatusCode), resp.String())
	}

	if reinvite {
		a.onReInviteResult(call, invite, resp, err)
		return
	}

	if err != nil || resp == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Failed before it ever started: remove silently.
		code := 0
		if resp != nil {
			code = int(resp.StatusCode)
		}
		slog.Warn("[Agent] Recording INVITE failed",
			"recorder", a.cfg.Name,
			"call_id", callID,
			"status", code,
			"error", err,
		)
		_ = fireEvent(call.state, eventTerminate)
		a.removeCall(call)
		return
	}

	a.sendAck(invite, resp, call)

	answered := &sdp.SessionDescription{}
	if len(resp.Body()) == 0 || answered.Unmarshal(resp.Body()) != nil ||
		len(answered.MediaDescriptions) != len(call.offeredStreams) {
		slog.Error("[Agent] SRS answer unusable, tearing down",
			"recorder", a.cfg.Name,
			"call_id", callID,
			"body_len", len(resp.Body()),
		)
		call.okResponse = resp
		a.sendBye(call, false)
		_ = fireEvent(call.state, eventTerminate)
		a.removeCall(call)
		return
	}

	call.okResponse = resp
	call.answeredSDP = answered
	_ = fireEvent(call.state, eventEstablish)

	a.attachMedia(call, answered, call.offeredStreams, nil)

	labels := make([]string, 0, len(call.offeredStreams))
	for _, s := range call.offeredStreams {
		if call.attachedLabels[s.Label] {
			labels = append(labels, strconv.Itoa(int(s.Label)))
		}
	}
	a.deps.Publisher.PublishAsync(a.builder.CallStart(
		call.params.EventContext(),
		call.params.FromURI,
		call.params.ToURI,
		labels,
	))

	slog.Info("[Agent] Recording established",
		"recorder", a.cfg.Name,
		"call_id", callID,
		"legs", len(labels),
	)
}

// --- stop / teardown ---

func (a *RecorderAgent) stopRecording(callID string) {
	call, ok := a.calls[callID]
	if !ok {
		slog.Debug("[Agent] Stop for unknown call",
			"recorder", a.cfg.Name,
			"call_id", callID,
		)
		return
	}

	switch call.State() {
	case StateOffering:
		// Cancel the pending INVITE; the eventual final response
		// observes the removed call and is absorbed. No BYE.
		a.cancelPendingInvite(call)
		_ = fireEvent(call.state, eventCancel)
		a.removeCall(call)
	case StateEstablished, StateReOffering:
		if call.inviteTx != nil {
			call.inviteTx.Terminate()
			call.inviteTx = nil
		}
		a.sendBye(call, false)
		a.teardownCall(call, events.EndReasonLocalStop)
		a.removeCall(call)
	}
}

func (a *RecorderAgent) cancelPendingInvite(call *Call) {
	tx := call.inviteTx
	call.inviteTx = nil
	if tx == nil || call.lastInvite == nil {
		return
	}

	cancel := buildCancel(call.lastInvite)
	a.emitSignaling(call.params.EventContext(), events.DirectionOutgoing, "CANCEL", 0, cancel.String())
	go func() {
		ctx, cancelCtx := context.WithTimeout(context.Background(), byeTimeout)
		defer cancelCtx()
		cancelTx, err := a.client.TransactionRequest(ctx, cancel)
		if err != nil {
			slog.Debug("[Agent] CANCEL failed", "recorder", a.cfg.Name, "error", err)
		} else {
			_, _ = waitFinalResponse(ctx, cancelTx)
			cancelTx.Terminate()
		}
		tx.Terminate()
	}()
}

// teardownCall shuts the media down and emits RecCallEnd. The caller
// removes the call from the map.
func (a *RecorderAgent) teardownCall(call *Call, reason events.EndReason) {
	call.bridge.Shutdown()
	a.releaseCallPorts(call)
	_ = fireEvent(call.state, eventTerminate)
	a.deps.Publisher.PublishAsync(a.builder.CallEnd(call.params.EventContext(), reason))
}

func (a *RecorderAgent) removeCall(call *Call) {
	if _, ok := a.calls[call.params.CallID]; ok {
		delete(a.calls, call.params.CallID)
		a.callCount.Add(-1)
	}
	a.releaseCallPorts(call)
}

func (a *RecorderAgent) releaseCallPorts(call *Call) {
	a.releaseStreams(call.unattachedStreams())
}

func (a *RecorderAgent) releaseStreams(streams []OfferedStream) {
	for _, s := range streams {
		a.deps.Ports.Release(s.Kind, s.LocalPort)
	}
}

// sendBye sends the in-dialog BYE as a non-INVITE transaction bounded
// at one second. When wait is false the transaction concludes in the
// background.
func (a *RecorderAgent) sendBye(call *Call, wait bool) {
	if call.okResponse == nil || call.lastInvite == nil {
		return
	}
	bye := a.buildBye(call)
	call.lastCSeq++
	a.emitSignaling(call.params.EventContext(), events.DirectionOutgoing, "BYE", 0, bye.String())

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		defer cancel()
		tx, err := a.client.TransactionRequest(ctx, bye)
		if err != nil {
			slog.Warn("[Agent] BYE failed",
				"recorder", a.cfg.Name,
				"call_id", call.params.CallID,
				"error", err,
			)
			return
		}
		defer tx.Terminate()
		if _, err := waitFinalResponse(ctx, tx); err != nil {
			slog.Debug("[Agent] BYE concluded without response",
				"recorder", a.cfg.Name,
				"call_id", call.params.CallID,
			)
		}
	}
	if wait {
		run()
	} else {
		go run()
	}
}

func (a *RecorderAgent) sendAck(invite *sip.Request, resp *sip.Response, call *Call) {
	ack := buildAck(invite, resp)
	a.emitSignaling(call.params.EventContext(), events.DirectionOutgoing, "ACK", 0, ack.String())
	go func() {
		if err := a.client.WriteRequest(ack); err != nil {
			slog.Warn("[Agent] ACK failed",
				"recorder", a.cfg.Name,
				"call_id", call.params.CallID,
				"error", err,
			)
		}
	}()
}

// --- media attachment ---

// attachMedia builds legs for every answered media description whose
// port is non-zero, matching offered streams by (media type, label)
// since the SRS may reorder. restrictKinds limits attachment to the
// kinds added by a re-INVITE; nil attaches everything.
func (a *RecorderAgent) attachMedia(call *Call, answered *sdp.SessionDescription, offered []OfferedStream, restrictKinds []media.Kind) {
	offeredByLabel := make(map[media.Label]OfferedStream, len(offered))
	for _, s := range offered {
		offeredByLabel[s.Label] = s
	}

	type pair struct {
		recvRTP *media.RtpLeg
		sentRTP *media.RtpLeg
		recvMSRP *media.MsrpLeg
		sentMSRP *media.MsrpLeg
	}
	pairs := make(map[media.Kind]*pair)

	for i, md := range answered.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		kind := media.Kind(md.MediaName.Media)
		if restrictKinds != nil && !containsKind(restrictKinds, kind) {
			continue
		}

		label, ok := MediaLabelOf(md)
		if !ok {
			// The SRS did not echo the label; fall back to position.
			if i < len(offered) {
				label = offered[i].Label
			} else {
				continue
			}
		}
		stream, ok := offeredByLabel[label]
		if !ok || stream.Kind != kind {
			slog.Error("[Agent] Answered media matches no offered stream",
				"recorder", a.cfg.Name,
				"call_id", call.params.CallID,
				"label", int(label),
				"kind", string(kind),
			)
			continue
		}

		remoteAddr, remotePort := RemoteEndpointOf(answered, md)

		if kind == media.KindMessage {
			remotePath, _ := MsrpPathOf(md)
			leg, err := a.newMsrpLeg(stream, remotePath)
			if err != nil {
				slog.Error("[Agent] MSRP leg construction failed",
					"recorder", a.cfg.Name,
					"call_id", call.params.CallID,
					"label", int(label),
					"error", err,
				)
				continue
			}
			p := pairs[kind]
			if p == nil {
				p = &pair{}
				pairs[kind] = p
			}
			if label.IsReceived() {
				p.recvMSRP = leg
			} else {
				p.sentMSRP = leg
			}
			call.markAttached(label)
			continue
		}

		leg, err := a.newRtpLeg(stream, remoteAddr, remotePort)
		if err != nil {
			slog.Error("[Agent] RTP leg construction failed",
				"recorder", a.cfg.Name,
				"call_id", call.params.CallID,
				"label", int(label),
				"error", err,
			)
			continue
		}
		p := pairs[kind]
		if p == nil {
			p = &pair{}
			pairs[kind] = p
		}
		if label.IsReceived() {
			p.recvRTP = leg
		} else {
			p.sentRTP = leg
		}
		call.markAttached(label)
	}

	// Subscribe the bridge to the original call's channels, one per
	// recordable RTP stream in media description order.
	rtpIndex := 0
	for _, md := range call.originalAnswered.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		kind := media.Kind(md.MediaName.Media)
		if kind == media.KindMessage {
			continue
		}
		index := rtpIndex
		rtpIndex++

		p, ok := pairs[kind]
		if !ok || (p.recvRTP == nil && p.sentRTP == nil) {
			continue
		}
		delete(pairs, kind)
		if index >= len(call.params.RtpChannels) {
			slog.Error("[Agent] No original channel for media",
				"recorder", a.cfg.Name,
				"call_id", call.params.CallID,
				"kind", string(kind),
			)
			continue
		}
		call.bridge.AttachRTP(call.params.RtpChannels[index], kind, p.recvRTP, p.sentRTP)
	}

	if p, ok := pairs[media.KindMessage]; ok && (p.recvMSRP != nil || p.sentMSRP != nil) {
		if call.params.MsrpConnection != nil {
			call.bridge.AttachMSRP(call.params.MsrpConnection, p.recvMSRP, p.sentMSRP)
		} else {
			slog.Error("[Agent] No original MSRP connection for message media",
				"recorder", a.cfg.Name,
				"call_id", call.params.CallID,
			)
			if p.recvMSRP != nil {
				p.recvMSRP.Shutdown()
			}
			if p.sentMSRP != nil {
				p.sentMSRP.Shutdown()
			}
		}
	}
}

func (a *RecorderAgent) newRtpLeg(stream OfferedStream, remoteAddr string, remotePort int) (*media.RtpLeg, error) {
	var dtlsConf *dtls.Config
	if a.cfg.RtpEncryption == config.RtpEncryptionDtlsSrtp {
		conf, err := a.deps.Certs.DTLSConfig()
		if err != nil {
			return nil, err
		}
		dtlsConf = conf
	}
	return media.NewRtpLeg(stream.Label, a.deps.Ports, stream.LocalPort, remoteAddr, remotePort, dtlsConf)
}

func (a *RecorderAgent) newMsrpLeg(stream OfferedStream, remotePath string) (*media.MsrpLeg, error) {
	if remotePath == "" {
		return nil, fmt.Errorf("answer has no MSRP path")
	}
	if a.cfg.MsrpEncryption == config.MsrpEncryptionMsrps {
		tlsConf, err := a.deps.Certs.TLSConfig()
		if err != nil {
			return nil, err
		}
		return media.NewMsrpLeg(stream.Label, a.deps.Ports, stream.LocalPort, stream.LocalMsrpPath, remotePath, tlsConf)
	}
	return media.NewMsrpLeg(stream.Label, a.deps.Ports, stream.LocalPort, stream.LocalMsrpPath, remotePath, nil)
}

// --- inbound requests ---

func (a *RecorderAgent) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	a.emitSignaling(events.CallContext{SIPCallID: callID}, events.DirectionIncoming, "BYE", 0, req.String())

	posted := a.post(func() {
		call, ok := a.calls[callID]
		if !ok {
			res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
			if err := tx.Respond(res); err != nil {
				slog.Debug("[Agent] 481 response failed", "recorder", a.cfg.Name, "error", err)
			}
			return
		}

		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		if err := tx.Respond(res); err != nil {
			slog.Warn("[Agent] BYE response failed", "recorder", a.cfg.Name, "error", err)
		}
		a.emitSignaling(call.params.EventContext(), events.DirectionOutgoing, "BYE", 200, res.String())

		if call.inviteTx != nil {
			call.inviteTx.Terminate()
			call.inviteTx = nil
		}
		a.teardownCall(call, events.EndReasonRemoteBYE)
		a.removeCall(call)
		slog.Info("[Agent] Recording ended by SRS",
			"recorder", a.cfg.Name,
			"call_id", callID,
		)
	})
	if !posted {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
	}
}

func (a *RecorderAgent) onAck(req *sip.Request, _ sip.ServerTransaction) {
	// The transport already matched the ACK to its transaction.
	a.emitSignaling(events.CallContext{SIPCallID: callIDOf(req)}, events.DirectionIncoming, "ACK", 0, req.String())
}

func (a *RecorderAgent) onUnsupported(req *sip.Request, tx sip.ServerTransaction) {
	if req.Method != sip.OPTIONS {
		a.emitSignaling(events.CallContext{SIPCallID: callIDOf(req)}, events.DirectionIncoming, string(req.Method), 0, req.String())
	}
	res := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, "Method Not Allowed", nil)
	if err := tx.Respond(res); err != nil {
		slog.Debug("[Agent] 405 response failed", "recorder", a.cfg.Name, "error", err)
	}
}

// --- OPTIONS liveness ---

func (a *RecorderAgent) optionsLoop() {
	interval := time.Duration(a.cfg.OptionsIntervalSeconds) * time.Second

	// The clock is seeded to fire now.
	for {
		a.probeOnce()
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (a *RecorderAgent) probeOnce() {
	cseq := a.optionsCSeq.Add(1)
	a.optionsProbes.Add(1)
	req := a.buildOptions(cseq)

	ctx, cancel := context.WithTimeout(a.ctx, optionsTimeout)
	defer cancel()

	tx, err := a.client.TransactionRequest(ctx, req)
	if err != nil {
		a.post(func() { a.updateSrsStatus(false, 0) })
		return
	}
	defer tx.Terminate()

	resp, err := waitFinalResponse(ctx, tx)
	if err != nil {
		a.post(func() { a.updateSrsStatus(false, 0) })
		return
	}
	a.post(func() { a.updateSrsStatus(true, int(resp.StatusCode)) })
}

// updateSrsStatus runs on the queue and fires the status event only on
// transition: responding flipped, or the status code changed while
// responding.
func (a *RecorderAgent) updateSrsStatus(responding bool, statusCode int) {
	changed := !a.statusKnown ||
		responding != a.srsResponding ||
		(responding && statusCode != a.lastStatusCode)

	a.statusKnown = true
	a.srsResponding = responding
	a.lastStatusCode = statusCode
	a.respondingFlag.Store(responding)

	if !changed {
		return
	}

	slog.Info("[Agent] SRS status changed",
		"recorder", a.cfg.Name,
		"responding", responding,
		"status", statusCode,
	)
	if a.deps.OnStatusChanged != nil {
		a.deps.OnStatusChanged(a.cfg.Name, responding, statusCode)
	}
}

// --- events ---

func (a *RecorderAgent) emitSignaling(ctx events.CallContext, dir events.Direction, method string, statusCode int, message string) {
	a.deps.Publisher.PublishAsync(a.builder.Signaling(ctx, dir, method, statusCode, message))
}

// callEventSink routes bridge media notifications into the event
// stream. MediaStarted arrives on forwarding goroutines; the publisher
// is safe for concurrent use.
type callEventSink struct {
	agent *RecorderAgent
	ctx   events.CallContext
}

func (s *callEventSink) MediaStarted(label media.Label) {
	s.agent.deps.Publisher.PublishAsync(s.agent.builder.MediaStart(s.ctx, strconv.Itoa(int(label))))
}

func (s *callEventSink) MediaEnded(label media.Label) {
	s.agent.deps.Publisher.PublishAsync(s.agent.builder.MediaEnd(s.ctx, strconv.Itoa(int(label))))
}

// waitFinalResponse waits for a final response on a client transaction.
func waitFinalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("transaction closed")
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated without final response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func containsKind(kinds []media.Kind, kind media.Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// renderBody marshals the offer and metadata into the multipart INVITE
// body.
func (a *RecorderAgent) renderBody(offer *sdp.SessionDescription, metadata *Metadata) ([]byte, string, error) {
	sdpBody, err := offer.Marshal()
	if err != nil {
		return nil, "", fmt.Errorf("marshal offer: %w", err)
	}
	metaBody, err := metadata.Marshal()
	if err != nil {
		return nil, "", err
	}
	return buildMultipartBody(sdpBody, metaBody)
}
