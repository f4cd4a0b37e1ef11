package siprec

import (
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/sebas/siprec/internal/config"
	"github.com/sebas/siprec/internal/events"
	"github.com/sebas/siprec/internal/media"
	"github.com/sebas/siprec/internal/security"
)

// --- helpers ---

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// nextEvent reads events until one of the wanted type arrives.
func nextEvent(t *testing.T, pub *events.ChannelPublisher, want events.EventType, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-pub.Events():
			if e.Type() == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return nil
		}
	}
}

// fakeMsrpConnection satisfies media.MsrpConnection for parameters that
// carry a message stream.
type fakeMsrpConnection struct {
	id string

	mu      sync.Mutex
	nextSub int
	recv    map[int]media.MSRPDataHandler
	sent    map[int]media.MSRPDataHandler
}

func newFakeMsrpConnection(id string) *fakeMsrpConnection {
	return &fakeMsrpConnection{
		id:   id,
		recv: make(map[int]media.MSRPDataHandler),
		sent: make(map[int]media.MSRPDataHandler),
	}
}

func (c *fakeMsrpConnection) ID() string { return c.id }

func (c *fakeMsrpConnection) OnMessageReceived(h media.MSRPDataHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.recv[c.nextSub] = h
	return c.nextSub
}

func (c *fakeMsrpConnection) OnMessageSent(h media.MSRPDataHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.sent[c.nextSub] = h
	return c.nextSub
}

func (c *fakeMsrpConnection) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recv, id)
	delete(c.sent, id)
}

func (c *fakeMsrpConnection) emitReceived(contentType string, body []byte) {
	c.mu.Lock()
	handlers := make([]media.MSRPDataHandler, 0, len(c.recv))
	for _, h := range c.recv {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(contentType, body)
	}
}

func (c *fakeMsrpConnection) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recv) + len(c.sent)
}

// fakeRtpChannel mirrors the one in the media package tests; redeclared
// here because the agent tests live in another package.
type fakeRtpChannel struct {
	id string

	mu      sync.Mutex
	nextSub int
	recv    map[int]media.RTPPacketHandler
	sent    map[int]media.RTPPacketHandler
}

func newFakeRtpChannel(id string) *fakeRtpChannel {
	return &fakeRtpChannel{
		id:   id,
		recv: make(map[int]media.RTPPacketHandler),
		sent: make(map[int]media.RTPPacketHandler),
	}
}

func (c *fakeRtpChannel) ID() string { return c.id }

func (c *fakeRtpChannel) OnPacketReceived(h media.RTPPacketHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.recv[c.nextSub] = h
	return c.nextSub
}

func (c *fakeRtpChannel) OnPacketSent(h media.RTPPacketHandler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.sent[c.nextSub] = h
	return c.nextSub
}

func (c *fakeRtpChannel) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recv, id)
	delete(c.sent, id)
}

func (c *fakeRtpChannel) emitReceived(pkt *rtp.Packet) {
	c.mu.Lock()
	handlers := make([]media.RTPPacketHandler, 0, len(c.recv))
	for _, h := range c.recv {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(pkt)
	}
}

func (c *fakeRtpChannel) emitSent(pkt *rtp.Packet) {
	c.mu.Lock()
	handlers := make([]media.RTPPacketHandler, 0, len(c.sent))
	for _, h := range c.sent {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(pkt)
	}
}

func (c *fakeRtpChannel) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recv) + len(c.sent)
}

func audioPacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0xabcd,
		},
		Payload: make([]byte, 160),
	}
}

// --- fake SRS ---

// fakeSRS is a minimal recording server over loopback UDP.
type fakeSRS struct {
	t    *testing.T
	addr string
	ua   *sipgo.UserAgent
	srv  *sipgo.Server

	cancelCtx context.CancelFunc

	mu             sync.Mutex
	respondOptions bool
	holdInvites    bool
	invites        []*sip.Request
	heldTx         []sip.ServerTransaction
	byes           []*sip.Request
	cancels        int
	toTag          string
	mediaPortBase  int

	msrpListener net.Listener
	msrpPort     int
	msrpData     []byte
}

func newFakeSRS(t *testing.T) *fakeSRS {
	t.Helper()
	port := freePort(t)
	s := &fakeSRS{
		t:              t,
		addr:           fmt.Sprintf("127.0.0.1:%d", port),
		respondOptions: true,
		toTag:          "srs-tag-1",
		mediaPortBase:  freePort(t),
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		t.Fatalf("fake srs ua: %v", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		t.Fatalf("fake srs server: %v", err)
	}
	s.ua = ua
	s.srv = srv

	srv.OnRequest(sip.INVITE, s.onInvite)
	srv.OnRequest(sip.ACK, func(req *sip.Request, tx sip.ServerTransaction) {})
	srv.OnRequest(sip.BYE, s.onBye)
	srv.OnRequest(sip.CANCEL, s.onCancel)
	srv.OnRequest(sip.OPTIONS, s.onOptions)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake srs msrp listener: %v", err)
	}
	s.msrpListener = listener
	s.msrpPort = listener.Addr().(*net.TCPAddr).Port
	go s.acceptMSRP()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelCtx = cancel
	go func() {
		_ = srv.ListenAndServe(ctx, "udp", s.addr)
	}()
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		cancel()
		listener.Close()
		srv.Close()
		ua.Close()
	})
	return s
}

func (s *fakeSRS) acceptMSRP() {
	for {
		conn, err := s.msrpListener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			buf := make([]byte, 4096)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					s.mu.Lock()
					s.msrpData = append(s.msrpData, buf[:n]...)
					s.mu.Unlock()
				}
				if err != nil {
					return
				}
			}
		}(conn)
	}
}

func (s *fakeSRS) msrpBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.msrpData...)
}

func (s *fakeSRS) setRespondOptions(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respondOptions = v
}

func (s *fakeSRS) setHoldInvites(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdInvites = v
}

func (s *fakeSRS) inviteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invites)
}

func (s *fakeSRS) byeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byes)
}

func (s *fakeSRS) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *fakeSRS) invite(i int) *sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invites[i]
}

func (s *fakeSRS) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	s.invites = append(s.invites, req)
	hold := s.holdInvites
	if hold {
		s.heldTx = append(s.heldTx, tx)
	}
	s.mu.Unlock()
	if hold {
		return
	}

	answer, err := s.answerFor(req)
	if err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil)
		_ = tx.Respond(res)
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", s.toTag)
		}
	}
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "srs", Host: "127.0.0.1", Port: s.srsPort()},
	})
	if err := tx.Respond(res); err != nil {
		s.t.Logf("fake srs: respond invite: %v", err)
	}
}

func (s *fakeSRS) srsPort() int {
	_, portStr, _ := net.SplitHostPort(s.addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

// answerFor parses the multipart INVITE body and echoes every offered
// media description with its label.
func (s *fakeSRS) answerFor(req *sip.Request) ([]byte, error) {
	offered, err := extractOfferSDP(req)
	if err != nil {
		return nil, err
	}

	answer := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "srs",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "recording",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "127.0.0.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	for i, md := range offered.MediaDescriptions {
		answered := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   md.MediaName.Media,
				Port:    sdp.RangedPort{Value: s.mediaPortBase + 2*i},
				Protos:  md.MediaName.Protos,
				Formats: md.MediaName.Formats,
			},
		}
		if label, ok := attributeValue(md, "label"); ok {
			answered.Attributes = append(answered.Attributes, sdp.Attribute{Key: "label", Value: label})
		}
		if md.MediaName.Media == "message" {
			answered.MediaName.Port = sdp.RangedPort{Value: s.msrpPort}
			answered.Attributes = append(answered.Attributes, sdp.Attribute{
				Key:   "path",
				Value: fmt.Sprintf("msrp://127.0.0.1:%d/srssession;tcp", s.msrpPort),
			})
		}
		answered.Attributes = append(answered.Attributes, sdp.Attribute{Key: "recvonly"})
		answer.MediaDescriptions = append(answer.MediaDescriptions, answered)
	}

	return answer.Marshal()
}

func (s *fakeSRS) onBye(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	s.byes = append(s.byes, req)
	s.mu.Unlock()
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(res)
}

func (s *fakeSRS) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	s.cancels++
	held := s.heldTx
	s.heldTx = nil
	s.mu.Unlock()

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(res)

	// Conclude held INVITE transactions with 487.
	for _, inviteTx := range held {
		s.mu.Lock()
		if len(s.invites) == 0 {
			s.mu.Unlock()
			continue
		}
		invite := s.invites[len(s.invites)-1]
		s.mu.Unlock()
		terminated := sip.NewResponseFromRequest(invite, 487, "Request Terminated", nil)
		_ = inviteTx.Respond(terminated)
	}
}

func (s *fakeSRS) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	respond := s.respondOptions
	s.mu.Unlock()
	if !respond {
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(res)
}

// sendBye sends an in-dialog BYE from the SRS toward the agent.
func (s *fakeSRS) sendBye(t *testing.T, agentAddr, callID string) {
	t.Helper()
	s.mu.Lock()
	var invite *sip.Request
	for _, req := range s.invites {
		if callIDOf(req) == callID {
			invite = req
		}
	}
	s.mu.Unlock()
	if invite == nil {
		t.Fatalf("fake srs never saw call %s", callID)
	}

	s.sendRequest(t, agentAddr, callID, invite, sip.BYE)
}

// sendStrayBye sends a BYE for a call the agent does not know.
func (s *fakeSRS) sendStrayBye(t *testing.T, agentAddr, callID string) *sip.Response {
	t.Helper()

	client, err := sipgo.NewClient(s.ua)
	if err != nil {
		t.Fatalf("fake srs client: %v", err)
	}
	defer client.Close()

	host, portStr, _ := net.SplitHostPort(agentAddr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	bye := sip.NewRequest(sip.BYE, sip.Uri{Scheme: "sip", User: "rec", Host: host, Port: port})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	fromParams := sip.NewParams()
	fromParams.Add("tag", "srs-stray")
	bye.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "srs", Host: "127.0.0.1", Port: s.srsPort()},
		Params:  fromParams,
	})
	toParams := sip.NewParams()
	toParams.Add("tag", "nobody")
	bye.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "rec", Host: host, Port: port},
		Params:  toParams,
	})
	callIDHeader := sip.CallIDHeader(callID)
	bye.AppendHeader(&callIDHeader)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE})
	bye.SetDestination(agentAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tx, err := client.TransactionRequest(ctx, bye)
	if err != nil {
		t.Fatalf("send stray bye: %v", err)
	}
	defer tx.Terminate()
	resp, err := waitFinalResponse(ctx, tx)
	if err != nil {
		t.Fatalf("stray bye response: %v", err)
	}
	return resp
}

func (s *fakeSRS) sendRequest(t *testing.T, agentAddr, callID string, invite *sip.Request, method sip.RequestMethod) {
	t.Helper()

	client, err := sipgo.NewClient(s.ua)
	if err != nil {
		t.Fatalf("fake srs client: %v", err)
	}
	defer client.Close()

	host, portStr, _ := net.SplitHostPort(agentAddr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	var requestURI sip.Uri
	if contact := invite.Contact(); contact != nil {
		requestURI = contact.Address
	} else {
		requestURI = sip.Uri{Scheme: "sip", Host: host, Port: port}
	}

	req := sip.NewRequest(method, requestURI)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	// From: the SRS's view is the INVITE's To plus our tag.
	if to := invite.To(); to != nil {
		fromParams := sip.NewParams()
		fromParams.Add("tag", s.toTag)
		req.AppendHeader(&sip.FromHeader{Address: to.Address, Params: fromParams})
	}
	// To: the INVITE's From, tag included.
	if from := invite.From(); from != nil {
		req.AppendHeader(&sip.ToHeader{Address: from.Address, Params: from.Params})
	}
	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 10, MethodName: method})
	req.SetDestination(agentAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		t.Fatalf("send %s: %v", method, err)
	}
	defer tx.Terminate()
	if _, err := waitFinalResponse(ctx, tx); err != nil {
		t.Fatalf("%s response: %v", method, err)
	}
}

// extractOfferSDP pulls the application/sdp part from a SIPREC INVITE.
func extractOfferSDP(req *sip.Request) (*sdp.SessionDescription, error) {
	contentType := ""
	if h := req.GetHeader("Content-Type"); h != nil {
		contentType = h.Value()
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("not multipart: %s", mediaType)
	}

	reader := multipart.NewReader(strings.NewReader(string(req.Body())), params["boundary"])
	for {
		part, err := reader.NextPart()
		if err != nil {
			return nil, fmt.Errorf("no sdp part found")
		}
		if strings.HasPrefix(part.Header.Get("Content-Type"), "application/sdp") {
			var raw strings.Builder
			buf := make([]byte, 4096)
			for {
				n, rerr := part.Read(buf)
				raw.Write(buf[:n])
				if rerr != nil {
					break
				}
			}
			desc := &sdp.SessionDescription{}
			if err := desc.Unmarshal([]byte(raw.String())); err != nil {
				return nil, err
			}
			return desc, nil
		}
	}
}

// --- agent fixture ---

type agentFixture struct {
	agent     *RecorderAgent
	srs       *fakeSRS
	publisher *events.ChannelPublisher
	ports     *media.PortManager
	localAddr string

	statusMu sync.Mutex
	statuses []statusChange
}

type statusChange struct {
	responding bool
	code       int
}

func newAgentFixture(t *testing.T, mutate func(*config.RecorderConfig), preStart func(*agentFixture)) *agentFixture {
	t.Helper()
	srs := newFakeSRS(t)
	localAddr := fmt.Sprintf("127.0.0.1:%d", freePort(t))

	cfg := config.RecorderConfig{
		Name:                   "srs-test",
		Enabled:                true,
		SipTransportProtocol:   config.TransportUDP,
		LocalIpEndpoint:        localAddr,
		SrsIpEndpoint:          srs.addr,
		RtpEncryption:          config.RtpEncryptionNone,
		MsrpEncryption:         config.MsrpEncryptionNone,
		EnableOptions:          false,
		OptionsIntervalSeconds: 1,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &agentFixture{
		srs:       srs,
		publisher: events.NewChannelPublisher(256),
		ports:     media.NewPortManager(media.DefaultPortManagerConfig()),
		localAddr: localAddr,
	}

	f.agent = NewRecorderAgent(cfg, AgentDeps{
		Identity:  events.Identity{ElementID: "psap.test", AgencyID: "agency-1", AgentID: "agent-9"},
		Publisher: f.publisher,
		Ports:     f.ports,
		Certs:     security.NewStore(),
		OnStatusChanged: func(name string, responding bool, code int) {
			f.statusMu.Lock()
			f.statuses = append(f.statuses, statusChange{responding: responding, code: code})
			f.statusMu.Unlock()
		},
	})

	if preStart != nil {
		preStart(f)
	}

	if err := f.agent.Start(); err != nil {
		t.Fatalf("agent Start() error = %v", err)
	}
	t.Cleanup(f.agent.Shutdown)
	return f
}

func (f *agentFixture) statusChanges() []statusChange {
	f.statusMu.Lock()
	defer f.statusMu.Unlock()
	return append([]statusChange(nil), f.statuses...)
}

func audioCallParams(callID string, channel media.RtpChannel) CallParameters {
	return CallParameters{
		CallID:      callID,
		FromURI:     "sip:alice@ex",
		ToURI:       "sip:bob@ex",
		AnsweredSDP: []byte(answeredAudioOnly),
		RtpChannels: []media.RtpChannel{channel},
	}
}

// --- scenarios ---

func TestRecordAudioOnlyCall(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	channel := newFakeRtpChannel("ch-audio")

	f.agent.StartRecording(audioCallParams("c1", channel))

	waitFor(t, 5*time.Second, "INVITE at the SRS", func() bool { return f.srs.inviteCount() == 1 })
	invite := f.srs.invite(0)

	if got := callIDOf(invite); got != "c1" {
		t.Errorf("INVITE Call-ID = %q, want c1", got)
	}
	if h := invite.GetHeader("Require"); h == nil || h.Value() != "siprec" {
		t.Error("INVITE missing Require: siprec")
	}
	if contact := invite.Contact(); contact != nil {
		if _, ok := contact.Params.Get("+sip.src"); !ok {
			t.Error("Contact missing +sip.src feature tag")
		}
	} else {
		t.Error("INVITE missing Contact")
	}

	offered, err := extractOfferSDP(invite)
	if err != nil {
		t.Fatalf("extractOfferSDP() error = %v", err)
	}
	if got := len(offered.MediaDescriptions); got != 2 {
		t.Fatalf("offer has %d media descriptions, want 2", got)
	}
	wantLabels := []string{"1", "2"}
	for i, md := range offered.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			t.Errorf("media %d type = %q, want audio", i, md.MediaName.Media)
		}
		if label, _ := attributeValue(md, "label"); label != wantLabels[i] {
			t.Errorf("media %d label = %q, want %q", i, label, wantLabels[i])
		}
		if _, ok := attributeValue(md, "sendonly"); !ok {
			t.Errorf("media %d not sendonly", i)
		}
	}

	nextEvent(t, f.publisher, events.RecCallStart, 5*time.Second)
	waitFor(t, 2*time.Second, "media attach", func() bool { return channel.subscriptionCount() == 2 })

	// First forwarded received packet announces leg 1.
	channel.emitReceived(audioPacket(1))
	start := nextEvent(t, f.publisher, events.RecMediaStart, 2*time.Second).(*events.RecMediaStartEvent)
	if start.MediaLabel != "1" {
		t.Errorf("first RecMediaStart label = %q, want 1", start.MediaLabel)
	}

	channel.emitSent(audioPacket(1))
	start = nextEvent(t, f.publisher, events.RecMediaStart, 2*time.Second).(*events.RecMediaStartEvent)
	if start.MediaLabel != "2" {
		t.Errorf("second RecMediaStart label = %q, want 2", start.MediaLabel)
	}

	// Local stop sends BYE and tears everything down.
	f.agent.StopRecording("c1")
	waitFor(t, 3*time.Second, "BYE at the SRS", func() bool { return f.srs.byeCount() == 1 })
	end := nextEvent(t, f.publisher, events.RecCallEnd, 3*time.Second).(*events.RecCallEndEvent)
	if end.Reason != events.EndReasonLocalStop {
		t.Errorf("RecCallEnd reason = %q, want local_stop", end.Reason)
	}

	waitFor(t, 2*time.Second, "call map to drain", func() bool { return f.agent.ActiveCalls() == 0 })
	waitFor(t, 2*time.Second, "media ports to release", func() bool { return f.ports.AllocatedTotal() == 0 })
	if got := channel.subscriptionCount(); got != 0 {
		t.Errorf("original channel still has %d subscriptions", got)
	}
}

func TestStopDuringOfferingCancels(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	f.srs.setHoldInvites(true)
	channel := newFakeRtpChannel("ch-audio")

	f.agent.StartRecording(audioCallParams("c-held", channel))
	waitFor(t, 5*time.Second, "INVITE at the SRS", func() bool { return f.srs.inviteCount() == 1 })

	f.agent.StopRecording("c-held")

	waitFor(t, 3*time.Second, "CANCEL at the SRS", func() bool { return f.srs.cancelCount() == 1 })
	waitFor(t, 2*time.Second, "call map to drain", func() bool { return f.agent.ActiveCalls() == 0 })

	time.Sleep(300 * time.Millisecond)
	if got := f.srs.byeCount(); got != 0 {
		t.Errorf("SRS received %d BYEs, want 0", got)
	}
}

func TestInviteRejectionRemovesCallSilently(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	f.srs.setHoldInvites(true)
	channel := newFakeRtpChannel("ch-audio")

	f.agent.StartRecording(audioCallParams("c-rejected", channel))
	waitFor(t, 5*time.Second, "INVITE at the SRS", func() bool { return f.srs.inviteCount() == 1 })

	// Reject with 486.
	f.srs.mu.Lock()
	tx := f.srs.heldTx[0]
	f.srs.heldTx = nil
	invite := f.srs.invites[0]
	f.srs.mu.Unlock()
	res := sip.NewResponseFromRequest(invite, 486, "Busy Here", nil)
	if err := tx.Respond(res); err != nil {
		t.Fatalf("respond 486: %v", err)
	}

	waitFor(t, 3*time.Second, "call map to drain", func() bool { return f.agent.ActiveCalls() == 0 })
	if got := f.srs.byeCount(); got != 0 {
		t.Errorf("SRS received %d BYEs after rejection, want 0", got)
	}
	if got := f.ports.AllocatedTotal(); got != 0 {
		t.Errorf("ports leaked after rejection: %d", got)
	}
}

func TestReInviteAddsText(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	audioChannel := newFakeRtpChannel("ch-audio")

	f.agent.StartRecording(audioCallParams("c-rtt", audioChannel))
	nextEvent(t, f.publisher, events.RecCallStart, 5*time.Second)

	const answeredAudioAndText = `v=0
o=caller 123 457 IN IP4 203.0.113.5
s=-
c=IN IP4 203.0.113.5
t=0 0
m=audio 40000 RTP/AVP 0
a=rtpmap:0 PCMU/8000
m=text 40004 RTP/AVP 98
a=rtpmap:98 t140/1000
`
	textChannel := newFakeRtpChannel("ch-text")
	f.agent.HandleReInvite(CallParameters{
		CallID:      "c-rtt",
		FromURI:     "sip:alice@ex",
		ToURI:       "sip:bob@ex",
		AnsweredSDP: []byte(answeredAudioAndText),
		RtpChannels: []media.RtpChannel{audioChannel, textChannel},
	})

	waitFor(t, 5*time.Second, "re-INVITE at the SRS", func() bool { return f.srs.inviteCount() == 2 })
	reinvite := f.srs.invite(1)

	if cseq := reinvite.CSeq(); cseq == nil || cseq.SeqNo != 2 {
		t.Errorf("re-INVITE CSeq = %v, want 2", reinvite.CSeq())
	}
	if to := reinvite.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			t.Error("re-INVITE To has no tag")
		}
	}

	offered, err := extractOfferSDP(reinvite)
	if err != nil {
		t.Fatalf("extractOfferSDP() error = %v", err)
	}
	if got := len(offered.MediaDescriptions); got != 4 {
		t.Fatalf("re-offer has %d media descriptions, want 4", got)
	}
	var labels []string
	for _, md := range offered.MediaDescriptions {
		label, _ := attributeValue(md, "label")
		labels = append(labels, label)
	}
	want := []string{"1", "2", "5", "6"}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("labels = %v, want %v", labels, want)
			break
		}
	}

	// The metadata grew to four streams and the RTT channel is hooked.
	waitFor(t, 3*time.Second, "text channel attach", func() bool { return textChannel.subscriptionCount() == 2 })

	streamCount := make(chan int, 1)
	f.agent.post(func() {
		streamCount <- f.agent.calls["c-rtt"].metadata.StreamCount()
	})
	if got := <-streamCount; got != 4 {
		t.Errorf("metadata streams = %d, want 4", got)
	}

	// The new received-text leg forwards and announces label 5.
	textChannel.emitReceived(&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 98, SequenceNumber: 1, SSRC: 0x42},
		Payload: []byte("hi"),
	})
	start := nextEvent(t, f.publisher, events.RecMediaStart, 2*time.Second).(*events.RecMediaStartEvent)
	if start.MediaLabel != "5" {
		t.Errorf("RecMediaStart label = %q, want 5", start.MediaLabel)
	}
}

func TestRetargetingReInviteSendsNothing(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	oldChannel := newFakeRtpChannel("ch-old")

	f.agent.StartRecording(audioCallParams("c-retarget", oldChannel))
	nextEvent(t, f.publisher, events.RecCallStart, 5*time.Second)
	waitFor(t, 2*time.Second, "media attach", func() bool { return oldChannel.subscriptionCount() == 2 })

	newChannel := newFakeRtpChannel("ch-new")
	f.agent.HandleReInvite(audioCallParams("c-retarget", newChannel))

	waitFor(t, 3*time.Second, "bridge re-subscription", func() bool { return newChannel.subscriptionCount() == 2 })
	if got := oldChannel.subscriptionCount(); got != 0 {
		t.Errorf("old channel still has %d subscriptions", got)
	}

	time.Sleep(300 * time.Millisecond)
	if got := f.srs.inviteCount(); got != 1 {
		t.Errorf("SRS saw %d INVITEs after retarget, want 1", got)
	}

	// Forwarding continues from the replacement channel.
	newChannel.emitReceived(audioPacket(9))
	start := nextEvent(t, f.publisher, events.RecMediaStart, 2*time.Second).(*events.RecMediaStartEvent)
	if start.MediaLabel != "1" {
		t.Errorf("RecMediaStart label = %q, want 1", start.MediaLabel)
	}
}

func TestOptionsFlap(t *testing.T) {
	srsDown := func(cfg *config.RecorderConfig) {
		cfg.EnableOptions = true
		cfg.OptionsIntervalSeconds = 1
	}
	f := newAgentFixture(t, srsDown, func(f *agentFixture) {
		f.srs.setRespondOptions(false)
	})

	// Two failed probes produce exactly one transition to
	// not-responding.
	waitFor(t, 6*time.Second, "two probes", func() bool { return f.agent.OptionsProbes() >= 2 })
	waitFor(t, 2*time.Second, "first status event", func() bool { return len(f.statusChanges()) >= 1 })

	changes := f.statusChanges()
	if len(changes) != 1 {
		t.Fatalf("status changes = %d, want 1: %+v", len(changes), changes)
	}
	if changes[0].responding || changes[0].code != 0 {
		t.Errorf("first change = %+v, want not-responding with no code", changes[0])
	}

	// The SRS comes back: exactly one transition to responding/200.
	f.srs.setRespondOptions(true)
	waitFor(t, 6*time.Second, "recovery event", func() bool { return len(f.statusChanges()) >= 2 })
	changes = f.statusChanges()
	if len(changes) != 2 {
		t.Fatalf("status changes = %d, want 2: %+v", len(changes), changes)
	}
	if !changes[1].responding || changes[1].code != 200 {
		t.Errorf("second change = %+v, want responding with 200", changes[1])
	}
}

func TestShutdownMidCalls(t *testing.T) {
	f := newAgentFixture(t, nil, nil)

	channels := make([]*fakeRtpChannel, 3)
	for i := range channels {
		channels[i] = newFakeRtpChannel(fmt.Sprintf("ch-%d", i))
		f.agent.StartRecording(audioCallParams(fmt.Sprintf("c-%d", i), channels[i]))
	}
	for range channels {
		nextEvent(t, f.publisher, events.RecCallStart, 5*time.Second)
	}

	f.agent.Shutdown()

	if got := f.srs.byeCount(); got != 3 {
		t.Errorf("SRS received %d BYEs on shutdown, want 3", got)
	}

	ends := 0
	timeout := time.After(2 * time.Second)
	for ends < 3 {
		select {
		case e := <-f.publisher.Events():
			if e.Type() == events.RecCallEnd {
				ends++
			}
		case <-timeout:
			t.Fatalf("saw %d RecCallEnd events, want 3", ends)
		}
	}

	if got := f.agent.ActiveCalls(); got != 0 {
		t.Errorf("ActiveCalls() after shutdown = %d, want 0", got)
	}

	// The agent is inert now: StartRecording is a no-op and a second
	// Shutdown returns immediately.
	f.agent.StartRecording(audioCallParams("c-late", newFakeRtpChannel("ch-late")))
	time.Sleep(300 * time.Millisecond)
	if got := f.agent.ActiveCalls(); got != 0 {
		t.Errorf("ActiveCalls() after post-shutdown start = %d, want 0", got)
	}
	f.agent.Shutdown()
}

func TestStartIsIdempotent(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	if err := f.agent.Start(); err != nil {
		t.Errorf("second Start() error = %v", err)
	}
}

func TestStartFailsWhenEndpointTaken(t *testing.T) {
	f := newAgentFixture(t, nil, nil)

	// A second agent on the same local endpoint cannot bind.
	cfg := config.RecorderConfig{
		Name:                 "srs-clone",
		Enabled:              true,
		SipTransportProtocol: config.TransportUDP,
		LocalIpEndpoint:      f.localAddr,
		SrsIpEndpoint:        f.srs.addr,
	}
	clone := NewRecorderAgent(cfg, AgentDeps{
		Publisher: events.NewNoopPublisher(),
		Ports:     media.NewPortManager(media.DefaultPortManagerConfig()),
		Certs:     security.NewStore(),
	})
	err := clone.Start()
	if err == nil {
		clone.Shutdown()
		t.Fatal("Start() on a taken endpoint succeeded")
	}
}

func TestInboundByeTearsDownCall(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	channel := newFakeRtpChannel("ch-audio")

	f.agent.StartRecording(audioCallParams("c-bye", channel))
	nextEvent(t, f.publisher, events.RecCallStart, 5*time.Second)
	waitFor(t, 2*time.Second, "media attach", func() bool { return channel.subscriptionCount() == 2 })

	f.srs.sendBye(t, f.localAddr, "c-bye")

	end := nextEvent(t, f.publisher, events.RecCallEnd, 3*time.Second).(*events.RecCallEndEvent)
	if end.Reason != events.EndReasonRemoteBYE {
		t.Errorf("RecCallEnd reason = %q, want remote_bye", end.Reason)
	}

	mediaEnds := 0
	timeout := time.After(2 * time.Second)
	for mediaEnds < 2 {
		select {
		case e := <-f.publisher.Events():
			if e.Type() == events.RecMediaEnd {
				mediaEnds++
			}
		case <-timeout:
			t.Fatalf("saw %d RecMediaEnd events, want 2", mediaEnds)
		}
	}

	waitFor(t, 2*time.Second, "call map to drain", func() bool { return f.agent.ActiveCalls() == 0 })
}

func TestInboundByeUnknownCallGets481(t *testing.T) {
	f := newAgentFixture(t, nil, nil)

	resp := f.srs.sendStrayBye(t, f.localAddr, "no-such-call")
	if int(resp.StatusCode) != 481 {
		t.Errorf("stray BYE response = %d, want 481", resp.StatusCode)
	}
}

func TestRecordCallWithMsrp(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	audioChannel := newFakeRtpChannel("ch-audio")
	msrpConn := newFakeMsrpConnection("msrp-1")

	f.agent.StartRecording(CallParameters{
		CallID:         "c-msrp",
		FromURI:        "sip:alice@ex",
		ToURI:          "sip:bob@ex",
		AnsweredSDP:    []byte(answeredAudioAndMsrp),
		RtpChannels:    []media.RtpChannel{audioChannel},
		MsrpConnection: msrpConn,
	})

	nextEvent(t, f.publisher, events.RecCallStart, 5*time.Second)
	waitFor(t, 3*time.Second, "msrp attach", func() bool { return msrpConn.subscriptionCount() == 2 })

	offered, err := extractOfferSDP(f.srs.invite(0))
	if err != nil {
		t.Fatalf("extractOfferSDP() error = %v", err)
	}
	if got := len(offered.MediaDescriptions); got != 4 {
		t.Fatalf("offer has %d media descriptions, want 4", got)
	}

	msrpConn.emitReceived("text/plain", []byte("hello recorder"))

	start := nextEvent(t, f.publisher, events.RecMediaStart, 2*time.Second).(*events.RecMediaStartEvent)
	if start.MediaLabel != "7" {
		t.Errorf("RecMediaStart label = %q, want 7", start.MediaLabel)
	}

	waitFor(t, 3*time.Second, "msrp chunk at the SRS", func() bool {
		data := string(f.srs.msrpBytes())
		return strings.Contains(data, "MSRP ") && strings.Contains(data, "hello recorder")
	})
}

func TestInviteCarriesEmergencyIdentifiers(t *testing.T) {
	f := newAgentFixture(t, nil, nil)
	f.srs.setHoldInvites(true)

	f.agent.StartRecording(CallParameters{
		CallID:              "c-911",
		FromURI:             "sip:caller@ex",
		ToURI:               "sip:psap@ex",
		EmergencyCallID:     "urn:emergency:uid:callid:a56e556d:psap.example",
		EmergencyIncidentID: "urn:emergency:uid:incidentid:f81d4fae:psap.example",
		AnsweredSDP:         []byte(answeredAudioOnly),
		RtpChannels:         []media.RtpChannel{newFakeRtpChannel("ch")},
	})

	waitFor(t, 5*time.Second, "INVITE at the SRS", func() bool { return f.srs.inviteCount() == 1 })
	invite := f.srs.invite(0)

	if h := invite.GetHeader("Accept"); h == nil || !strings.Contains(h.Value(), "application/rs-metadata") {
		t.Error("INVITE Accept header missing rs-metadata")
	}

	var callInfo []string
	for _, h := range invite.GetHeaders("Call-Info") {
		callInfo = append(callInfo, h.Value())
	}
	if len(callInfo) != 2 {
		t.Fatalf("INVITE has %d Call-Info headers, want 2: %v", len(callInfo), callInfo)
	}
	if !strings.Contains(callInfo[0], "urn:emergency:uid:callid:") || !strings.Contains(callInfo[0], "purpose=emergency-CallId") {
		t.Errorf("first Call-Info = %q", callInfo[0])
	}
	if !strings.Contains(callInfo[1], "urn:emergency:uid:incidentid:") || !strings.Contains(callInfo[1], "purpose=emergency-IncidentId") {
		t.Errorf("second Call-Info = %q", callInfo[1])
	}

	f.agent.StopRecording("c-911")
}
