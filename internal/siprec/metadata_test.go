package siprec

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/sebas/siprec/internal/media"
)

func newTestMetadata(t *testing.T) *Metadata {
	t.Helper()
	m, err := NewMetadata("c1@192.0.2.1", "sip:alice@ex", "sip:bob@ex")
	if err != nil {
		t.Fatalf("NewMetadata() error = %v", err)
	}
	return m
}

func TestMetadataInitialShape(t *testing.T) {
	m := newTestMetadata(t)

	if got := m.ParticipantCount(); got != 2 {
		t.Errorf("ParticipantCount() = %d, want 2", got)
	}
	if got := len(m.doc.Sessions); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
	if got := m.doc.Sessions[0].SIPSessionID; got != "c1@192.0.2.1" {
		t.Errorf("sipSessionID = %q, want the original Call-ID", got)
	}
	if m.doc.Sessions[0].GroupRef != m.doc.Group.ID {
		t.Error("session group-ref does not match group id")
	}
	if got := len(m.doc.SessionRecordingAssocs); got != 1 {
		t.Errorf("sessionrecordingassocs = %d, want 1", got)
	}
	if got := len(m.doc.ParticipantSessionAssocs); got != 2 {
		t.Errorf("participantsessionassocs = %d, want 2", got)
	}
	if m.doc.DataMode != "complete" {
		t.Errorf("datamode = %q, want complete", m.doc.DataMode)
	}
}

func TestMetadataDisplayNames(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"sip:alice@example.com", "alice"},
		{"sip:198.51.100.7", "198.51.100.7"},
	}
	for _, tt := range tests {
		m, err := NewMetadata("c1", tt.uri, "sip:bob@ex")
		if err != nil {
			t.Fatalf("NewMetadata(%q) error = %v", tt.uri, err)
		}
		if got := m.doc.Participants[0].NameID.Name; got != tt.want {
			t.Errorf("display name for %q = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestMetadataStreamPairSendRecvSemantics(t *testing.T) {
	m := newTestMetadata(t)

	if err := m.AddStreamPair(media.LabelReceivedAudio, media.LabelSentAudio); err != nil {
		t.Fatalf("AddStreamPair() error = %v", err)
	}

	if got := m.StreamCount(); got != 2 {
		t.Fatalf("StreamCount() = %d, want 2", got)
	}

	recvID, ok := m.StreamID(media.LabelReceivedAudio)
	if !ok {
		t.Fatal("no stream id for ReceivedAudio")
	}
	sentID, ok := m.StreamID(media.LabelSentAudio)
	if !ok {
		t.Fatal("no stream id for SentAudio")
	}

	// The caller sends what the recorder receives from the remote
	// party: its send list holds the odd-label stream, its recv list
	// the even one. The callee is mirrored.
	caller := m.callerAssoc
	callee := m.calleeAssoc
	if len(caller.Send) != 1 || caller.Send[0] != recvID {
		t.Errorf("caller send = %v, want [%s]", caller.Send, recvID)
	}
	if len(caller.Recv) != 1 || caller.Recv[0] != sentID {
		t.Errorf("caller recv = %v, want [%s]", caller.Recv, sentID)
	}
	if len(callee.Send) != 1 || callee.Send[0] != sentID {
		t.Errorf("callee send = %v, want [%s]", callee.Send, sentID)
	}
	if len(callee.Recv) != 1 || callee.Recv[0] != recvID {
		t.Errorf("callee recv = %v, want [%s]", callee.Recv, recvID)
	}

	// send and recv never overlap.
	for _, assoc := range []*participantStreamAssoc{caller, callee} {
		for _, s := range assoc.Send {
			for _, r := range assoc.Recv {
				if s == r {
					t.Errorf("stream %s appears in both send and recv", s)
				}
			}
		}
	}
}

func TestMetadataGrowsMonotonically(t *testing.T) {
	m := newTestMetadata(t)

	if err := m.AddStreamPair(media.LabelReceivedAudio, media.LabelSentAudio); err != nil {
		t.Fatalf("AddStreamPair(audio) error = %v", err)
	}
	audioRecvID, _ := m.StreamID(media.LabelReceivedAudio)

	if err := m.AddStreamPair(media.LabelReceivedRTT, media.LabelSentRTT); err != nil {
		t.Fatalf("AddStreamPair(rtt) error = %v", err)
	}

	if got := m.StreamCount(); got != 4 {
		t.Errorf("StreamCount() = %d, want 4", got)
	}
	// Existing streams keep their ids.
	if id, _ := m.StreamID(media.LabelReceivedAudio); id != audioRecvID {
		t.Error("existing stream id changed after addition")
	}
	if got := len(m.callerAssoc.Send); got != 2 {
		t.Errorf("caller send grew to %d, want 2", got)
	}

	// The same labels cannot be added twice.
	if err := m.AddStreamPair(media.LabelReceivedAudio, media.LabelSentAudio); err == nil {
		t.Error("duplicate AddStreamPair() succeeded, want error")
	}
	if got := m.StreamCount(); got != 4 {
		t.Errorf("StreamCount() after rejected addition = %d, want 4", got)
	}
}

func TestMetadataMarshal(t *testing.T) {
	m := newTestMetadata(t)
	if err := m.AddStreamPair(media.LabelReceivedAudio, media.LabelSentAudio); err != nil {
		t.Fatalf("AddStreamPair() error = %v", err)
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	body := string(data)

	for _, want := range []string{
		`xmlns="urn:ietf:params:xml:ns:recording:1"`,
		"<datamode>complete</datamode>",
		"<label>1</label>",
		"<label>2</label>",
		`aor="sip:alice@ex"`,
		`aor="sip:bob@ex"`,
		"<sipSessionID>c1@192.0.2.1</sipSessionID>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("marshalled metadata missing %q", want)
		}
	}

	// The document round-trips as well-formed XML.
	var parsed recordingDoc
	if err := xml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(parsed.Streams) != 2 {
		t.Errorf("parsed streams = %d, want 2", len(parsed.Streams))
	}
}
