package siprec

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/siprec/internal/media"
)

// MetadataContentType is the MIME type of the recording metadata part.
const MetadataContentType = "application/rs-metadata+xml"

const recordingNamespace = "urn:ietf:params:xml:ns:recording:1"

// recordingDoc is the RFC 7865 recording document.
type recordingDoc struct {
	XMLName  xml.Name `xml:"recording"`
	Xmlns    string   `xml:"xmlns,attr"`
	DataMode string   `xml:"datamode"`

	Group                    groupElem                  `xml:"group"`
	Sessions                 []sessionElem              `xml:"session"`
	Participants             []participantElem          `xml:"participant"`
	Streams                  []streamElem               `xml:"stream"`
	SessionRecordingAssocs   []sessionRecordingAssoc    `xml:"sessionrecordingassoc"`
	ParticipantSessionAssocs []participantSessionAssoc  `xml:"participantsessionassoc"`
	ParticipantStreamAssocs  []*participantStreamAssoc  `xml:"participantstreamassoc"`
}

type groupElem struct {
	ID            string `xml:"group_id,attr"`
	AssociateTime string `xml:"associate-time,omitempty"`
}

type sessionElem struct {
	ID           string `xml:"session_id,attr"`
	SIPSessionID string `xml:"sipSessionID"`
	GroupRef     string `xml:"group-ref"`
}

type participantElem struct {
	ID     string   `xml:"participant_id,attr"`
	NameID nameElem `xml:"nameID"`
}

type nameElem struct {
	AOR  string `xml:"aor,attr"`
	Name string `xml:"name"`
}

type streamElem struct {
	ID        string `xml:"stream_id,attr"`
	SessionID string `xml:"session_id,attr"`
	Label     string `xml:"label"`
}

type sessionRecordingAssoc struct {
	SessionID     string `xml:"session_id,attr"`
	AssociateTime string `xml:"associate-time,omitempty"`
}

type participantSessionAssoc struct {
	ParticipantID string `xml:"participant_id,attr"`
	SessionID     string `xml:"session_id,attr"`
	AssociateTime string `xml:"associate-time,omitempty"`
}

type participantStreamAssoc struct {
	ParticipantID string   `xml:"participant_id,attr"`
	Send          []string `xml:"send"`
	Recv          []string `xml:"recv"`
}

// Metadata builds and maintains the recording metadata document for one
// recorded call. It is created at INVITE time, grows on re-INVITE, and
// is destroyed with the call. Entity identifiers are opaque, unique in
// the document, and never change once assigned; nothing is ever removed
// or renumbered.
type Metadata struct {
	doc       recordingDoc
	sessionID string

	// caller (From) and callee (To) participant ids.
	callerID string
	calleeID string

	callerAssoc *participantStreamAssoc
	calleeAssoc *participantStreamAssoc

	// streamIDs records the stream id assigned to each label.
	streamIDs map[media.Label]string
}

// NewMetadata constructs the initial document: one group, one session
// whose sipSessionID is the original Call-ID, two participants derived
// from the From and To URIs, and the session/participant associations.
func NewMetadata(callID, fromURI, toURI string) (*Metadata, error) {
	caller, err := participantFromURI(fromURI)
	if err != nil {
		return nil, fmt.Errorf("from uri: %w", err)
	}
	callee, err := participantFromURI(toURI)
	if err != nil {
		return nil, fmt.Errorf("to uri: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	groupID := newEntityID()
	sessionID := newEntityID()

	m := &Metadata{
		sessionID: sessionID,
		callerID:  caller.ID,
		calleeID:  callee.ID,
		streamIDs: make(map[media.Label]string),
	}
	m.callerAssoc = &participantStreamAssoc{ParticipantID: caller.ID}
	m.calleeAssoc = &participantStreamAssoc{ParticipantID: callee.ID}

	m.doc = recordingDoc{
		Xmlns:    recordingNamespace,
		DataMode: "complete",
		Group:    groupElem{ID: groupID, AssociateTime: now},
		Sessions: []sessionElem{{
			ID:           sessionID,
			SIPSessionID: callID,
			GroupRef:     groupID,
		}},
		Participants: []participantElem{caller, callee},
		SessionRecordingAssocs: []sessionRecordingAssoc{{
			SessionID:     sessionID,
			AssociateTime: now,
		}},
		ParticipantSessionAssocs: []participantSessionAssoc{
			{ParticipantID: caller.ID, SessionID: sessionID, AssociateTime: now},
			{ParticipantID: callee.ID, SessionID: sessionID, AssociateTime: now},
		},
		ParticipantStreamAssocs: []*participantStreamAssoc{m.callerAssoc, m.calleeAssoc},
	}
	return m, nil
}

// AddStreamPair appends the (received, sent) stream pair for one media
// kind and extends both participantstreamassoc lists. A participant
// sends what the recorder receives from the remote party: the caller's
// send list holds the odd labels and its recv list the even ones, the
// callee mirrored.
func (m *Metadata) AddStreamPair(received, sent media.Label) error {
	if _, exists := m.streamIDs[received]; exists {
		return fmt.Errorf("stream with label %d already present", int(received))
	}
	if _, exists := m.streamIDs[sent]; exists {
		return fmt.Errorf("stream with label %d already present", int(sent))
	}
	if m.callerAssoc == nil || m.calleeAssoc == nil {
		return fmt.Errorf("participant stream association missing")
	}

	recvStreamID := newEntityID()
	sentStreamID := newEntityID()
	m.streamIDs[received] = recvStreamID
	m.streamIDs[sent] = sentStreamID

	m.doc.Streams = append(m.doc.Streams,
		streamElem{ID: recvStreamID, SessionID: m.sessionID, Label: fmt.Sprintf("%d", int(received))},
		streamElem{ID: sentStreamID, SessionID: m.sessionID, Label: fmt.Sprintf("%d", int(sent))},
	)

	m.callerAssoc.Send = append(m.callerAssoc.Send, recvStreamID)
	m.callerAssoc.Recv = append(m.callerAssoc.Recv, sentStreamID)
	m.calleeAssoc.Send = append(m.calleeAssoc.Send, sentStreamID)
	m.calleeAssoc.Recv = append(m.calleeAssoc.Recv, recvStreamID)
	return nil
}

// StreamID returns the stream id assigned to a label.
func (m *Metadata) StreamID(label media.Label) (string, bool) {
	id, ok := m.streamIDs[label]
	return id, ok
}

// StreamCount returns the number of streams in the document.
func (m *Metadata) StreamCount() int {
	return len(m.doc.Streams)
}

// ParticipantCount returns the number of participants.
func (m *Metadata) ParticipantCount() int {
	return len(m.doc.Participants)
}

// Marshal renders the document.
func (m *Metadata) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(&m.doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func participantFromURI(uriStr string) (participantElem, error) {
	var uri sip.Uri
	if err := sip.ParseUri(uriStr, &uri); err != nil {
		return participantElem{}, fmt.Errorf("parse %q: %w", uriStr, err)
	}
	display := uri.User
	if display == "" {
		display = uri.Host
	}
	return participantElem{
		ID: newEntityID(),
		NameID: nameElem{
			AOR:  uri.String(),
			Name: display,
		},
	}, nil
}

func newEntityID() string {
	return uuid.New().String()
}
