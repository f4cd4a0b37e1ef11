package media

import "fmt"

// Label identifies one recording leg toward the SRS. The numbering is
// fixed by the recording profile: odd labels carry media received from
// the remote party of the original call, even labels carry media sent to
// it. The integer value appears verbatim as the SDP a=label attribute and
// as the stream label in the recording metadata.
type Label int

const (
	LabelReceivedAudio Label = 1
	LabelSentAudio     Label = 2
	LabelReceivedVideo Label = 3
	LabelSentVideo     Label = 4
	LabelReceivedRTT   Label = 5
	LabelSentRTT       Label = 6
	LabelReceivedMSRP  Label = 7
	LabelSentMSRP      Label = 8
)

// Kind is the media type of an original call stream, named after the SDP
// m= media token.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	// KindText is real-time text (RFC 4103) carried over RTP.
	KindText Kind = "text"
	// KindMessage is an MSRP session.
	KindMessage Kind = "message"
)

// String returns the string representation of the label.
func (l Label) String() string {
	switch l {
	case LabelReceivedAudio:
		return "ReceivedAudio"
	case LabelSentAudio:
		return "SentAudio"
	case LabelReceivedVideo:
		return "ReceivedVideo"
	case LabelSentVideo:
		return "SentVideo"
	case LabelReceivedRTT:
		return "ReceivedRTT"
	case LabelSentRTT:
		return "SentRTT"
	case LabelReceivedMSRP:
		return "ReceivedMSRP"
	case LabelSentMSRP:
		return "SentMSRP"
	default:
		return fmt.Sprintf("Unknown(%d)", int(l))
	}
}

// IsReceived reports whether the label carries media received from the
// remote party (odd labels).
func (l Label) IsReceived() bool {
	return l%2 == 1
}

// IsSent reports whether the label carries media sent to the remote
// party (even labels).
func (l Label) IsSent() bool {
	return l%2 == 0
}

// Kind returns the media kind the label belongs to.
func (l Label) Kind() Kind {
	switch l {
	case LabelReceivedAudio, LabelSentAudio:
		return KindAudio
	case LabelReceivedVideo, LabelSentVideo:
		return KindVideo
	case LabelReceivedRTT, LabelSentRTT:
		return KindText
	case LabelReceivedMSRP, LabelSentMSRP:
		return KindMessage
	default:
		return ""
	}
}

// ReceivedLabel returns the odd label for a media kind.
func ReceivedLabel(k Kind) (Label, bool) {
	switch k {
	case KindAudio:
		return LabelReceivedAudio, true
	case KindVideo:
		return LabelReceivedVideo, true
	case KindText:
		return LabelReceivedRTT, true
	case KindMessage:
		return LabelReceivedMSRP, true
	default:
		return 0, false
	}
}

// SentLabel returns the even label for a media kind.
func SentLabel(k Kind) (Label, bool) {
	received, ok := ReceivedLabel(k)
	if !ok {
		return 0, false
	}
	return received + 1, true
}
