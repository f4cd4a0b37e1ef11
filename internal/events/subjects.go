package events

// Subject naming conventions.
//
// Hierarchy:
//   siprec.recorders.<name>.call.start       - Recording established
//   siprec.recorders.<name>.call.end         - Recording ended
//   siprec.recorders.<name>.media.start      - First packet on a leg
//   siprec.recorders.<name>.media.end        - Leg torn down
//   siprec.recorders.<name>.signaling        - SIP message traversal
//
// Wildcard subscriptions:
//   siprec.recorders.>                       - All recording events
//   siprec.recorders.*.call.end              - All call.end events

const (
	// SubjectPrefix is the root of all recording subjects.
	SubjectPrefix = "siprec"

	// SubjectRecorders is the per-recorder subject root.
	SubjectRecorders = SubjectPrefix + ".recorders"
)

func suffixFor(t EventType) string {
	switch t {
	case RecCallStart:
		return "call.start"
	case RecCallEnd:
		return "call.end"
	case RecMediaStart:
		return "media.start"
	case RecMediaEnd:
		return "media.end"
	case CallSignalingMessage:
		return "signaling"
	default:
		return "unknown"
	}
}
