package siprec

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/sebas/siprec/internal/config"
	"github.com/sebas/siprec/internal/media"
	"github.com/sebas/siprec/internal/security"
)

// OfferedStream describes one media description of the offer toward the
// SRS, keyed by its label.
type OfferedStream struct {
	Label media.Label
	Kind  media.Kind
	// LocalPort is the media port the leg will own.
	LocalPort int
	// LocalMsrpPath is set for MSRP streams.
	LocalMsrpPath string
}

// OfferFactory derives the send-only offer SDP from the answered SDP of
// the original call. Every original stream with a non-zero port yields
// two media descriptions: the received leg (odd label) first, the sent
// leg (even label) second. Rejected streams are omitted.
type OfferFactory struct {
	localIP        string
	ports          *media.PortManager
	rtpEncryption  config.RtpEncryption
	msrpEncryption config.MsrpEncryption
	certs          *security.Store
}

// NewOfferFactory creates a factory for one recorder.
func NewOfferFactory(localIP string, ports *media.PortManager, rtpEnc config.RtpEncryption, msrpEnc config.MsrpEncryption, certs *security.Store) *OfferFactory {
	return &OfferFactory{
		localIP:        localIP,
		ports:          ports,
		rtpEncryption:  rtpEnc,
		msrpEncryption: msrpEnc,
		certs:          certs,
	}
}

// BuildOffer produces the initial offer from the original call's
// answered SDP.
func (f *OfferFactory) BuildOffer(answered *sdp.SessionDescription) (*sdp.SessionDescription, []OfferedStream, error) {
	offer := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "siprec",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    addressType(f.localIP),
			UnicastAddress: f.localIP,
		},
		SessionName: "Recording Session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(f.localIP),
			Address:     &sdp.Address{Address: f.localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{
			Timing: sdp.Timing{StartTime: 0, StopTime: 0},
		}},
	}

	streams, err := f.AppendStreams(offer, answered.MediaDescriptions)
	if err != nil {
		return nil, nil, err
	}
	return offer, streams, nil
}

// AppendStreams emits one (received, sent) media description pair per
// recordable answered media description onto the offer. Used for the
// initial offer and for the re-INVITE delta.
func (f *OfferFactory) AppendStreams(offer *sdp.SessionDescription, answeredMedia []*sdp.MediaDescription) ([]OfferedStream, error) {
	var (
		descs   []*sdp.MediaDescription
		streams []OfferedStream
	)
	release := func() {
		for _, s := range streams {
			f.ports.Release(s.Kind, s.LocalPort)
		}
	}

	for _, md := range answeredMedia {
		if md.MediaName.Port.Value == 0 {
			// The original call rejected this stream.
			continue
		}
		kind := media.Kind(md.MediaName.Media)
		received, ok := media.ReceivedLabel(kind)
		if !ok {
			release()
			return nil, fmt.Errorf("unsupported media type %q", md.MediaName.Media)
		}
		sent, _ := media.SentLabel(kind)

		for _, label := range []media.Label{received, sent} {
			var (
				desc   *sdp.MediaDescription
				stream OfferedStream
				err    error
			)
			if kind == media.KindMessage {
				desc, stream, err = f.msrpDescription(label)
			} else {
				desc, stream, err = f.rtpDescription(md, kind, label)
			}
			if err != nil {
				release()
				return nil, err
			}
			descs = append(descs, desc)
			streams = append(streams, stream)
		}
	}

	offer.MediaDescriptions = append(offer.MediaDescriptions, descs...)
	return streams, nil
}

// rtpDescription copies the original media description, replaces the
// port, and marks it send-only with the recording label.
func (f *OfferFactory) rtpDescription(original *sdp.MediaDescription, kind media.Kind, label media.Label) (*sdp.MediaDescription, OfferedStream, error) {
	port, err := f.ports.Next(kind)
	if err != nil {
		return nil, OfferedStream{}, fmt.Errorf("%s leg: %w", label, err)
	}

	proto := []string{"RTP", "AVP"}
	switch f.rtpEncryption {
	case config.RtpEncryptionSdesSrtp:
		proto = []string{"RTP", "SAVP"}
	case config.RtpEncryptionDtlsSrtp:
		proto = []string{"UDP", "TLS", "RTP", "SAVP"}
	}

	desc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   string(kind),
			Port:    sdp.RangedPort{Value: port},
			Protos:  proto,
			Formats: append([]string(nil), original.MediaName.Formats...),
		},
	}

	// Carry the original codec attributes so the SRS sees the exact
	// formats the original call negotiated.
	for _, attr := range original.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp", "ptime", "maxptime":
			desc.Attributes = append(desc.Attributes, attr)
		}
	}

	switch f.rtpEncryption {
	case config.RtpEncryptionSdesSrtp:
		key, err := sdesKey()
		if err != nil {
			return nil, OfferedStream{}, err
		}
		desc.Attributes = append(desc.Attributes, sdp.Attribute{
			Key:   "crypto",
			Value: "1 AES_CM_128_HMAC_SHA1_80 inline:" + key,
		})
	case config.RtpEncryptionDtlsSrtp:
		fp, err := f.certs.Fingerprint()
		if err != nil {
			return nil, OfferedStream{}, fmt.Errorf("dtls fingerprint: %w", err)
		}
		desc.Attributes = append(desc.Attributes,
			sdp.Attribute{Key: "fingerprint", Value: "sha-256 " + fp},
			sdp.Attribute{Key: "setup", Value: "actpass"},
		)
	}

	desc.Attributes = append(desc.Attributes,
		sdp.Attribute{Key: "sendonly"},
		sdp.Attribute{Key: "label", Value: strconv.Itoa(int(label))},
	)

	return desc, OfferedStream{Label: label, Kind: kind, LocalPort: port}, nil
}

// msrpDescription creates a fresh MSRP media description bound to the
// local endpoint with active setup.
func (f *OfferFactory) msrpDescription(label media.Label) (*sdp.MediaDescription, OfferedStream, error) {
	port, err := f.ports.Next(media.KindMessage)
	if err != nil {
		return nil, OfferedStream{}, fmt.Errorf("%s leg: %w", label, err)
	}

	scheme := "msrp"
	proto := []string{"TCP", "MSRP"}
	if f.msrpEncryption == config.MsrpEncryptionMsrps {
		scheme = "msrps"
		proto = []string{"TCP", "TLS", "MSRP"}
	}
	path := fmt.Sprintf("%s://%s:%d/%s;tcp", scheme, f.localIP, port, uuid.New().String()[:12])

	desc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   string(media.KindMessage),
			Port:    sdp.RangedPort{Value: port},
			Protos:  proto,
			Formats: []string{"*"},
		},
		Attributes: []sdp.Attribute{
			{Key: "path", Value: path},
			{Key: "setup", Value: "active"},
			{Key: "accept-types", Value: "message/cpim text/plain"},
			{Key: "sendonly"},
			{Key: "label", Value: strconv.Itoa(int(label))},
		},
	}

	return desc, OfferedStream{Label: label, Kind: media.KindMessage, LocalPort: port, LocalMsrpPath: path}, nil
}

// CopyAcceptTypes propagates the original call's accept-types attribute
// onto the MSRP descriptions of the offer, when the original has one.
func CopyAcceptTypes(offer *sdp.SessionDescription, original *sdp.SessionDescription) {
	var acceptTypes string
	for _, md := range original.MediaDescriptions {
		if md.MediaName.Media != string(media.KindMessage) {
			continue
		}
		if v, ok := attributeValue(md, "accept-types"); ok {
			acceptTypes = v
			break
		}
	}
	if acceptTypes == "" {
		return
	}
	for _, md := range offer.MediaDescriptions {
		if md.MediaName.Media != string(media.KindMessage) {
			continue
		}
		for i := range md.Attributes {
			if md.Attributes[i].Key == "accept-types" {
				md.Attributes[i].Value = acceptTypes
			}
		}
	}
}

// MediaLabelOf extracts the a=label attribute of a media description.
func MediaLabelOf(md *sdp.MediaDescription) (media.Label, bool) {
	v, ok := attributeValue(md, "label")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return media.Label(n), true
}

// MsrpPathOf extracts the a=path attribute of a media description.
func MsrpPathOf(md *sdp.MediaDescription) (string, bool) {
	return attributeValue(md, "path")
}

// RemoteEndpointOf resolves the connection address and port of an
// answered media description, falling back to the session-level
// connection line.
func RemoteEndpointOf(answered *sdp.SessionDescription, md *sdp.MediaDescription) (string, int) {
	addr := ""
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		addr = md.ConnectionInformation.Address.Address
	} else if answered.ConnectionInformation != nil && answered.ConnectionInformation.Address != nil {
		addr = answered.ConnectionInformation.Address.Address
	}
	return addr, md.MediaName.Port.Value
}

func attributeValue(md *sdp.MediaDescription, key string) (string, bool) {
	for _, attr := range md.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

func addressType(ip string) string {
	if strings.Contains(ip, ":") {
		return "IP6"
	}
	return "IP4"
}

// sdesKey generates the base64 master key+salt for an SDES-SRTP offer.
func sdesKey() (string, error) {
	key := make([]byte, 30)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate srtp key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
