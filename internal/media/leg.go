package media

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"
)

const (
	// dtlsHandshakeTimeout bounds the media-plane DTLS handshake toward
	// the SRS.
	dtlsHandshakeTimeout = 3 * time.Second

	msrpDialTimeout = 3 * time.Second
)

// RtpLeg is a one-way RTP stream toward the SRS. Packets forwarded from
// the original call are re-serialised and written to the SRS endpoint.
type RtpLeg struct {
	label     Label
	localPort int
	ports     *PortManager

	udpConn  *net.UDPConn
	dtlsConn *dtls.Conn
	remote   *net.UDPAddr

	mu     sync.Mutex
	closed bool
	sent   int64
}

// NewRtpLeg binds the local media port and targets the SRS endpoint
// taken from the answered SDP. When dtlsConf is non-nil the leg performs
// a DTLS handshake and writes packets through the encrypted connection.
func NewRtpLeg(label Label, ports *PortManager, localPort int, remoteAddr string, remotePort int, dtlsConf *dtls.Config) (*RtpLeg, error) {
	remoteIP := net.ParseIP(remoteAddr)
	if remoteIP == nil {
		return nil, fmt.Errorf("invalid SRS media address %q", remoteAddr)
	}
	remote := &net.UDPAddr{IP: remoteIP, Port: remotePort}

	leg := &RtpLeg{
		label:     label,
		localPort: localPort,
		ports:     ports,
		remote:    remote,
	}

	if dtlsConf != nil {
		conn, err := net.DialUDP("udp", &net.UDPAddr{Port: localPort}, remote)
		if err != nil {
			return nil, fmt.Errorf("dial %s leg: %w", label, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), dtlsHandshakeTimeout)
		defer cancel()
		dtlsConn, err := dtls.ClientWithContext(ctx, conn, dtlsConf)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("dtls handshake for %s leg: %w", label, err)
		}
		leg.dtlsConn = dtlsConn
		return leg, nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("bind %s leg port %d: %w", label, localPort, err)
	}
	leg.udpConn = conn
	return leg, nil
}

// Label implements Leg.
func (l *RtpLeg) Label() Label { return l.label }

// LocalPort implements Leg.
func (l *RtpLeg) LocalPort() int { return l.localPort }

// WriteRTP serialises and transmits one packet copy toward the SRS.
func (l *RtpLeg) WriteRTP(pkt *rtp.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%s leg closed", l.label)
	}

	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp packet: %w", err)
	}
	if l.dtlsConn != nil {
		_, err = l.dtlsConn.Write(buf)
	} else {
		_, err = l.udpConn.WriteToUDP(buf, l.remote)
	}
	if err != nil {
		return err
	}
	l.sent++
	return nil
}

// PacketsSent returns how many packets have been written.
func (l *RtpLeg) PacketsSent() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}

// Shutdown implements Leg. Safe to call more than once.
func (l *RtpLeg) Shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if l.dtlsConn != nil {
		_ = l.dtlsConn.Close()
	}
	if l.udpConn != nil {
		_ = l.udpConn.Close()
	}
	if l.ports != nil {
		l.ports.Release(l.label.Kind(), l.localPort)
	}
}

// MsrpLeg is a one-way MSRP session toward the SRS. Each forwarded
// message body is framed as an MSRP SEND chunk.
type MsrpLeg struct {
	label     Label
	localPort int
	ports     *PortManager

	conn       net.Conn
	localPath  string
	remotePath string

	mu     sync.Mutex
	closed bool
	sent   int64
}

// NewMsrpLeg dials the SRS MSRP endpoint taken from the answered SDP
// a=path attribute. tlsConf enables MSRPS.
func NewMsrpLeg(label Label, ports *PortManager, localPort int, localPath, remotePath string, tlsConf *tls.Config) (*MsrpLeg, error) {
	host, err := msrpPathHostPort(remotePath)
	if err != nil {
		return nil, fmt.Errorf("%s leg: %w", label, err)
	}

	var conn net.Conn
	dialer := &net.Dialer{Timeout: msrpDialTimeout}
	if tlsConf != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", host, tlsConf)
	} else {
		conn, err = dialer.Dial("tcp", host)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s leg %s: %w", label, host, err)
	}

	return &MsrpLeg{
		label:      label,
		localPort:  localPort,
		ports:      ports,
		conn:       conn,
		localPath:  localPath,
		remotePath: remotePath,
	}, nil
}

// Label implements Leg.
func (l *MsrpLeg) Label() Label { return l.label }

// LocalPort implements Leg.
func (l *MsrpLeg) LocalPort() int { return l.localPort }

// WriteMessage frames one message copy as an MSRP SEND chunk (RFC 4975)
// and transmits it.
func (l *MsrpLeg) WriteMessage(contentType string, body []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%s leg closed", l.label)
	}
	if contentType == "" {
		contentType = "text/plain"
	}

	txID := uuid.New().String()[:10]
	var b strings.Builder
	fmt.Fprintf(&b, "MSRP %s SEND\r\n", txID)
	fmt.Fprintf(&b, "To-Path: %s\r\n", l.remotePath)
	fmt.Fprintf(&b, "From-Path: %s\r\n", l.localPath)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", uuid.New().String()[:12])
	fmt.Fprintf(&b, "Byte-Range: 1-%d/%d\r\n", len(body), len(body))
	fmt.Fprintf(&b, "Content-Type: %s\r\n\r\n", contentType)
	b.Write(body)
	fmt.Fprintf(&b, "\r\n-------%s$\r\n", txID)

	if _, err := l.conn.Write([]byte(b.String())); err != nil {
		return err
	}
	l.sent++
	return nil
}

// PacketsSent returns how many chunks have been written.
func (l *MsrpLeg) PacketsSent() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}

// Shutdown implements Leg. Safe to call more than once.
func (l *MsrpLeg) Shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.conn.Close(); err != nil {
		slog.Debug("[MsrpLeg] Close", "label", l.label.String(), "error", err)
	}
	if l.ports != nil {
		l.ports.Release(l.label.Kind(), l.localPort)
	}
}

// msrpPathHostPort extracts host:port from an MSRP URI such as
// msrp://198.51.100.10:2855/jshA7weztas;tcp or msrps://...
func msrpPathHostPort(path string) (string, error) {
	rest := path
	switch {
	case strings.HasPrefix(rest, "msrps://"):
		rest = strings.TrimPrefix(rest, "msrps://")
	case strings.HasPrefix(rest, "msrp://"):
		rest = strings.TrimPrefix(rest, "msrp://")
	default:
		return "", fmt.Errorf("not an MSRP URI: %q", path)
	}
	if idx := strings.IndexAny(rest, "/;"); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" || !strings.Contains(rest, ":") {
		return "", fmt.Errorf("MSRP URI %q has no host:port", path)
	}
	return rest, nil
}
