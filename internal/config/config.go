package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Transport is the SIP transport protocol of a recorder.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
)

// RtpEncryption is the RTP encryption policy offered to the SRS.
type RtpEncryption string

const (
	RtpEncryptionNone     RtpEncryption = "none"
	RtpEncryptionSdesSrtp RtpEncryption = "sdes-srtp"
	RtpEncryptionDtlsSrtp RtpEncryption = "dtls-srtp"
)

// MsrpEncryption is the MSRP encryption policy offered to the SRS.
type MsrpEncryption string

const (
	MsrpEncryptionNone  MsrpEncryption = "none"
	MsrpEncryptionMsrps MsrpEncryption = "msrps"
)

// DefaultOptionsIntervalSeconds is the default OPTIONS probe interval.
const DefaultOptionsIntervalSeconds = 5

// RecorderConfig describes one SRS target.
type RecorderConfig struct {
	// Name uniquely identifies the recorder. It also appears as the
	// user part of the request URI toward the SRS.
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	// SipTransportProtocol is udp, tcp, or tls.
	SipTransportProtocol Transport `json:"sip_transport_protocol"`

	// LocalIpEndpoint is the ip:port the recorder binds for signalling.
	LocalIpEndpoint string `json:"local_ip_endpoint"`
	// SrsIpEndpoint is the ip:port of the recording server.
	SrsIpEndpoint string `json:"srs_ip_endpoint"`

	RtpEncryption  RtpEncryption  `json:"rtp_encryption"`
	MsrpEncryption MsrpEncryption `json:"msrp_encryption"`

	// EnableOptions turns on the liveness probe loop.
	EnableOptions bool `json:"enable_options"`
	// OptionsIntervalSeconds is the probe period. Defaults to 5.
	OptionsIntervalSeconds int `json:"options_interval_seconds"`
}

// Validate checks one recorder entry.
func (r *RecorderConfig) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("recorder has no name")
	}
	switch r.SipTransportProtocol {
	case TransportUDP, TransportTCP, TransportTLS:
	case "":
		r.SipTransportProtocol = TransportUDP
	default:
		return fmt.Errorf("recorder %s: unknown transport %q", r.Name, r.SipTransportProtocol)
	}
	switch r.RtpEncryption {
	case RtpEncryptionNone, RtpEncryptionSdesSrtp, RtpEncryptionDtlsSrtp:
	case "":
		r.RtpEncryption = RtpEncryptionNone
	default:
		return fmt.Errorf("recorder %s: unknown rtp encryption %q", r.Name, r.RtpEncryption)
	}
	switch r.MsrpEncryption {
	case MsrpEncryptionNone, MsrpEncryptionMsrps:
	case "":
		r.MsrpEncryption = MsrpEncryptionNone
	default:
		return fmt.Errorf("recorder %s: unknown msrp encryption %q", r.Name, r.MsrpEncryption)
	}

	localIP, err := endpointIP(r.LocalIpEndpoint)
	if err != nil {
		return fmt.Errorf("recorder %s: local endpoint: %w", r.Name, err)
	}
	srsIP, err := endpointIP(r.SrsIpEndpoint)
	if err != nil {
		return fmt.Errorf("recorder %s: srs endpoint: %w", r.Name, err)
	}
	if (localIP.To4() == nil) != (srsIP.To4() == nil) {
		return fmt.Errorf("recorder %s: local and srs endpoints have different address families", r.Name)
	}

	if r.OptionsIntervalSeconds <= 0 {
		r.OptionsIntervalSeconds = DefaultOptionsIntervalSeconds
	}
	return nil
}

// LocalIP returns the host part of the local endpoint.
func (r *RecorderConfig) LocalIP() string {
	host, _, err := net.SplitHostPort(r.LocalIpEndpoint)
	if err != nil {
		return r.LocalIpEndpoint
	}
	return host
}

// SrsHost and SrsPort split the SRS endpoint.
func (r *RecorderConfig) SrsHost() string {
	host, _, err := net.SplitHostPort(r.SrsIpEndpoint)
	if err != nil {
		return r.SrsIpEndpoint
	}
	return host
}

func (r *RecorderConfig) SrsPort() int {
	_, portStr, err := net.SplitHostPort(r.SrsIpEndpoint)
	if err != nil {
		return 5060
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 5060
	}
	return port
}

// Settings holds the process-wide configuration.
type Settings struct {
	// EnableSipRec is the master switch; when false no recorder runs.
	EnableSipRec bool

	// APIAddr is the status HTTP listen address. Empty disables the
	// API server.
	APIAddr string

	LogLevel string

	// RecordersPath is the JSON file listing RecorderConfig entries.
	RecordersPath string

	// NG9-1-1 identity stamped onto every log event. AgencyID and
	// AgentID are distinct fields from distinct sources.
	ElementID string
	AgencyID  string
	AgentID   string

	Recorders []RecorderConfig
}

// Load loads configuration from command line flags and environment
// variables, then reads the recorders file.
func Load() (*Settings, error) {
	cfg := &Settings{}

	flag.BoolVar(&cfg.EnableSipRec, "enable-siprec", true, "Enable SIP recording")
	flag.StringVar(&cfg.APIAddr, "api", "0.0.0.0:8080", "Status API listen address (empty to disable)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.RecordersPath, "recorders", "resources/config/recorders.json", "Path to recorders configuration file")
	flag.StringVar(&cfg.ElementID, "element", "", "NG9-1-1 element identifier")
	flag.StringVar(&cfg.AgencyID, "agency", "", "NG9-1-1 agency identifier")
	flag.StringVar(&cfg.AgentID, "agent", "", "NG9-1-1 agent identifier")
	flag.Parse()

	// Override with environment variables if set.
	if v := os.Getenv("ENABLE_SIPREC"); v != "" {
		cfg.EnableSipRec = parseBool(v, cfg.EnableSipRec)
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RECORDERS_PATH"); v != "" {
		cfg.RecordersPath = v
	}
	if v := os.Getenv("ELEMENT_ID"); v != "" {
		cfg.ElementID = v
	}
	if v := os.Getenv("AGENCY_ID"); v != "" {
		cfg.AgencyID = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.AgentID = v
	}

	recorders, err := LoadRecorders(cfg.RecordersPath)
	if err != nil {
		return nil, err
	}
	cfg.Recorders = recorders
	return cfg, nil
}

// LoadRecorders reads and validates the recorders file.
func LoadRecorders(path string) ([]RecorderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recorders file: %w", err)
	}
	return ParseRecorders(data)
}

// ParseRecorders parses and validates a recorders JSON document.
func ParseRecorders(data []byte) ([]RecorderConfig, error) {
	var recorders []RecorderConfig
	if err := json.Unmarshal(data, &recorders); err != nil {
		return nil, fmt.Errorf("parse recorders file: %w", err)
	}

	seenNames := make(map[string]bool)
	seenEndpoints := make(map[string]bool)
	for i := range recorders {
		if err := recorders[i].Validate(); err != nil {
			return nil, err
		}
		if seenNames[recorders[i].Name] {
			return nil, fmt.Errorf("duplicate recorder name %q", recorders[i].Name)
		}
		seenNames[recorders[i].Name] = true

		// Each agent owns its transport channel exclusively.
		if recorders[i].Enabled {
			ep := recorders[i].LocalIpEndpoint
			if seenEndpoints[ep] {
				return nil, fmt.Errorf("recorder %s: local endpoint %s already in use", recorders[i].Name, ep)
			}
			seenEndpoints[ep] = true
		}
	}
	return recorders, nil
}

func endpointIP(endpoint string) (net.IP, error) {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return nil, fmt.Errorf("not host:port: %q", endpoint)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("not an IP address: %q", host)
	}
	return ip, nil
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
