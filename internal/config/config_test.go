package config

import (
	"strings"
	"testing"
)

func validRecorderJSON() string {
	return `[
  {
    "name": "srs-primary",
    "enabled": true,
    "sip_transport_protocol": "udp",
    "local_ip_endpoint": "192.0.2.10:5070",
    "srs_ip_endpoint": "198.51.100.20:5060",
    "rtp_encryption": "none",
    "msrp_encryption": "none",
    "enable_options": true,
    "options_interval_seconds": 5
  }
]`
}

func TestParseRecorders(t *testing.T) {
	recorders, err := ParseRecorders([]byte(validRecorderJSON()))
	if err != nil {
		t.Fatalf("ParseRecorders() error = %v", err)
	}
	if len(recorders) != 1 {
		t.Fatalf("got %d recorders, want 1", len(recorders))
	}
	r := recorders[0]
	if r.Name != "srs-primary" {
		t.Errorf("Name = %q, want srs-primary", r.Name)
	}
	if r.SrsHost() != "198.51.100.20" || r.SrsPort() != 5060 {
		t.Errorf("SRS endpoint split = %s:%d", r.SrsHost(), r.SrsPort())
	}
	if r.LocalIP() != "192.0.2.10" {
		t.Errorf("LocalIP() = %q", r.LocalIP())
	}
}

func TestRecorderDefaults(t *testing.T) {
	r := RecorderConfig{
		Name:            "r1",
		LocalIpEndpoint: "192.0.2.10:5070",
		SrsIpEndpoint:   "198.51.100.20:5060",
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if r.SipTransportProtocol != TransportUDP {
		t.Errorf("transport default = %q, want udp", r.SipTransportProtocol)
	}
	if r.RtpEncryption != RtpEncryptionNone {
		t.Errorf("rtp encryption default = %q, want none", r.RtpEncryption)
	}
	if r.OptionsIntervalSeconds != DefaultOptionsIntervalSeconds {
		t.Errorf("options interval default = %d, want %d", r.OptionsIntervalSeconds, DefaultOptionsIntervalSeconds)
	}
}

func TestRecorderValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RecorderConfig)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(r *RecorderConfig) { r.Name = "" },
			wantErr: "no name",
		},
		{
			name:    "bad transport",
			mutate:  func(r *RecorderConfig) { r.SipTransportProtocol = "sctp" },
			wantErr: "unknown transport",
		},
		{
			name:    "bad rtp encryption",
			mutate:  func(r *RecorderConfig) { r.RtpEncryption = "zrtp" },
			wantErr: "unknown rtp encryption",
		},
		{
			name:    "address family mismatch",
			mutate:  func(r *RecorderConfig) { r.SrsIpEndpoint = "[2001:db8::1]:5060" },
			wantErr: "address families",
		},
		{
			name:    "not an ip",
			mutate:  func(r *RecorderConfig) { r.LocalIpEndpoint = "srs.example.com:5060" },
			wantErr: "not an IP address",
		},
		{
			name:    "no port",
			mutate:  func(r *RecorderConfig) { r.LocalIpEndpoint = "192.0.2.10" },
			wantErr: "not host:port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := RecorderConfig{
				Name:            "r1",
				LocalIpEndpoint: "192.0.2.10:5070",
				SrsIpEndpoint:   "198.51.100.20:5060",
			}
			tt.mutate(&r)
			err := r.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseRecordersDuplicateName(t *testing.T) {
	doc := `[
  {"name": "r1", "enabled": true, "local_ip_endpoint": "192.0.2.10:5070", "srs_ip_endpoint": "198.51.100.20:5060"},
  {"name": "r1", "enabled": true, "local_ip_endpoint": "192.0.2.10:5072", "srs_ip_endpoint": "198.51.100.21:5060"}
]`
	if _, err := ParseRecorders([]byte(doc)); err == nil || !strings.Contains(err.Error(), "duplicate recorder name") {
		t.Errorf("ParseRecorders() error = %v, want duplicate name error", err)
	}
}

func TestParseRecordersDuplicateEndpoint(t *testing.T) {
	doc := `[
  {"name": "r1", "enabled": true, "local_ip_endpoint": "192.0.2.10:5070", "srs_ip_endpoint": "198.51.100.20:5060"},
  {"name": "r2", "enabled": true, "local_ip_endpoint": "192.0.2.10:5070", "srs_ip_endpoint": "198.51.100.21:5060"}
]`
	if _, err := ParseRecorders([]byte(doc)); err == nil || !strings.Contains(err.Error(), "already in use") {
		t.Errorf("ParseRecorders() error = %v, want endpoint conflict error", err)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in       string
		fallback bool
		want     bool
	}{
		{"1", false, true},
		{"true", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"no", true, false},
		{"garbage", true, true},
		{"garbage", false, false},
	}
	for _, tt := range tests {
		if got := parseBool(tt.in, tt.fallback); got != tt.want {
			t.Errorf("parseBool(%q, %v) = %v, want %v", tt.in, tt.fallback, got, tt.want)
		}
	}
}
