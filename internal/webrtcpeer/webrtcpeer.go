// Package webrtcpeer is the pion-backed media capability used by the headless
// peer: one PeerConnection per remote participant, all sharing a single local
// Opus track.
package webrtcpeer

import (
	"fmt"
	"net"

	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

const (
	NAT1To1CandidateTypeHost  = "host"
	NAT1To1CandidateTypeSrflx = "srflx"
)

// Settings are the SettingEngine knobs exposed to operators.
type Settings struct {
	// UDPPortMin/UDPPortMax restrict ICE host candidates to a port range.
	// Zero leaves the OS to choose.
	UDPPortMin uint16
	UDPPortMax uint16

	NAT1To1IPs           []string
	NAT1To1CandidateType string

	// ListenIP restricts gathering to a single local address. Nil or an
	// unspecified address gathers on every interface.
	ListenIP net.IP

	// Net replaces the OS network stack, e.g. with a vnet in tests.
	Net transport.Net

	LoggerFactory logging.LoggerFactory
}

func NewAPI(settings Settings) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, settings); err != nil {
		return nil, err
	}
	if settings.LoggerFactory != nil {
		se.LoggerFactory = settings.LoggerFactory
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := registerOpus(mediaEngine); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, settings Settings) error {
	if settings.UDPPortMin != 0 || settings.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(settings.UDPPortMin, settings.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(settings.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch settings.NAT1To1CandidateType {
		case NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", settings.NAT1To1CandidateType)
		}
		se.SetNAT1To1IPs(settings.NAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't expose a "bind to 0.0.0.0" toggle; instead we
	// restrict candidate gathering and socket binding via IPFilter.
	if settings.ListenIP != nil && !settings.ListenIP.IsUnspecified() {
		listenIP := settings.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	if settings.Net != nil {
		se.SetNet(settings.Net)
	}
	return nil
}

const opusPayloadType = 111

func registerOpus(m *webrtc.MediaEngine) error {
	return m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        opusPayloadType,
	}, webrtc.RTPCodecTypeAudio)
}

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}
