package ice

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"webrtc-signal-relay/pkg/logger"
)

func TestServers(t *testing.T) {
	turn := []string{"turn:turn.example:3478"}
	tests := []struct {
		name     string
		settings Settings
		wantMode string
		wantURLs [][]string
	}{
		{
			name:     "default",
			settings: Settings{},
			wantMode: "stun-turn",
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:     "stun and turn",
			settings: Settings{STUNURLs: []string{" stun:a ", ""}, TURNURLs: turn, TURNUsername: "u", TURNPassword: "p"},
			wantMode: "stun-turn",
			wantURLs: [][]string{{"stun:a"}, turn},
		},
		{
			name:     "stun only ignores turn",
			settings: Settings{Mode: "STUN-ONLY", TURNURLs: turn},
			wantMode: "stun-only",
			wantURLs: [][]string{DefaultSTUN},
		},
		{
			name:     "turn only",
			settings: Settings{Mode: "turn-only", STUNURLs: []string{"stun:a"}, TURNURLs: turn},
			wantMode: "turn-only",
			wantURLs: [][]string{turn},
		},
		{
			name:     "turn only without turn falls back",
			settings: Settings{Mode: "turn-only"},
			wantMode: "turn-only",
			wantURLs: [][]string{DefaultSTUN},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, servers := Servers(tt.settings, logger.Nop())
			if mode != tt.wantMode {
				t.Fatalf("mode = %q, want %q", mode, tt.wantMode)
			}
			if len(servers) != len(tt.wantURLs) {
				t.Fatalf("servers = %+v", servers)
			}
			for i, s := range servers {
				if len(s.URLs) != len(tt.wantURLs[i]) || s.URLs[0] != tt.wantURLs[i][0] {
					t.Fatalf("server %d urls = %v, want %v", i, s.URLs, tt.wantURLs[i])
				}
			}
		})
	}
}

func TestToWebRTC(t *testing.T) {
	_, servers := Servers(Settings{Mode: "turn-only", TURNURLs: []string{"turn:t"}, TURNUsername: "u", TURNPassword: "p"}, nil)
	conf := ToWebRTC("turn-only", servers)
	if conf.ICETransportPolicy != webrtc.ICETransportPolicyRelay {
		t.Fatalf("policy = %v", conf.ICETransportPolicy)
	}
	if len(conf.ICEServers) != 1 || conf.ICEServers[0].Credential != "p" {
		t.Fatalf("servers = %+v", conf.ICEServers)
	}

	_, servers = Servers(Settings{}, nil)
	conf = ToWebRTC("stun-turn", servers)
	if conf.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Fatalf("policy = %v", conf.ICETransportPolicy)
	}
}
