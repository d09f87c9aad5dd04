package ice

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"webrtc-signal-relay/pkg/logger"
	"webrtc-signal-relay/pkg/webrtc/protocol"
)

// DefaultSTUN is advertised when no STUN server is configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Settings is the ICE part of the relay configuration.
type Settings struct {
	// Mode is stun-turn (default), turn-only or stun-only.
	Mode         string
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

// Servers builds the list handed to browsers. turn-only without any TURN
// server falls back to the default STUN server so clients can still try a
// direct path.
func Servers(s Settings, log *logger.Logger) (mode string, servers []protocol.ICEServer) {
	if log == nil {
		log = logger.Nop()
	}
	mode = strings.ToLower(strings.TrimSpace(s.Mode))
	if mode == "" {
		mode = "stun-turn"
	}
	turnOnly := mode == "turn-only"
	stunOnly := mode == "stun-only"

	if !turnOnly {
		if urls := clean(s.STUNURLs); len(urls) > 0 {
			servers = append(servers, protocol.ICEServer{URLs: urls})
		} else {
			servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
		}
	}

	if !stunOnly {
		if urls := clean(s.TURNURLs); len(urls) > 0 {
			servers = append(servers, protocol.ICEServer{
				URLs:       urls,
				Username:   strings.TrimSpace(s.TURNUsername),
				Credential: strings.TrimSpace(s.TURNPassword),
			})
		} else if !turnOnly {
			log.Info().Msg("TURN not configured; set ice.turnurls and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		log.Warn().Msg("ice mode turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
	}

	log.Info().Str("mode", mode).Int("servers", len(servers)).Bool("turn", HasTURN(servers)).Msg("ICE servers loaded")
	return mode, servers
}

// HasTURN reports whether any server carries credentials.
func HasTURN(servers []protocol.ICEServer) bool {
	for _, s := range servers {
		if s.Username != "" || s.Credential != "" {
			return true
		}
	}
	return false
}

// ToWebRTC converts the advertised list into a PeerConnection configuration.
// turn-only maps to a relay-only transport policy.
func ToWebRTC(mode string, servers []protocol.ICEServer) webrtc.Configuration {
	conf := webrtc.Configuration{}
	for _, s := range servers {
		is := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			is.Credential = s.Credential
			is.CredentialType = webrtc.ICECredentialTypePassword
		}
		conf.ICEServers = append(conf.ICEServers, is)
	}
	if strings.EqualFold(mode, "turn-only") && HasTURN(servers) {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return conf
}

func clean(in []string) []string {
	var out []string
	for _, p := range in {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
