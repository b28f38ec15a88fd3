package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "VIDEOROOM_ICE_SERVERS_JSON"

	envStunURLs       = "VIDEOROOM_STUN_URLS"
	envTurnURLs       = "VIDEOROOM_TURN_URLS"
	envTurnUsername   = "VIDEOROOM_TURN_USERNAME"
	envTurnCredential = "VIDEOROOM_TURN_CREDENTIAL"
)

// DefaultSTUNURLs are the public reflection servers used when no ICE servers
// are configured.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// DefaultICEServers returns one ICE server entry per default STUN URL.
func DefaultICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(DefaultSTUNURLs))
	for _, u := range DefaultSTUNURLs {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

// ICESource is where the agent's ICE servers come from: either a JSON list
// in the browser RTCIceServer shape, or STUN/TURN URL lists with one shared
// TURN credential. JSON wins when both are set.
type ICESource struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// Servers parses the source. A nil result means nothing was configured and
// DefaultICEServers applies.
func (s ICESource) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(s.STUNURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}
	if urls := splitCommaSeparated(s.TURNURLs); len(urls) > 0 {
		server := webrtc.ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(s.TURNUsername),
			Credential: strings.TrimSpace(s.TURNCredential),
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s (with %s/%s): %w", envTurnURLs, envTurnUsername, envTurnCredential, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts "urls" as a single string or a list, like RTCIceServer.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*l = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or a list of strings")
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses and validates a JSON ICE server list. Unknown
// fields are rejected so a misspelled "credential" is not silently dropped.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var entries []iceServerJSON
	if err := dec.Decode(&entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(entry.URLs, ",")),
			Username: strings.TrimSpace(entry.Username),
		}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isTURN(u *stun.URI) bool {
	return u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	turn := false
	for _, raw := range server.URLs {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
		turn = turn || isTURN(u)
	}
	if !turn {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); cred == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

// HasTURN reports whether any server offers a relay candidate. Without one,
// peers behind symmetric NATs cannot connect.
func HasTURN(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		for _, raw := range server.URLs {
			if u, err := stun.ParseURI(raw); err == nil && isTURN(u) {
				return true
			}
		}
	}
	return false
}

// DescribeICEServers renders servers for logs with credentials left out.
func DescribeICEServers(servers []webrtc.ICEServer) []string {
	var out []string
	for _, server := range servers {
		for _, raw := range server.URLs {
			u, err := stun.ParseURI(raw)
			if err != nil {
				out = append(out, "invalid")
				continue
			}
			desc := u.String()
			if isTURN(u) && server.Username != "" {
				desc += " user=" + server.Username
			}
			out = append(out, desc)
		}
	}
	return out
}
