package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/callkit/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	ICE       ICE       `json:"ice"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	History   History   `json:"history"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
	KeyFile     string `json:"key_file"`
}

type Signaling struct {
	// Mode selects the transport: "websocket" talks to a chat server,
	// "p2p" joins a gossip mesh.
	Mode string `json:"mode"`

	// Websocket mode.
	WSURL   string `json:"ws_url"`
	SendURL string `json:"send_url"`

	// P2P mode.
	ListenPort int      `json:"listen_port"`
	Topic      string   `json:"topic"`
	Bootstrap  []string `json:"bootstrap"`
}

type ICE struct {
	// Servers used when no fetch URL is set (or fetching fails).
	Servers []Server `json:"servers"`

	// FetchURL, when set, is queried at session start for fresh STUN/TURN
	// entries (TURN credentials are usually short-lived).
	FetchURL string `json:"fetch_url"`
}

// Server is one STUN/TURN entry.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	// RingTimeoutSec bounds how long an unanswered outgoing call rings
	// before it is ended locally. 0 disables the timeout.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// DedupWindowMS is the duplicate-suppression window for notification
	// signals.
	DedupWindowMS int `json:"dedup_window_ms"`
}

type Media struct {
	// Strategy selects how media flows: "p2p" attaches capture tracks to
	// each peer connection, "sfu" pushes one stream to a relay server.
	Strategy string `json:"strategy"`

	// SFU endpoints (strategy "sfu").
	JoinURL  string `json:"join_url"`
	LeaveURL string `json:"leave_url"`

	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
	VideoDisabled bool   `json:"video_disabled"`
}

type History struct {
	// DBPath is the call log database. Empty disables history.
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Signaling: Signaling{
			Mode:       "p2p",
			ListenPort: 0,
			Topic:      "callkit-signal-v1",
		},
		ICE: ICE{
			Servers: []Server{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Call: Call{
			RingTimeoutSec: 60,
			DedupWindowMS:  5000,
		},
		Media: Media{
			Strategy: "p2p",
		},
		History: History{
			DBPath: "data/calls.db",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Signaling
	switch c.Signaling.Mode {
	case "websocket":
		if err := validateWSURL(c.Signaling.WSURL); err != nil {
			return fmt.Errorf("signaling.ws_url: %w", err)
		}
		if err := validateHTTPURL(c.Signaling.SendURL); err != nil {
			return fmt.Errorf("signaling.send_url: %w", err)
		}
	case "p2p":
		if c.Signaling.ListenPort < 0 || c.Signaling.ListenPort > 65535 {
			return errors.New("signaling.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Signaling.Topic) == "" {
			return errors.New("signaling.topic is required")
		}
	default:
		return errors.New(`signaling.mode must be "websocket" or "p2p"`)
	}

	// ICE
	if c.ICE.FetchURL != "" {
		if err := validateHTTPURL(c.ICE.FetchURL); err != nil {
			return fmt.Errorf("ice.fetch_url: %w", err)
		}
	}
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is empty", i)
		}
	}

	// Call
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.DedupWindowMS <= 0 {
		return errors.New("call.dedup_window_ms must be > 0")
	}

	// Media
	switch c.Media.Strategy {
	case "p2p":
	case "sfu":
		if err := validateHTTPURL(c.Media.JoinURL); err != nil {
			return fmt.Errorf("media.join_url: %w", err)
		}
	default:
		return errors.New(`media.strategy must be "p2p" or "sfu"`)
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with the given user id filled in. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
