package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/util"
)

// ErrBadPushURL marks a join response whose push URL is missing or not a
// streaming-protocol address. The call continues degraded; the caller
// reports it, never aborts.
var ErrBadPushURL = errors.New("push url missing or not rtmp/rtmps")

// RoomClient talks to the media server's call-room REST API.
type RoomClient struct {
	base string
	http *http.Client
}

// NewRoomClient builds a client for the media server. base is the join
// endpoint; sibling endpoints are derived from its path.
func NewRoomClient(joinURL string, hc *http.Client) *RoomClient {
	if hc == nil {
		hc = &http.Client{Timeout: util.DefaultFetchTimeout}
	}
	base := strings.TrimSuffix(joinURL, "/join")
	return &RoomClient{base: base, http: hc}
}

func (c *RoomClient) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("media server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateRoom registers a call room before the first join.
func (c *RoomClient) CreateRoom(ctx context.Context, roomID string, kind proto.CallKind, group bool) error {
	body := map[string]any{
		"room_id":       roomID,
		"call_type":     string(kind),
		"is_group_call": group,
	}
	if err := c.post(ctx, "/room", body, nil); err != nil {
		return fmt.Errorf("create call room %s: %w", roomID, err)
	}
	return nil
}

// JoinRoom joins a call room and returns the push/pull coordinates.
func (c *RoomClient) JoinRoom(ctx context.Context, roomID, userID string) (proto.JoinRoomResponse, error) {
	body := map[string]any{
		"room_id":  roomID,
		"user_id":  userID,
		"platform": "app",
	}
	var out proto.JoinRoomResponse
	if err := c.post(ctx, "/join", body, &out); err != nil {
		return proto.JoinRoomResponse{}, fmt.Errorf("join call room %s: %w", roomID, err)
	}
	return out, nil
}

// LeaveRoom tells the media server this user left.
func (c *RoomClient) LeaveRoom(ctx context.Context, roomID, userID string) error {
	body := map[string]any{"room_id": roomID, "user_id": userID}
	if err := c.post(ctx, "/leave", body, nil); err != nil {
		return fmt.Errorf("leave call room %s: %w", roomID, err)
	}
	return nil
}

// FetchICEServers asks the media server for current STUN/TURN entries.
// TURN credentials are short-lived, so this runs at session start.
func (c *RoomClient) FetchICEServers(ctx context.Context, userID string) ([]proto.ICEServerConfig, error) {
	u := c.base + "/ice-servers"
	if userID != "" {
		u += "?user_id=" + url.QueryEscape(userID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch ice servers: server returned %s", resp.Status)
	}
	var out struct {
		ICEServers []proto.ICEServerConfig `json:"ice_servers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	return out.ICEServers, nil
}

// ValidatePushURL checks that a push URL uses a streaming-protocol scheme.
func ValidatePushURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrBadPushURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPushURL, err)
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return fmt.Errorf("%w: scheme %q", ErrBadPushURL, u.Scheme)
	}
	return nil
}

// SFUGateway is the relay-mode stream state of one session: where to push
// the local stream and where to pull each remote participant's stream.
// Pull entries are keyed by user id; a rejoin with a changed URL updates the
// existing entry, it never duplicates.
type SFUGateway struct {
	client *RoomClient
	roomID string
	userID string

	mu       sync.Mutex
	pushURL  string
	degraded error
	pulls    map[string]proto.PullURLInfo

	releaseOnce sync.Once
}

// JoinSFU joins the room and builds the gateway. A bad push URL does not
// fail the join; the gateway records it as its degraded condition and stays
// usable for pulling.
func JoinSFU(ctx context.Context, client *RoomClient, roomID, userID string) (*SFUGateway, error) {
	resp, err := client.JoinRoom(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}

	g := &SFUGateway{
		client: client,
		roomID: roomID,
		userID: userID,
		pulls:  make(map[string]proto.PullURLInfo),
	}
	for _, p := range resp.PullURLs {
		if p.UserID == userID {
			continue
		}
		g.pulls[p.UserID] = p
	}

	if err := ValidatePushURL(resp.PushURL); err != nil {
		g.degraded = err
	} else {
		g.pushURL = resp.PushURL
	}
	return g, nil
}

// Degraded reports why outbound streaming is unavailable, or nil when the
// push address validated.
func (g *SFUGateway) Degraded() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// PushURL returns the validated push address, or "" in degraded mode.
func (g *SFUGateway) PushURL() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pushURL
}

// UpdatePull records (or replaces) a remote participant's pull address.
func (g *SFUGateway) UpdatePull(info proto.PullURLInfo) {
	if info.UserID == "" || info.UserID == g.userID {
		return
	}
	g.mu.Lock()
	g.pulls[info.UserID] = info
	g.mu.Unlock()
}

// RemovePull drops a remote participant's pull address.
func (g *SFUGateway) RemovePull(userID string) {
	g.mu.Lock()
	delete(g.pulls, userID)
	g.mu.Unlock()
}

// Pull returns the pull address for one participant.
func (g *SFUGateway) Pull(userID string) (proto.PullURLInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pulls[userID]
	return p, ok
}

// Pulls returns a snapshot of all pull addresses keyed by user id.
func (g *SFUGateway) Pulls() map[string]proto.PullURLInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]proto.PullURLInfo, len(g.pulls))
	for k, v := range g.pulls {
		out[k] = v
	}
	return out
}

// Release leaves the room exactly once. Leave failures are logged, never
// surfaced past the call boundary.
func (g *SFUGateway) Release(ctx context.Context) {
	g.releaseOnce.Do(func() {
		if err := g.client.LeaveRoom(ctx, g.roomID, g.userID); err != nil {
			log.Warnw("leaving call room failed", "room", g.roomID, "err", err)
		}
		g.mu.Lock()
		g.pulls = map[string]proto.PullURLInfo{}
		g.pushURL = ""
		g.mu.Unlock()
	})
}
