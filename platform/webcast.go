package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebcastConnector talks to a signer gateway that wraps the proprietary
// webcast protocol. Probing is a plain HTTP room-info request; connecting
// exchanges the account for a signed websocket URL and dials it.
type WebcastConnector struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func (c *WebcastConnector) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *WebcastConnector) dialer() *websocket.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return websocket.DefaultDialer
}

type roomInfoResponse struct {
	Live       bool   `json:"live"`
	RoomID     string `json:"room_id"`
	Title      string `json:"title"`
	CreateTime int64  `json:"create_time"` // unix seconds, 0 when unknown
	Viewers    int    `json:"viewer_count"`
}

// Probe asks the gateway whether the account is broadcasting. It never opens
// a push connection. A non-broadcasting account returns ErrNotLive.
func (c *WebcastConnector) Probe(ctx context.Context, account string) (RoomMetadata, error) {
	if account == "" {
		return RoomMetadata{}, fmt.Errorf("account empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/room-info", nil)
	if err != nil {
		return RoomMetadata{}, err
	}
	q := req.URL.Query()
	q.Set("account", account)
	req.URL.RawQuery = q.Encode()
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return RoomMetadata{}, fmt.Errorf("room info request: %w", err)
	}
	defer closeBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return RoomMetadata{}, fmt.Errorf("probe %s: %w", account, ErrNotLive)
	case resp.StatusCode == http.StatusTooManyRequests:
		return RoomMetadata{}, fmt.Errorf("probe %s: rate limited (429)", account)
	case resp.StatusCode != http.StatusOK:
		return RoomMetadata{}, fmt.Errorf("probe %s: gateway status %d", account, resp.StatusCode)
	}
	var body roomInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RoomMetadata{}, fmt.Errorf("decode room info: %w", err)
	}
	if !body.Live {
		return RoomMetadata{}, fmt.Errorf("probe %s: %w", account, ErrNotLive)
	}
	return metaFromRoomInfo(body), nil
}

type signResponse struct {
	URL string `json:"url"`
	roomInfoResponse
}

// Connect obtains a signed push URL for the account and dials it. The caller
// owns the returned Conn and must Close it before connecting again.
func (c *WebcastConnector) Connect(ctx context.Context, account string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sign", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("account", account)
	req.URL.RawQuery = q.Encode()
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	defer closeBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("connect %s: %w", account, ErrNotLive)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("connect %s: rate limited (429)", account)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("connect %s: gateway status %d", account, resp.StatusCode)
	}
	var body signResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode sign response: %w", err)
	}
	if body.URL == "" {
		return nil, fmt.Errorf("connect %s: gateway returned no push url", account)
	}
	ws, _, err := c.dialer().DialContext(ctx, body.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push socket: %w", err)
	}
	conn := &webcastConn{
		account: account,
		room:    metaFromRoomInfo(body.roomInfoResponse),
		ws:      ws,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

// Quota reports the gateway's remaining call budget (adaptive rate limiting).
func (c *WebcastConnector) Quota(ctx context.Context) (Quota, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/limits", nil)
	if err != nil {
		return Quota{}, err
	}
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return Quota{}, fmt.Errorf("limits request: %w", err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Quota{}, fmt.Errorf("limits: gateway status %d", resp.StatusCode)
	}
	var body struct {
		Minute struct {
			Remaining int `json:"remaining"`
		} `json:"minute"`
		Hour struct {
			Remaining int `json:"remaining"`
		} `json:"hour"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quota{}, fmt.Errorf("decode limits: %w", err)
	}
	return Quota{MinuteRemaining: body.Minute.Remaining, HourRemaining: body.Hour.Remaining}, nil
}

func metaFromRoomInfo(b roomInfoResponse) RoomMetadata {
	m := RoomMetadata{RoomID: b.RoomID, Title: b.Title, Viewers: b.Viewers}
	if b.CreateTime > 0 {
		m.CreateTime = time.Unix(b.CreateTime, 0).UTC()
	}
	return m
}

// webcastConn owns one websocket push connection and pumps decoded frames
// into its event channel.
type webcastConn struct {
	account   string
	room      RoomMetadata
	ws        *websocket.Conn
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *webcastConn) Events() <-chan Event { return c.events }
func (c *webcastConn) Room() RoomMetadata   { return c.room }

func (c *webcastConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// webcastFrame is the gateway's JSON event envelope.
type webcastFrame struct {
	Type        string `json:"type"` // viewer | gift | disconnect
	ViewerCount int    `json:"viewer_count"`
	Gift        *struct {
		MsgID       string `json:"msg_id"`
		Contributor string `json:"contributor"`
		Item        string `json:"item"`
		UnitValue   int    `json:"unit_value"`
		RepeatCount int    `json:"repeat_count"`
		Streak      bool   `json:"streak"`
		StreakEnd   bool   `json:"streak_end"`
		Timestamp   int64  `json:"timestamp"` // unix millis
	} `json:"gift,omitempty"`
}

func (c *webcastConn) readLoop() {
	defer func() {
		// Deliver the terminal disconnect before closing the channel so the
		// supervisor sees exactly one disconnect signal per connection. Once
		// the conn is closed nobody drains the buffer, so every send must
		// also watch done or the loop parks on a full channel forever.
		select {
		case c.events <- Event{Kind: EventDisconnect}:
		case <-c.done:
		}
		close(c.events)
		_ = c.Close()
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("push socket read ended", slog.String("account", c.account), slog.Any("err", err))
			}
			return
		}
		var frame webcastFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("malformed push frame", slog.String("account", c.account), slog.Any("err", err))
			continue
		}
		switch frame.Type {
		case "viewer":
			select {
			case c.events <- Event{Kind: EventViewerCount, ViewerCount: frame.ViewerCount}:
			case <-c.done:
				return
			}
		case "gift":
			if frame.Gift == nil {
				continue
			}
			g := frame.Gift
			ev := Event{Kind: EventGift, Gift: &Gift{
				ID:          g.MsgID,
				Contributor: g.Contributor,
				Item:        g.Item,
				UnitValue:   g.UnitValue,
				RepeatCount: g.RepeatCount,
				Streak:      g.Streak,
				StreakEnd:   g.StreakEnd,
				Timestamp:   time.UnixMilli(g.Timestamp).UTC(),
			}}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		case "disconnect":
			return
		}
	}
}

func closeBody(b io.Closer) {
	if err := b.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
