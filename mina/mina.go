// Package mina is the client for the speaker/notification service. It
// authenticates with session cookies only; responses arrive in a
// status/data envelope where code zero means success.
package mina

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wangyuan292/migpt-next/internal/account"
	"github.com/wangyuan292/migpt-next/internal/logger"
	"github.com/wangyuan292/migpt-next/internal/transport"
)

const (
	kBaseURL    = "https://api2.mina.mi.com"
	kProfileURL = "https://userprofile.mina.mi.com"

	kUserAgent = "MICO/AndroidApp/@SHIP.TO.2A2FE0D7@/2.4.40"

	// The conversation log endpoint checks for the in-app webview agent
	// and referer of the dialogue-note page.
	kConversationUserAgent = "Mozilla/5.0 (Linux; Android 10; 000; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/119.0.6045.193 Mobile Safari/537.36 /XiaoMi/HybridView/ micoSoundboxApp/i appVersion/A_2.4.40"
	kConversationReferer   = "https://userprofile.mina.mi.com/dialogue-note/index.html"
)

// Volume limits enforced by the speaker firmware.
const (
	minVolume = 6
	maxVolume = 100
)

// Client talks to the speaker service on behalf of one session.
type Client struct {
	// BaseURL and ProfileURL locate the service; overridable.
	BaseURL    string
	ProfileURL string

	tr      *transport.Client
	session *account.Session
}

// New creates a speaker-service client bound to session.
func New(tr *transport.Client, session *account.Session) *Client {
	return &Client{
		BaseURL:    kBaseURL,
		ProfileURL: kProfileURL,
		tr:         tr,
		session:    session,
	}
}

// Session returns the session this client is bound to.
func (c *Client) Session() *account.Session { return c.session }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call issues one service request and unwraps the status envelope.
func (c *Client) call(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("requestId", uuid.NewString())
	params.Set("timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	req := &transport.Request{
		Method:  method,
		URL:     c.BaseURL + path,
		Headers: map[string]string{"User-Agent": kUserAgent},
		Cookies: c.cookies(),
		Service: account.ServiceMiNA,
		Session: c.session,
	}
	if method == http.MethodGet {
		req.Query = params
	} else {
		req.Body = params.Encode()
	}

	resp, err := c.tr.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("mina %s: status %d", path, resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("mina %s: parse response: %w", path, err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("mina %s: code %d: %s", path, env.Code, env.Message)
	}
	return env.Data, nil
}

// cookies builds the credential cookie set. Device-derived values are
// empty until the device is resolved; the token and profile entries are
// patched in place by the transport after a refresh.
func (c *Client) cookies() []*http.Cookie {
	s := c.session
	var dev account.Device
	if s.Device != nil {
		dev = *s.Device
	}
	return []*http.Cookie{
		{Name: "userId", Value: s.UserID},
		{Name: "serviceToken", Value: s.ServiceToken},
		{Name: "sn", Value: dev.SerialNumber},
		{Name: "hardware", Value: dev.Hardware},
		{Name: "deviceId", Value: dev.DeviceID},
		{Name: "deviceSNProfile", Value: dev.DeviceSNProfile},
	}
}

// Devices fetches the account's speaker list.
func (c *Client) Devices(ctx context.Context) ([]*account.Device, error) {
	data, err := c.call(ctx, http.MethodGet, "/admin/v2/device_list", nil)
	if err != nil {
		return nil, err
	}
	var devices []*account.Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("parse device list: %w", err)
	}
	return devices, nil
}

// ResolveDevice binds the session to the first listed device matching
// the caller-supplied identifier. No match is a fatal configuration
// error: the session cannot be used without a target.
func (c *Client) ResolveDevice(ctx context.Context, id string) error {
	devices, err := c.Devices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Matches(id) {
			c.session.Device = d
			logger.Debugf("mina: bound to device %q (hardware %s)", d.Name, d.Hardware)
			return nil
		}
	}
	logger.Errorf("mina: device %q not found; check it against the device name in the companion app", id)
	return fmt.Errorf("%w: %q", account.ErrDeviceNotFound, id)
}

// UbusResult is the inner status carried by on-device ubus calls.
type UbusResult struct {
	Code int    `json:"code"`
	Info string `json:"info"`
}

// CallUbus invokes a ubus service on the speaker itself, e.g.
// ("mediaplayer", "player_get_play_status", nil).
func (c *Client) CallUbus(ctx context.Context, scope, command string, message any) (*UbusResult, error) {
	if message == nil {
		message = map[string]any{}
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal ubus message: %w", err)
	}
	var deviceID string
	if c.session.Device != nil {
		deviceID = c.session.Device.DeviceID
	}
	params := url.Values{
		"deviceId": {deviceID},
		"path":     {scope},
		"method":   {command},
		"message":  {string(encoded)},
	}
	data, err := c.call(ctx, http.MethodPost, "/remote/ubus", params)
	if err != nil {
		return nil, err
	}
	var res UbusResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse ubus result: %w", err)
	}
	return &res, nil
}

func (c *Client) ubusOK(ctx context.Context, scope, command string, message any) error {
	res, err := c.CallUbus(ctx, scope, command, message)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return fmt.Errorf("ubus %s.%s: code %d", scope, command, res.Code)
	}
	return nil
}

// PlayState is the decoded media-player status.
type PlayState struct {
	// Status is idle, playing, paused, stopped, or unknown.
	Status    string
	Volume    int
	MediaType int
	LoopType  int
}

var statusNames = map[int]string{0: "idle", 1: "playing", 2: "paused", 3: "stopped"}

// PlayStatus reads the speaker's current playback state.
func (c *Client) PlayStatus(ctx context.Context) (*PlayState, error) {
	res, err := c.CallUbus(ctx, "mediaplayer", "player_get_play_status", nil)
	if err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("player_get_play_status: code %d", res.Code)
	}
	var info struct {
		Status    int `json:"status"`
		Volume    int `json:"volume"`
		MediaType int `json:"media_type"`
		LoopType  int `json:"loop_type"`
	}
	if err := json.Unmarshal([]byte(res.Info), &info); err != nil {
		return nil, fmt.Errorf("parse play status: %w", err)
	}
	name, ok := statusNames[info.Status]
	if !ok {
		name = "unknown"
	}
	return &PlayState{Status: name, Volume: info.Volume, MediaType: info.MediaType, LoopType: info.LoopType}, nil
}

// Volume reads the current volume.
func (c *Client) Volume(ctx context.Context) (int, error) {
	state, err := c.PlayStatus(ctx)
	if err != nil {
		return 0, err
	}
	return state.Volume, nil
}

// SetVolume sets the volume, clamped to the firmware's 6..100 range.
func (c *Client) SetVolume(ctx context.Context, volume int) error {
	if volume < minVolume {
		volume = minVolume
	}
	if volume > maxVolume {
		volume = maxVolume
	}
	return c.ubusOK(ctx, "mediaplayer", "player_set_volume", map[string]any{"volume": volume})
}

// Say speaks text through the speaker's own TTS engine.
func (c *Client) Say(ctx context.Context, text string) error {
	return c.ubusOK(ctx, "mibrain", "text_to_speech", map[string]any{"text": text, "save": 0})
}

// PlayURL streams an audio URL on the speaker.
func (c *Client) PlayURL(ctx context.Context, audioURL string) error {
	return c.ubusOK(ctx, "mediaplayer", "player_play_url", map[string]any{"url": audioURL, "type": 1})
}

// Play resumes paused playback.
func (c *Client) Play(ctx context.Context) error {
	return c.playOperation(ctx, "play")
}

// Pause pauses playback.
func (c *Client) Pause(ctx context.Context) error {
	return c.playOperation(ctx, "pause")
}

// Toggle switches between playing and paused.
func (c *Client) Toggle(ctx context.Context) error {
	return c.playOperation(ctx, "toggle")
}

// Stop stops playback.
func (c *Client) Stop(ctx context.Context) error {
	return c.playOperation(ctx, "stop")
}

func (c *Client) playOperation(ctx context.Context, action string) error {
	return c.ubusOK(ctx, "mediaplayer", "player_play_operation", map[string]any{"action": action})
}

// Answer is one reply entry of a logged exchange. Spoken/text replies
// have type TTS or LLM; triggering music legitimately produces a second
// AUDIO entry.
type Answer struct {
	Type string `json:"type"`
	TTS  *struct {
		Text string `json:"text"`
	} `json:"tts,omitempty"`
	LLM *struct {
		Text string `json:"text"`
	} `json:"llm,omitempty"`
}

// ConversationRecord is one logged exchange with the voice assistant.
type ConversationRecord struct {
	RequestID string   `json:"requestId"`
	Query     string   `json:"query"`
	Time      int64    `json:"time"` // epoch milliseconds
	Answers   []Answer `json:"answers"`
}

// ConversationPage is a slice of the conversation log, newest first.
type ConversationPage struct {
	Records     []ConversationRecord `json:"records"`
	NextEndTime int64                `json:"nextEndTime"`
}

// Conversations fetches up to limit records of the conversation log,
// newest first. A non-zero beforeMs starts the page at that timestamp;
// the service includes the boundary record itself in the result.
func (c *Client) Conversations(ctx context.Context, limit int, beforeMs int64) (*ConversationPage, error) {
	var hardware, deviceID string
	if c.session.Device != nil {
		hardware = c.session.Device.Hardware
		deviceID = c.session.Device.DeviceID
	}
	query := url.Values{
		"limit":     {strconv.Itoa(limit)},
		"requestId": {uuid.NewString()},
		"source":    {"dialogu"},
		"hardware":  {hardware},
	}
	if beforeMs > 0 {
		query.Set("timestamp", strconv.FormatInt(beforeMs, 10))
	}

	req := &transport.Request{
		Method: http.MethodGet,
		URL:    c.ProfileURL + "/device_profile/v2/conversation",
		Query:  query,
		Headers: map[string]string{
			"User-Agent": kConversationUserAgent,
			"Referer":    kConversationReferer,
		},
		Cookies: []*http.Cookie{
			{Name: "userId", Value: c.session.UserID},
			{Name: "serviceToken", Value: c.session.ServiceToken},
			{Name: "deviceId", Value: deviceID},
		},
		Service: account.ServiceMiNA,
		Session: c.session,
	}
	resp, err := c.tr.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("conversation fetch: status %d", resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("conversation fetch: parse response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("conversation fetch: code %d: %s", env.Code, env.Message)
	}

	// The log itself arrives JSON-encoded inside the data string.
	var page ConversationPage
	var inner string
	if err := json.Unmarshal(env.Data, &inner); err == nil {
		err = json.Unmarshal([]byte(inner), &page)
		if err != nil {
			return nil, fmt.Errorf("conversation fetch: parse records: %w", err)
		}
	} else if err := json.Unmarshal(env.Data, &page); err != nil {
		return nil, fmt.Errorf("conversation fetch: parse records: %w", err)
	}
	return &page, nil
}
