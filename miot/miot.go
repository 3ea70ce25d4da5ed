// Package miot is the client for the device-control service. Unlike the
// speaker service, every call here travels through the signed, encrypted
// form codec and requires the session's signing secret.
package miot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/wangyuan292/migpt-next/internal/account"
	"github.com/wangyuan292/migpt-next/internal/codec"
	"github.com/wangyuan292/migpt-next/internal/logger"
	"github.com/wangyuan292/migpt-next/internal/transport"
)

const (
	kBaseURL   = "https://api.io.mi.com/app"
	kUserAgent = "MICO/AndroidApp/@SHIP.TO.2A2FE0D7@/2.4.40"
)

// Client talks to the device-control service on behalf of one session.
type Client struct {
	// BaseURL locates the service; overridable.
	BaseURL string

	tr      *transport.Client
	session *account.Session
}

// New creates a device-control client bound to session.
func New(tr *transport.Client, session *account.Session) *Client {
	return &Client{
		BaseURL: kBaseURL,
		tr:      tr,
		session: session,
	}
}

// Session returns the session this client is bound to.
func (c *Client) Session() *account.Session { return c.session }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// call encodes payload through the signing codec, posts it, and returns
// the decrypted result field.
func (c *Client) call(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	if !c.session.Ready() {
		return nil, fmt.Errorf("miot %s: session not logged in", path)
	}
	signed, err := codec.Encode(http.MethodPost, path, payload, c.session.SSecurity())
	if err != nil {
		return nil, fmt.Errorf("miot %s: %w", path, err)
	}

	req := &transport.Request{
		Method: http.MethodPost,
		URL:    c.BaseURL + path,
		Body:   signed.Form(),
		Headers: map[string]string{
			"User-Agent":                 kUserAgent,
			"x-xiaomi-protocal-flag-cli": "PROTOCAL-HTTP2",
			"miot-accept-encoding":       "GZIP",
			"miot-encrypt-algorithm":     "ENCRYPT-RC4",
		},
		Cookies: c.cookies(),
		Service: account.ServiceMIoT,
		Session: c.session,
	}
	resp, err := c.tr.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("miot %s: status %d", path, resp.StatusCode)
	}

	gzipped := strings.EqualFold(resp.Header.Get("miot-content-encoding"), "GZIP")
	plain, err := codec.Decode(c.session.SSecurity(), signed.Nonce, string(resp.Body), gzipped)
	if err != nil {
		return nil, fmt.Errorf("miot %s: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("miot %s: parse response: %w", path, err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("miot %s: code %d: %s", path, env.Code, env.Message)
	}
	return env.Result, nil
}

func (c *Client) cookies() []*http.Cookie {
	s := c.session
	return []*http.Cookie{
		{Name: "countryCode", Value: "CN"},
		{Name: "locale", Value: "zh_CN"},
		{Name: "timezone", Value: "GMT+08:00"},
		{Name: "timezone_id", Value: "Asia/Shanghai"},
		{Name: "userId", Value: s.UserID},
		{Name: "cUserId", Value: s.CUserID()},
		{Name: "PassportDeviceId", Value: s.DeviceID},
		{Name: "serviceToken", Value: s.ServiceToken},
		{Name: "yetAnotherServiceToken", Value: s.ServiceToken},
	}
}

// did returns the bound device's control id, preferring the dedicated
// did field over the speaker-shaped miotDID.
func (c *Client) did() string {
	d := c.session.Device
	if d == nil {
		return ""
	}
	if d.DID != "" {
		return d.DID
	}
	return d.MiotDID
}

// Devices fetches the account's registered device list.
func (c *Client) Devices(ctx context.Context) ([]*account.Device, error) {
	result, err := c.call(ctx, "/home/device_list", map[string]any{
		"getVirtualModel": false,
		"getHuamiDevices": 0,
	})
	if err != nil {
		return nil, err
	}
	var listing struct {
		List []*account.Device `json:"list"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		return nil, fmt.Errorf("parse device list: %w", err)
	}
	return listing.List, nil
}

// ResolveDevice binds the session to the first listed device matching
// the caller-supplied identifier. No match is a fatal configuration
// error.
func (c *Client) ResolveDevice(ctx context.Context, id string) error {
	devices, err := c.Devices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Matches(id) {
			c.session.Device = d
			logger.Debugf("miot: bound to device %q (model %s, did %s)", d.Name, d.Model, d.DID)
			return nil
		}
	}
	logger.Errorf("miot: device %q not found; check it against the device name in the companion app", id)
	return fmt.Errorf("%w: %q", account.ErrDeviceNotFound, id)
}

type specRequest struct {
	Params     any `json:"params"`
	Datasource int `json:"datasource"`
}

type specResult struct {
	DID   string          `json:"did"`
	SIID  int             `json:"siid"`
	PIID  int             `json:"piid"`
	Code  int             `json:"code"`
	Value json.RawMessage `json:"value"`
}

// GetProperty reads one spec property of the bound device.
func (c *Client) GetProperty(ctx context.Context, siid, piid int) (any, error) {
	result, err := c.call(ctx, "/miotspec/prop/get", specRequest{
		Params: []map[string]any{
			{"did": c.did(), "siid": siid, "piid": piid},
		},
		Datasource: 2,
	})
	if err != nil {
		return nil, err
	}
	var results []specResult
	if err := json.Unmarshal(result, &results); err != nil {
		return nil, fmt.Errorf("parse property result: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("prop/get %d.%d: empty result", siid, piid)
	}
	if results[0].Code != 0 {
		return nil, fmt.Errorf("prop/get %d.%d: code %d", siid, piid, results[0].Code)
	}
	var value any
	if err := json.Unmarshal(results[0].Value, &value); err != nil {
		return nil, fmt.Errorf("parse property value: %w", err)
	}
	return value, nil
}

// SetProperty writes one spec property of the bound device.
func (c *Client) SetProperty(ctx context.Context, siid, piid int, value any) error {
	result, err := c.call(ctx, "/miotspec/prop/set", specRequest{
		Params: []map[string]any{
			{"did": c.did(), "siid": siid, "piid": piid, "value": value},
		},
		Datasource: 2,
	})
	if err != nil {
		return err
	}
	var results []specResult
	if err := json.Unmarshal(result, &results); err != nil {
		return fmt.Errorf("parse property result: %w", err)
	}
	if len(results) == 0 || results[0].Code != 0 {
		return fmt.Errorf("prop/set %d.%d refused", siid, piid)
	}
	return nil
}

// Action invokes a spec action on the bound device with the given
// ordered arguments.
func (c *Client) Action(ctx context.Context, siid, aiid int, args []any) error {
	if args == nil {
		args = []any{}
	}
	result, err := c.call(ctx, "/miotspec/action", map[string]any{
		"params": map[string]any{
			"did":  c.did(),
			"siid": siid,
			"aiid": aiid,
			"in":   args,
		},
	})
	if err != nil {
		return err
	}
	var status struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return fmt.Errorf("parse action result: %w", err)
	}
	if status.Code != 0 {
		return fmt.Errorf("action %d.%d: code %d", siid, aiid, status.Code)
	}
	return nil
}

// RPC sends a raw method call to the bound device's legacy RPC endpoint.
func (c *Client) RPC(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	return c.call(ctx, "/home/rpc/"+c.did(), map[string]any{
		"id":     1,
		"method": method,
		"params": params,
	})
}
