// Package account owns per-service login sessions: the handshake with
// the vendor's account service, the secret bundle it returns, and the
// keyed store that persists sessions across restarts.
package account

import (
	"errors"
)

// Service identifies one of the two logical cloud services a session can
// be bound to. Requests tag themselves with their Service so that the
// transport can attribute credential expiry without inspecting URLs.
type Service string

const (
	// ServiceMiNA is the speaker/notification service (cookie auth only).
	ServiceMiNA Service = "mina"
	// ServiceMIoT is the device-control service (signed, encrypted RPC).
	ServiceMIoT Service = "miot"
)

// SID returns the service identifier the login endpoint expects.
func (s Service) SID() string {
	if s == ServiceMIoT {
		return "xiaomiio"
	}
	return "micoapi"
}

var (
	// ErrMissingCredentials means neither a pass-token nor a user id and
	// password pair was supplied. Fatal configuration error.
	ErrMissingCredentials = errors.New("missing credentials: need passToken or userId and password")

	// ErrDeviceNotFound means the configured device identifier matched
	// nothing in the service's device list. Fatal configuration error.
	ErrDeviceNotFound = errors.New("target device not found")

	// ErrLoginFailed means a step of the login handshake was refused.
	ErrLoginFailed = errors.New("login failed")
)

// Pass is the ephemeral secret bundle obtained at login. The server
// echoes some of these fields back during the handshake; all of them are
// persisted so a later run can resume with the pass-token alone.
type Pass struct {
	QS        string `json:"qs,omitempty"`
	Sign      string `json:"_sign,omitempty"`
	Callback  string `json:"callback,omitempty"`
	Location  string `json:"location,omitempty"`
	SSecurity string `json:"ssecurity,omitempty"`
	PassToken string `json:"passToken,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	UserID    string `json:"userId,omitempty"`
	CUserID   string `json:"cUserId,omitempty"`
	PSecurity string `json:"psecurity,omitempty"`
}

// Device is the resolved target device descriptor. The two services
// return different shapes; the union is kept in one struct and unset
// fields stay empty.
type Device struct {
	// Speaker service shape.
	DeviceID        string `json:"deviceID,omitempty"`
	SerialNumber    string `json:"serialNumber,omitempty"`
	Alias           string `json:"alias,omitempty"`
	Presence        string `json:"presence,omitempty"`
	MiotDID         string `json:"miotDID,omitempty"`
	Hardware        string `json:"hardware,omitempty"`
	DeviceSNProfile string `json:"deviceSNProfile,omitempty"`

	// Device-control service shape.
	DID   string `json:"did,omitempty"`
	Token string `json:"token,omitempty"`
	Model string `json:"model,omitempty"`

	// Common fields.
	Name string `json:"name,omitempty"`
	MAC  string `json:"mac,omitempty"`
}

// Matches reports whether the caller-supplied identifier (display name,
// alias, device id, or MAC) selects this device.
func (d *Device) Matches(id string) bool {
	if d == nil || id == "" {
		return false
	}
	for _, v := range []string{d.DID, d.DeviceID, d.MiotDID, d.Name, d.Alias, d.MAC} {
		if v != "" && v == id {
			return true
		}
	}
	return false
}

// Session is the mutable login state for one logical service.
//
// A Session is shared by reference: the transport's refresh path writes
// new credentials into it in place, so every holder sees the update.
// Individual field writes are plain assignments; the protocol does not
// require cross-field atomicity.
type Session struct {
	Service Service `json:"-"`

	// DeviceID is the stable per-installation client identifier
	// (android_<uuid>), generated once and reused across restarts.
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
	Password string `json:"password,omitempty"`

	Pass         *Pass  `json:"pass,omitempty"`
	ServiceToken string `json:"serviceToken,omitempty"`

	// TargetID is the caller-supplied identifier of the speaker to bind.
	TargetID string  `json:"did,omitempty"`
	Device   *Device `json:"device,omitempty"`
}

// SSecurity returns the session-signing secret, or "" before login.
func (s *Session) SSecurity() string {
	if s == nil || s.Pass == nil {
		return ""
	}
	return s.Pass.SSecurity
}

// PassToken returns the long-lived login artifact, or "" if absent.
func (s *Session) PassToken() string {
	if s == nil || s.Pass == nil {
		return ""
	}
	return s.Pass.PassToken
}

// CUserID returns the encrypted user id echoed by the handshake.
func (s *Session) CUserID() string {
	if s == nil || s.Pass == nil {
		return ""
	}
	return s.Pass.CUserID
}

// Ready reports whether the session can authorize protocol calls. Both
// the service token and the signing secret are required; missing either
// one is a hard failure, not a degraded mode.
func (s *Session) Ready() bool {
	return s != nil && s.ServiceToken != "" && s.SSecurity() != ""
}
