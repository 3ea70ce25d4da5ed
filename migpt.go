// Package migpt wires the account, transport, and service clients into
// one connected client for a voice speaker's cloud services.
package migpt

import (
	"context"
	"fmt"
	"time"

	"github.com/wangyuan292/migpt-next/internal/account"
	"github.com/wangyuan292/migpt-next/internal/logger"
	"github.com/wangyuan292/migpt-next/internal/transport"
	"github.com/wangyuan292/migpt-next/mina"
	"github.com/wangyuan292/migpt-next/miot"
	"github.com/wangyuan292/migpt-next/poller"
)

// Config selects the account, the target device, and client behavior.
type Config struct {
	// UserID and Password authenticate password login; PassToken, when
	// set, lets login succeed without the password.
	UserID    string
	Password  string
	PassToken string

	// Device selects the target speaker by display name, alias, device
	// id, or MAC address. Required; a device that matches nothing is a
	// fatal configuration error.
	Device string

	// Timeout bounds every protocol call. Zero selects the default.
	Timeout time.Duration

	// StateFile is where login sessions are persisted across restarts.
	StateFile string

	// LoginBaseURL, SpeakerBaseURL, ProfileBaseURL, and ControlBaseURL
	// override the cloud service locations; tests only.
	LoginBaseURL   string
	SpeakerBaseURL string
	ProfileBaseURL string
	ControlBaseURL string
}

// Client is a connected pair of service sessions for one speaker.
//
// Speaker talks to the speaker service (playback, TTS, conversation
// log); Things talks to the device-control service (spec properties,
// actions, raw RPC). Both share one transport whose refresh path
// re-runs login and re-binds the device when credentials expire.
type Client struct {
	Speaker *mina.Client
	Things  *miot.Client

	cfg      Config
	manager  *account.Manager
	tr       *transport.Client
	sessions map[account.Service]*account.Session
}

// Connect logs both services in, binds the target device on each, and
// persists the resulting sessions.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("no target device configured")
	}
	if cfg.PassToken == "" && (cfg.UserID == "" || cfg.Password == "") {
		return nil, account.ErrMissingCredentials
	}

	c := &Client{
		cfg:      cfg,
		manager:  account.NewManager(account.NewStore(cfg.StateFile), cfg.Timeout),
		sessions: make(map[account.Service]*account.Session),
	}
	if cfg.LoginBaseURL != "" {
		c.manager.LoginBaseURL = cfg.LoginBaseURL
	}
	c.tr = transport.New(cfg.Timeout, c.relogin)

	for _, service := range []account.Service{account.ServiceMiNA, account.ServiceMIoT} {
		session, err := c.connectService(ctx, service)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", service, err)
		}
		c.sessions[service] = session
	}
	c.Speaker = mina.New(c.tr, c.sessions[account.ServiceMiNA])
	c.Things = miot.New(c.tr, c.sessions[account.ServiceMIoT])
	if cfg.SpeakerBaseURL != "" {
		c.Speaker.BaseURL = cfg.SpeakerBaseURL
	}
	if cfg.ProfileBaseURL != "" {
		c.Speaker.ProfileURL = cfg.ProfileBaseURL
	}
	if cfg.ControlBaseURL != "" {
		c.Things.BaseURL = cfg.ControlBaseURL
	}

	for _, service := range []account.Service{account.ServiceMiNA, account.ServiceMIoT} {
		if err := c.bindDevice(ctx, service); err != nil {
			return nil, err
		}
		if err := c.manager.Store().Save(service, c.sessions[service]); err != nil {
			return nil, err
		}
	}
	logger.Infof("connected to device %q", cfg.Device)
	return c, nil
}

func (c *Client) overrides() account.Overrides {
	return account.Overrides{
		UserID:    c.cfg.UserID,
		Password:  c.cfg.Password,
		PassToken: c.cfg.PassToken,
		TargetID:  c.cfg.Device,
	}
}

func (c *Client) connectService(ctx context.Context, service account.Service) (*account.Session, error) {
	session, err := c.manager.Resume(service, c.overrides())
	if err != nil {
		return nil, err
	}
	if err := c.manager.Login(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// bindDevice resolves the configured device identifier against the
// service's device list and attaches the match to the session.
func (c *Client) bindDevice(ctx context.Context, service account.Service) error {
	if service == account.ServiceMiNA {
		return c.Speaker.ResolveDevice(ctx, c.cfg.Device)
	}
	return c.Things.ResolveDevice(ctx, c.cfg.Device)
}

// relogin is the transport's refresh hook: full re-login, device
// re-bind, and persistence, all mutating the shared session in place.
func (c *Client) relogin(ctx context.Context, service account.Service) error {
	session, ok := c.sessions[service]
	if !ok {
		return fmt.Errorf("no session for service %s", service)
	}
	if err := c.manager.Relogin(ctx, session, c.overrides()); err != nil {
		return err
	}
	if err := c.bindDevice(ctx, service); err != nil {
		return err
	}
	return c.manager.Store().Save(service, session)
}

// Messages returns a fresh conversation poller over the speaker's log.
// Each poller keeps its own delivery cursor.
func (c *Client) Messages() *poller.Poller {
	return poller.New(poller.NewConversationSource(c.Speaker))
}
