package account

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wangyuan292/migpt-next/internal/crypto"
	"github.com/wangyuan292/migpt-next/internal/logger"
)

const (
	// kLoginBaseURL hosts the account service handshake endpoints.
	kLoginBaseURL = "https://account.xiaomi.com/pass"

	// kLoginUserAgent mimics the vendor's Android passport SDK; the
	// handshake is refused for unknown agents.
	kLoginUserAgent = "Dalvik/2.1.0 (Linux; U; Android 10; RMX2111 Build/QP1A.190711.020) APP/xiaomi.mico APPV/2004040 MK/Uk1YMjExMQ== PassportSDK/3.8.3 passport-ui/3.8.3"

	minTimeout     = 1 * time.Second
	defaultTimeout = 5 * time.Second
)

// authPrefix is the anti-hijacking literal the login endpoints prepend
// to their JSON bodies.
const authPrefix = "&&&START&&&"

// bigNumberPattern matches numeric values of 9+ digits (user ids, login
// nonces). They are quoted before parsing because a generic JSON decode
// would lose precision on them.
var bigNumberPattern = regexp.MustCompile(`:(\d{9,})`)

// Manager drives the login handshake and owns the persisted session
// store. One Manager serves both logical services.
type Manager struct {
	// LoginBaseURL is the base URL of the account service.
	LoginBaseURL string

	store *Store
	httpc *http.Client

	timeout time.Duration
}

// NewManager creates a Manager over the given session store. timeout
// bounds each handshake HTTP call and is clamped to at least one second.
func NewManager(store *Store, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout < minTimeout {
		timeout = minTimeout
	}
	return &Manager{
		LoginBaseURL: kLoginBaseURL,
		store:        store,
		httpc:        &http.Client{},
		timeout:      timeout,
	}
}

// Store returns the keyed session store backing this manager.
func (m *Manager) Store() *Store { return m.store }

// Overrides are caller-supplied credentials merged over stored session
// state when resuming.
type Overrides struct {
	UserID    string
	Password  string
	PassToken string
	TargetID  string
}

// Resume builds the session for a service from stored state merged with
// overrides. It does not log in; the returned session may be stale.
func (m *Manager) Resume(service Service, ov Overrides) (*Session, error) {
	s, err := m.store.Load(service)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = &Session{}
	}
	s.Service = service
	if s.DeviceID == "" {
		s.DeviceID = "android_" + uuid.NewString()
	}
	if ov.UserID != "" {
		s.UserID = ov.UserID
	}
	if ov.Password != "" {
		s.Password = ov.Password
	}
	if ov.TargetID != "" {
		s.TargetID = ov.TargetID
	}
	if ov.PassToken != "" {
		if s.Pass == nil {
			s.Pass = &Pass{}
		}
		s.Pass.PassToken = ov.PassToken
	}
	if s.PassToken() == "" && (s.UserID == "" || s.Password == "") {
		return nil, ErrMissingCredentials
	}
	return s, nil
}

// Relogin re-derives credentials from scratch for the session's service,
// discarding the cached pass bundle, and writes the result into s in
// place. A configuration-supplied pass-token survives because it is
// caller input, not derived state.
func (m *Manager) Relogin(ctx context.Context, s *Session, ov Overrides) error {
	fresh := &Session{
		Service:  s.Service,
		DeviceID: s.DeviceID,
		UserID:   s.UserID,
		Password: s.Password,
		TargetID: s.TargetID,
	}
	if ov.PassToken != "" {
		fresh.Pass = &Pass{PassToken: ov.PassToken}
	}
	if err := m.Login(ctx, fresh); err != nil {
		return err
	}
	s.Pass = fresh.Pass
	s.ServiceToken = fresh.ServiceToken
	return nil
}

// Login runs the multi-step handshake and mutates s in place with the
// resulting pass bundle and service token.
//
// Step one tries the cookie-based GET (pass-token auth). When that is
// refused, step two exchanges the password digest over POST. Either way
// the final GET against the returned location yields the service token
// inside a response cookie.
func (m *Manager) Login(ctx context.Context, s *Session) error {
	sid := s.Service.SID()

	body, err := m.loginGET(ctx, s, "/serviceLogin", url.Values{
		"sid":     {sid},
		"_json":   {"true"},
		"_locale": {"zh_CN"},
	})
	if err != nil {
		return fmt.Errorf("%w: serviceLogin: %v", ErrLoginFailed, err)
	}
	pass, err := ParseAuthPass(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	if pass.Code == nil || *pass.Code != 0 {
		// Cookie auth was refused; exchange the password digest.
		if s.Password == "" {
			logger.Errorf("login failed: pass-token rejected and no password configured")
			return fmt.Errorf("%w: pass-token rejected and no password configured", ErrLoginFailed)
		}
		form := url.Values{
			"_json":    {"true"},
			"qs":       {pass.QS},
			"sid":      {sid},
			"_sign":    {pass.Sign},
			"callback": {pass.Callback},
			"user":     {s.UserID},
			"hash":     {crypto.HashPassword(s.Password)},
		}
		body, err = m.loginPOST(ctx, s, "/serviceLoginAuth2", form)
		if err != nil {
			return fmt.Errorf("%w: serviceLoginAuth2: %v", ErrLoginFailed, err)
		}
		pass, err = ParseAuthPass(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLoginFailed, err)
		}
	}

	if pass.Location == "" || pass.Nonce == "" || pass.PassToken == "" {
		logger.Errorf("login failed: check userId and password (code=%v %s)", pass.CodeValue(), pass.Description)
		return fmt.Errorf("%w: incomplete pass bundle", ErrLoginFailed)
	}

	token, err := m.fetchServiceToken(ctx, pass)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	s.Pass = &pass.Pass
	s.ServiceToken = token
	return nil
}

// fetchServiceToken performs the final handshake GET against the
// location returned by login, carrying the derived client-sign header,
// and extracts the service token from the response cookies.
func (m *Manager) fetchServiceToken(ctx context.Context, pass *AuthPass) (string, error) {
	u, err := url.Parse(pass.Location)
	if err != nil {
		return "", fmt.Errorf("parse location: %w", err)
	}
	q := u.Query()
	q.Set("_userIdNeedEncrypt", "true")
	q.Set("clientSign", crypto.SHA1Base64("nonce="+pass.Nonce+"&"+pass.SSecurity))
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", kLoginUserAgent)

	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	for _, c := range resp.Cookies() {
		if c.Name == "serviceToken" && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("no serviceToken cookie in location response")
}

func (m *Manager) loginGET(ctx context.Context, s *Session, path string, query url.Values) (string, error) {
	return m.loginCall(ctx, s, http.MethodGet, path+"?"+query.Encode(), "")
}

func (m *Manager) loginPOST(ctx context.Context, s *Session, path string, form url.Values) (string, error) {
	return m.loginCall(ctx, s, http.MethodPost, path, form.Encode())
}

func (m *Manager) loginCall(ctx context.Context, s *Session, method, pathAndQuery, body string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.LoginBaseURL+pathAndQuery, reader)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", kLoginUserAgent)
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.AddCookie(&http.Cookie{Name: "userId", Value: s.UserID})
	req.AddCookie(&http.Cookie{Name: "deviceId", Value: s.DeviceID})
	if s.PassToken() != "" {
		req.AddCookie(&http.Cookie{Name: "passToken", Value: s.PassToken()})
	}

	resp, err := m.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return string(raw), nil
}

// AuthPass is the parsed body of a login handshake response.
type AuthPass struct {
	Pass

	Code            *int
	Description     string
	CaptchaURL      string
	NotificationURL string
}

// CodeValue renders the status code for diagnostics; -1 means absent.
func (a *AuthPass) CodeValue() int {
	if a == nil || a.Code == nil {
		return -1
	}
	return *a.Code
}

// ParseAuthPass decodes the prefixed pseudo-JSON body returned by the
// login endpoints. Numeric fields of nine or more digits are coerced to
// quoted strings first so user ids and nonces survive parsing intact.
func ParseAuthPass(body string) (*AuthPass, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(body), authPrefix)
	quoted := bigNumberPattern.ReplaceAllString(trimmed, `:"$1"`)

	var raw map[string]any
	if err := json.Unmarshal([]byte(quoted), &raw); err != nil {
		return nil, fmt.Errorf("parse auth response: %w", err)
	}

	ap := &AuthPass{
		Description:     stringField(raw, "description"),
		CaptchaURL:      stringField(raw, "captchaUrl"),
		NotificationURL: stringField(raw, "notificationUrl"),
		Pass: Pass{
			QS:        stringField(raw, "qs"),
			Sign:      stringField(raw, "_sign"),
			Callback:  stringField(raw, "callback"),
			Location:  stringField(raw, "location"),
			SSecurity: stringField(raw, "ssecurity"),
			PassToken: stringField(raw, "passToken"),
			Nonce:     stringField(raw, "nonce"),
			UserID:    stringField(raw, "userId"),
			CUserID:   stringField(raw, "cUserId"),
			PSecurity: stringField(raw, "psecurity"),
		},
	}
	if v, ok := raw["code"]; ok {
		switch n := v.(type) {
		case float64:
			code := int(n)
			ap.Code = &code
		case string:
			if code, err := strconv.Atoi(n); err == nil {
				ap.Code = &code
			}
		}
	}
	return ap, nil
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
