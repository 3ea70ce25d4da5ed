package migpt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangyuan292/migpt-next/internal/account"
	"github.com/wangyuan292/migpt-next/internal/crypto"
)

const fakeSSecurity = "c2VjcmV0" // base64("secret")

// fakeCloud serves the whole protocol surface: the login handshake,
// both device lists, and the conversation log.
func fakeCloud(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("/pass/serviceLogin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `&&&START&&&{"code":70016,"qs":"qs-echo","_sign":"sign-echo","callback":"cb-echo"}`)
	})
	mux.HandleFunc("/pass/serviceLoginAuth2", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "31415926535", r.PostForm.Get("user"))
		fmt.Fprintf(w, `&&&START&&&{"code":0,"userId":31415926535,"cUserId":"cu","nonce":271828182845,"ssecurity":%q,"passToken":"ptok","location":%q}`,
			fakeSSecurity, srv.URL+"/sts")
	})
	mux.HandleFunc("/sts", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "serviceToken", Value: "stok"})
	})

	mux.HandleFunc("/admin/v2/device_list", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":[{"deviceID":"spk-1","name":"Bedroom Speaker","serialNumber":"sn-1","hardware":"L05B","deviceSNProfile":"profile-1"}]}`)
	})
	mux.HandleFunc("/device_profile/v2/conversation", func(w http.ResponseWriter, r *http.Request) {
		records := `{"records":[{"requestId":"r1","query":"现在几点","time":1700000000000,"answers":[{"type":"TTS"}]}],"nextEndTime":0}`
		payload, _ := json.Marshal(records)
		fmt.Fprintf(w, `{"code":0,"data":%s}`, payload)
	})

	mux.HandleFunc("/home/device_list", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		snonce, err := crypto.SignNonce(fakeSSecurity, r.PostForm.Get("_nonce"))
		require.NoError(t, err)
		key, err := base64.StdEncoding.DecodeString(snonce)
		require.NoError(t, err)
		stream, err := crypto.NewStream(key)
		require.NoError(t, err)
		body := `{"code":0,"result":{"list":[{"did":"123","name":"Bedroom Speaker","model":"xiaomi.wifispeaker.l05b"}]}}`
		fmt.Fprint(w, base64.StdEncoding.EncodeToString(stream.Crypt([]byte(body))))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectEndToEnd(t *testing.T) {
	srv := fakeCloud(t)

	client, err := Connect(context.Background(), Config{
		UserID:         "31415926535",
		Password:       "hunter2",
		Device:         "Bedroom Speaker",
		StateFile:      filepath.Join(t.TempDir(), "accounts.json"),
		LoginBaseURL:   srv.URL + "/pass",
		SpeakerBaseURL: srv.URL,
		ProfileBaseURL: srv.URL,
		ControlBaseURL: srv.URL,
	})
	require.NoError(t, err)

	speakerSession := client.Speaker.Session()
	assert.True(t, speakerSession.Ready())
	require.NotNil(t, speakerSession.Device)
	assert.Equal(t, "spk-1", speakerSession.Device.DeviceID)

	controlSession := client.Things.Session()
	require.NotNil(t, controlSession.Device)
	assert.Equal(t, "123", controlSession.Device.DID)
	assert.NotEqual(t, speakerSession, controlSession)

	// First tick primes over existing history without delivering.
	p := client.Messages()
	m, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, int64(1700000000000), p.Cursor())
}

func TestConnectPersistsSessions(t *testing.T) {
	srv := fakeCloud(t)
	stateFile := filepath.Join(t.TempDir(), "accounts.json")

	_, err := Connect(context.Background(), Config{
		UserID:         "31415926535",
		Password:       "hunter2",
		Device:         "Bedroom Speaker",
		StateFile:      stateFile,
		LoginBaseURL:   srv.URL + "/pass",
		SpeakerBaseURL: srv.URL,
		ProfileBaseURL: srv.URL,
		ControlBaseURL: srv.URL,
	})
	require.NoError(t, err)

	store := account.NewStore(stateFile)
	for _, service := range []account.Service{account.ServiceMiNA, account.ServiceMIoT} {
		s, err := store.Load(service)
		require.NoError(t, err)
		require.NotNil(t, s, service)
		assert.Equal(t, "stok", s.ServiceToken)
		assert.Equal(t, "ptok", s.PassToken())
		require.NotNil(t, s.Device)
	}
}

func TestConnectRejectsBadConfig(t *testing.T) {
	_, err := Connect(context.Background(), Config{UserID: "1", Password: "pw"})
	assert.Error(t, err, "device is required")

	_, err = Connect(context.Background(), Config{Device: "Speaker", UserID: "1"})
	assert.ErrorIs(t, err, account.ErrMissingCredentials)
}

func TestConnectFailsWhenDeviceMissing(t *testing.T) {
	srv := fakeCloud(t)

	_, err := Connect(context.Background(), Config{
		UserID:         "31415926535",
		Password:       "hunter2",
		Device:         "Garage Speaker",
		StateFile:      filepath.Join(t.TempDir(), "accounts.json"),
		LoginBaseURL:   srv.URL + "/pass",
		SpeakerBaseURL: srv.URL,
		ProfileBaseURL: srv.URL,
		ControlBaseURL: srv.URL,
	})
	assert.ErrorIs(t, err, account.ErrDeviceNotFound)
}
