package mina

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangyuan292/migpt-next/internal/account"
	"github.com/wangyuan292/migpt-next/internal/transport"
)

func testSession() *account.Session {
	return &account.Session{
		Service:      account.ServiceMiNA,
		UserID:       "42",
		ServiceToken: "tok",
		Device: &account.Device{
			DeviceID:     "spk-1",
			SerialNumber: "sn-1",
			Hardware:     "L05B",
			Name:         "Bedroom Speaker",
			Alias:        "bedroom",
		},
	}
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(transport.New(0, nil), testSession())
	c.BaseURL = srv.URL
	c.ProfileURL = srv.URL
	return c
}

func TestResolveDevice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/v2/device_list", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("requestId"))
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
		ck, err := r.Cookie("serviceToken")
		require.NoError(t, err)
		assert.Equal(t, "tok", ck.Value)
		fmt.Fprint(w, `{"code":0,"data":[
			{"deviceID":"other","name":"Kitchen","hardware":"LX06"},
			{"deviceID":"spk-9","name":"客厅音箱","alias":"living room","serialNumber":"sn-9","hardware":"L05C","deviceSNProfile":"profile-9"}
		]}`)
	})
	c := testClient(t, mux)
	c.session.Device = nil

	require.NoError(t, c.ResolveDevice(context.Background(), "living room"))
	require.NotNil(t, c.session.Device)
	assert.Equal(t, "spk-9", c.session.Device.DeviceID)
	assert.Equal(t, "profile-9", c.session.Device.DeviceSNProfile)

	err := c.ResolveDevice(context.Background(), "garage")
	assert.ErrorIs(t, err, account.ErrDeviceNotFound)
}

func TestPlayStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/remote/ubus", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "spk-1", r.PostForm.Get("deviceId"))
		assert.Equal(t, "mediaplayer", r.PostForm.Get("path"))
		assert.Equal(t, "player_get_play_status", r.PostForm.Get("method"))
		assert.JSONEq(t, `{}`, r.PostForm.Get("message"))

		info := `{"status":1,"volume":42,"media_type":3,"loop_type":1}`
		payload, _ := json.Marshal(map[string]any{"code": 0, "info": info})
		fmt.Fprintf(w, `{"code":0,"data":%s}`, payload)
	})
	c := testClient(t, mux)

	state, err := c.PlayStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "playing", state.Status)
	assert.Equal(t, 42, state.Volume)

	vol, err := c.Volume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, vol)
}

func TestSetVolumeClamps(t *testing.T) {
	var got []float64
	mux := http.NewServeMux()
	mux.HandleFunc("/remote/ubus", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "player_set_volume", r.PostForm.Get("method"))
		var msg struct {
			Volume float64 `json:"volume"`
		}
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("message")), &msg))
		got = append(got, msg.Volume)
		fmt.Fprint(w, `{"code":0,"data":{"code":0}}`)
	})
	c := testClient(t, mux)

	require.NoError(t, c.SetVolume(context.Background(), 3))
	require.NoError(t, c.SetVolume(context.Background(), 150))
	require.NoError(t, c.SetVolume(context.Background(), 50))
	assert.Equal(t, []float64{6, 100, 50}, got)
}

func TestSayAndPlayback(t *testing.T) {
	type call struct{ path, method, message string }
	var calls []call
	mux := http.NewServeMux()
	mux.HandleFunc("/remote/ubus", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		calls = append(calls, call{
			path:    r.PostForm.Get("path"),
			method:  r.PostForm.Get("method"),
			message: r.PostForm.Get("message"),
		})
		fmt.Fprint(w, `{"code":0,"data":{"code":0}}`)
	})
	c := testClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Say(ctx, "你好"))
	require.NoError(t, c.PlayURL(ctx, "https://cdn.example/a.mp3"))
	require.NoError(t, c.Pause(ctx))
	require.NoError(t, c.Play(ctx))

	require.Len(t, calls, 4)
	assert.Equal(t, "mibrain", calls[0].path)
	assert.Equal(t, "text_to_speech", calls[0].method)
	assert.JSONEq(t, `{"text":"你好","save":0}`, calls[0].message)
	assert.JSONEq(t, `{"url":"https://cdn.example/a.mp3","type":1}`, calls[1].message)
	assert.JSONEq(t, `{"action":"pause"}`, calls[2].message)
	assert.JSONEq(t, `{"action":"play"}`, calls[3].message)
}

func TestEnvelopeErrorSurfaces(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":100,"message":"denied"}`)
	}))

	err := c.Pause(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 100")
	assert.Contains(t, err.Error(), "denied")
}

func TestUbusFirmwareErrorSurfaces(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"code":-5,"info":""}}`)
	}))

	err := c.Stop(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code -5")
}

func TestConversations(t *testing.T) {
	records := `{"records":[
		{"requestId":"req-2","query":"今天天气","time":2000,"answers":[{"type":"TTS","tts":{"text":"晴"}}]},
		{"requestId":"req-1","query":"放首歌","time":1000,"answers":[{"type":"TTS"},{"type":"AUDIO"}]}
	],"nextEndTime":999}`

	mux := http.NewServeMux()
	mux.HandleFunc("/device_profile/v2/conversation", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("limit"))
		assert.Equal(t, "5000", q.Get("timestamp"))
		assert.Equal(t, "dialogu", q.Get("source"))
		assert.Equal(t, "L05B", q.Get("hardware"))
		assert.NotEmpty(t, q.Get("requestId"))
		assert.Equal(t, kConversationReferer, r.Header.Get("Referer"))
		assert.Contains(t, r.Header.Get("User-Agent"), "micoSoundboxApp")
		ck, err := r.Cookie("deviceId")
		require.NoError(t, err)
		assert.Equal(t, "spk-1", ck.Value)

		// The record list travels JSON-encoded inside the data string.
		payload, _ := json.Marshal(records)
		fmt.Fprintf(w, `{"code":0,"data":%s}`, payload)
	})
	c := testClient(t, mux)

	page, err := c.Conversations(context.Background(), 2, 5000)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "今天天气", page.Records[0].Query)
	assert.Equal(t, int64(2000), page.Records[0].Time)
	require.Len(t, page.Records[0].Answers, 1)
	assert.Equal(t, "TTS", page.Records[0].Answers[0].Type)
	assert.Equal(t, "晴", page.Records[0].Answers[0].TTS.Text)
	require.Len(t, page.Records[1].Answers, 2)
	assert.Equal(t, int64(999), page.NextEndTime)
}

func TestConversationsOmitsZeroTimestamp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/device_profile/v2/conversation", func(w http.ResponseWriter, r *http.Request) {
		_, present := r.URL.Query()["timestamp"]
		assert.False(t, present)
		fmt.Fprint(w, `{"code":0,"data":"{\"records\":[],\"nextEndTime\":0}"}`)
	})
	c := testClient(t, mux)

	page, err := c.Conversations(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}
