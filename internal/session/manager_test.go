package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dess-monitor/config"
	"dess-monitor/internal/dess"
	"dess-monitor/internal/logging"
	"dess-monitor/internal/storage"
)

func newTestDB(t *testing.T) *storage.Database {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestManager(t *testing.T, db *storage.Database, cfg *config.DessConfig) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = &config.DessConfig{BaseURL: dess.DefaultBaseURL}
	}
	client := dess.NewClient(dess.NewSigner())
	return NewManager(db, client, cfg, logging.Nop())
}

// fakeRemote serves login and directory responses keyed by action.
func fakeRemote(t *testing.T, loginOK bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "authSource":
			if loginOK {
				w.Write([]byte(`{"err":0,"dat":{"token":"newTok","secret":"newSec"}}`))
			} else {
				w.Write([]byte(`{"err":3,"desc":"ERR_PASSWORD"}`))
			}
		case "webQueryDeviceEs":
			w.Write([]byte(`{"err":0,"dat":{"total":1,"device":[{"pn":"D1","sn":"DS1","devcode":2477,"devaddr":5}]}}`))
		default:
			w.Write([]byte(`{"err":6,"desc":"ERR_FORMAT_ERROR"}`))
		}
	}))
}

func TestStoreFromURL(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db, nil)

	t.Run("captures only replayable params", func(t *testing.T) {
		err := m.StoreFromURL("https://web.dessmonitor.com/public/?sign=abc&salt=123&token=tok&action=querySPDeviceLastData&pn=P1&sn=S1&source=1&i18n=en_US&junk=drop")
		require.NoError(t, err)

		sess, err := m.Get()
		require.NoError(t, err)
		require.NotNil(t, sess)
		assert.Equal(t, ModeLegacy, sess.Mode)
		assert.Equal(t, "https://web.dessmonitor.com/public/", sess.BaseURL)
		params := sess.Params()
		assert.Equal(t, "abc", params["sign"])
		assert.Equal(t, "P1", params["pn"])
		assert.Empty(t, params["action"])
		assert.Empty(t, params["junk"])
	})

	t.Run("rejects url without signature", func(t *testing.T) {
		err := m.StoreFromURL("https://web.dessmonitor.com/public/?token=tok")
		assert.Error(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		assert.Error(t, m.StoreFromURL("not a url"))
	})
}

func TestStoreFromLoginPreservesDeviceParams(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db, nil)

	require.NoError(t, db.PutSession(ModeToken, map[string]string{
		"token": "old", "secret": "old", "pn": "P1", "sn": "S1",
	}, "https://api/"))

	require.NoError(t, m.StoreFromLogin("newTok", "newSec", "https://api/", nil))

	sess, err := m.Get()
	require.NoError(t, err)
	params := sess.Params()
	assert.Equal(t, "newTok", params["token"])
	assert.Equal(t, "newSec", params["secret"])
	assert.Equal(t, "P1", params["pn"])
	assert.Equal(t, "S1", params["sn"])
}

func TestReauthenticateFromFallback(t *testing.T) {
	t.Run("false without fallback credentials", func(t *testing.T) {
		db := newTestDB(t)
		m := newTestManager(t, db, &config.DessConfig{BaseURL: dess.DefaultBaseURL})
		assert.False(t, m.ReauthenticateFromFallback(context.Background()))
	})

	t.Run("false and old session intact when login fails", func(t *testing.T) {
		server := fakeRemote(t, false)
		defer server.Close()

		db := newTestDB(t)
		require.NoError(t, db.PutSession(ModeToken, map[string]string{
			"token": "old", "secret": "old",
		}, server.URL+"/"))
		m := newTestManager(t, db, &config.DessConfig{
			BaseURL: server.URL + "/", Usr: "u", Pwd: "p", CompanyKey: "k",
		})

		assert.False(t, m.ReauthenticateFromFallback(context.Background()))

		sess, err := m.Get()
		require.NoError(t, err)
		assert.Equal(t, "old", sess.Params()["token"])
	})

	t.Run("replaces session and keeps device identity", func(t *testing.T) {
		server := fakeRemote(t, true)
		defer server.Close()

		db := newTestDB(t)
		require.NoError(t, db.PutSession(ModeToken, map[string]string{
			"token": "old", "secret": "old", "pn": "P1", "sn": "S1",
		}, server.URL+"/"))
		m := newTestManager(t, db, &config.DessConfig{
			BaseURL: server.URL + "/", Usr: "u", Pwd: "p", CompanyKey: "k",
		})

		assert.True(t, m.ReauthenticateFromFallback(context.Background()))

		sess, err := m.Get()
		require.NoError(t, err)
		params := sess.Params()
		assert.Equal(t, "newTok", params["token"])
		assert.Equal(t, "newSec", params["secret"])
		assert.Equal(t, "P1", params["pn"])

		// Directory refresh replaced the tracked set.
		devices, err := m.ListDevices()
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, "D1", devices[0].PN)
	})

	t.Run("seeds device from directory when session has none", func(t *testing.T) {
		server := fakeRemote(t, true)
		defer server.Close()

		db := newTestDB(t)
		m := newTestManager(t, db, &config.DessConfig{
			BaseURL: server.URL + "/", Usr: "u", Pwd: "p", CompanyKey: "k",
		})

		assert.True(t, m.ReauthenticateFromFallback(context.Background()))

		sess, err := m.Get()
		require.NoError(t, err)
		assert.Equal(t, "D1", sess.Params()["pn"])
	})

	t.Run("fixed device skips directory lookup", func(t *testing.T) {
		directoryCalled := false
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Query().Get("action") {
			case "authSource":
				w.Write([]byte(`{"err":0,"dat":{"token":"t","secret":"s"}}`))
			case "webQueryDeviceEs":
				directoryCalled = true
				w.Write([]byte(`{"err":0,"dat":{"device":[]}}`))
			}
		}))
		defer server.Close()

		db := newTestDB(t)
		m := newTestManager(t, db, &config.DessConfig{
			BaseURL: server.URL + "/", Usr: "u", Pwd: "p", CompanyKey: "k",
			Device: config.DeviceConfig{PN: "FIX1", SN: "FS1", Devcode: "2477", Devaddr: "1"},
		})

		assert.True(t, m.ReauthenticateFromFallback(context.Background()))
		assert.False(t, directoryCalled)

		devices, err := m.ListDevices()
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, "FIX1", devices[0].PN)
	})
}

func TestBuildURL(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		db := newTestDB(t)
		m := newTestManager(t, db, nil)
		_, err := m.BuildURL("querySPDeviceLastData", nil, "P1")
		assert.ErrorIs(t, err, ErrNoSession)
	})

	t.Run("token session mints a fresh signature", func(t *testing.T) {
		db := newTestDB(t)
		m := newTestManager(t, db, nil)
		require.NoError(t, db.PutSession(ModeToken, map[string]string{
			"token": "tok", "secret": "sec", "pn": "P1", "sn": "S1",
		}, "https://api/"))

		url, err := m.BuildURL("querySPDeviceLastData", []dess.Param{{Key: "i18n", Value: "en_US"}}, "")
		require.NoError(t, err)
		assert.Contains(t, url, "action=querySPDeviceLastData")
		assert.Contains(t, url, "sign=")
		assert.Contains(t, url, "salt=")
		assert.Contains(t, url, "pn=P1")
		assert.NotContains(t, url, "secret")
	})

	t.Run("legacy session replays the captured signature", func(t *testing.T) {
		db := newTestDB(t)
		m := newTestManager(t, db, nil)
		require.NoError(t, db.PutSession(ModeLegacy, map[string]string{
			"sign": "abc", "salt": "123", "token": "tok", "pn": "P1",
		}, "https://api/"))

		url, err := m.BuildURL("queryDeviceChartFieldDetailData", nil, "")
		require.NoError(t, err)
		assert.Contains(t, url, "sign=abc")
		assert.Contains(t, url, "salt=123")
		assert.Contains(t, url, "action=queryDeviceChartFieldDetailData")
	})

	t.Run("tracked device row wins over session params", func(t *testing.T) {
		db := newTestDB(t)
		m := newTestManager(t, db, nil)
		require.NoError(t, db.PutSession(ModeToken, map[string]string{
			"token": "tok", "secret": "sec", "pn": "P1", "sn": "S1",
		}, "https://api/"))
		require.NoError(t, db.ReplaceDevices([]storage.Device{
			{PN: "P2", SN: "S2", Devcode: "2477", Devaddr: "6"},
		}))

		url, err := m.BuildURL("querySPDeviceLastData", nil, "P2")
		require.NoError(t, err)
		assert.Contains(t, url, "pn=P2")
		assert.Contains(t, url, "sn=S2")
		assert.NotContains(t, url, "pn=P1")
	})
}

func TestUpdateDeviceParams(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db, nil)

	_, err := m.UpdateDeviceParams(map[string]string{"pn": "P1"})
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, db.PutSession(ModeToken, map[string]string{
		"token": "tok", "secret": "sec", "pn": "P1",
	}, "https://api/"))

	sess, err := m.UpdateDeviceParams(map[string]string{"pn": "P9", "devaddr": "7"})
	require.NoError(t, err)
	params := sess.Params()
	assert.Equal(t, "P9", params["pn"])
	assert.Equal(t, "7", params["devaddr"])
	assert.Equal(t, "tok", params["token"])
}

func TestClearForgetsDevices(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db, nil)
	require.NoError(t, db.PutSession(ModeToken, map[string]string{"token": "t"}, "https://b/"))
	require.NoError(t, db.ReplaceDevices([]storage.Device{{PN: "P1", SN: "S1"}}))

	require.NoError(t, m.Clear())

	sess, err := m.Get()
	require.NoError(t, err)
	assert.Nil(t, sess)
	devices, err := m.ListDevices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}
