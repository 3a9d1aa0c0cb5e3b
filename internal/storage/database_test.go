package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	db := newTestDatabase(t)

	sess, err := db.GetSession()
	require.NoError(t, err)
	assert.Nil(t, sess)

	require.NoError(t, db.PutSession("token", map[string]string{
		"token": "tok", "secret": "sec", "pn": "P1",
	}, "https://base/"))

	sess, err = db.GetSession()
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "token", sess.Mode)
	assert.Equal(t, "https://base/", sess.BaseURL)
	assert.Equal(t, "tok", sess.Params()["token"])
	assert.Equal(t, "P1", sess.Params()["pn"])
}

func TestPutSessionReplacesWholesale(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.PutSession("legacy", map[string]string{
		"sign": "abc", "salt": "1", "token": "old",
	}, "https://old/"))
	require.NoError(t, db.PutSession("token", map[string]string{
		"token": "new", "secret": "sec",
	}, "https://new/"))

	sess, err := db.GetSession()
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "token", sess.Mode)
	assert.Equal(t, "https://new/", sess.BaseURL)
	// No field of the old session survives.
	assert.Empty(t, sess.Params()["sign"])
	assert.Equal(t, "new", sess.Params()["token"])
}

func TestClearSessionForgetsDevices(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.PutSession("token", map[string]string{"token": "t"}, "https://b/"))
	require.NoError(t, db.ReplaceDevices([]Device{{PN: "P1", SN: "S1"}}))

	require.NoError(t, db.ClearSession())

	sess, err := db.GetSession()
	require.NoError(t, err)
	assert.Nil(t, sess)

	devices, err := db.ListDevices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestReplaceDevices(t *testing.T) {
	db := newTestDatabase(t)

	require.NoError(t, db.ReplaceDevices([]Device{
		{PN: "P1", SN: "S1", Devcode: "2477", Devaddr: "5"},
		{PN: "P2", SN: "S2", Devcode: "2477", Devaddr: "6"},
	}))

	// A refresh replaces the whole set: stale devices never linger.
	require.NoError(t, db.ReplaceDevices([]Device{
		{PN: "P3", SN: "S3", Devcode: "2477", Devaddr: "7", Alias: "garage"},
	}))

	devices, err := db.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "P3", devices[0].PN)
	assert.Equal(t, "garage", devices[0].Alias)

	device, err := db.GetDevice("P3")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, "S3", device.SN)

	missing, err := db.GetDevice("P1")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
