package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"dess-monitor/config"
	"dess-monitor/internal/dess"
	"dess-monitor/internal/storage"
)

// ErrNoSession means no credentials are stored and a fetch cannot
// proceed. Callers log and skip; it is never fatal to the process.
var ErrNoSession = errors.New("no stored session")

// Session modes.
const (
	ModeToken  = "token"
	ModeLegacy = "legacy"
)

// keptParams are the query parameters worth keeping from a pasted
// signed URL.
var keptParams = map[string]bool{
	"sign":    true,
	"salt":    true,
	"token":   true,
	"pn":      true,
	"sn":      true,
	"source":  true,
	"devcode": true,
	"devaddr": true,
	"i18n":    true,
}

// deviceParamKeys identify a device inside session params. They survive
// session overwrites.
var deviceParamKeys = []string{"pn", "sn", "devcode", "devaddr"}

// Manager owns the credential lifecycle: storing sessions from login or
// URL capture, re-issuing them from fallback credentials, and building
// signed request URLs from whatever session is active.
type Manager struct {
	db     *storage.Database
	client *dess.Client
	cfg    *config.DessConfig
	log    *zap.SugaredLogger
}

func NewManager(db *storage.Database, client *dess.Client, cfg *config.DessConfig, log *zap.SugaredLogger) *Manager {
	return &Manager{db: db, client: client, cfg: cfg, log: log}
}

// Get returns the active session, or nil when none is stored.
func (m *Manager) Get() (*storage.Session, error) {
	return m.db.GetSession()
}

// Clear deletes the session and forgets all tracked devices.
func (m *Manager) Clear() error {
	return m.db.ClearSession()
}

// StoreFromLogin replaces the session with a token-mode one. Device
// identifiers already known from the previous session are preserved
// unless the caller supplies new ones.
func (m *Manager) StoreFromLogin(token, secret, baseURL string, deviceParams map[string]string) error {
	params := map[string]string{
		"token":  token,
		"secret": secret,
		"source": "1",
	}
	old, err := m.db.GetSession()
	if err != nil {
		return err
	}
	if old != nil {
		oldParams := old.Params()
		for _, k := range deviceParamKeys {
			if v := oldParams[k]; v != "" {
				params[k] = v
			}
		}
	}
	for k, v := range deviceParams {
		if v != "" {
			params[k] = v
		}
	}
	if baseURL == "" {
		baseURL = m.cfg.BaseURL
	}
	return m.db.PutSession(ModeToken, params, baseURL)
}

// StoreFromURL captures a legacy session from an already-signed URL
// pasted out of a browser. Only the parameters needed to replay requests
// are kept.
func (m *Manager) StoreFromURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid signed url")
	}
	params := map[string]string{}
	for k, vs := range parsed.Query() {
		if keptParams[k] && len(vs) > 0 && vs[0] != "" {
			params[k] = vs[0]
		}
	}
	if params["sign"] == "" || params["salt"] == "" {
		return fmt.Errorf("signed url is missing sign or salt")
	}
	baseURL := parsed.Scheme + "://" + parsed.Host + parsed.Path
	return m.db.PutSession(ModeLegacy, params, baseURL)
}

// HasFallbackCredentials reports whether a silent re-login is possible.
func (m *Manager) HasFallbackCredentials() bool {
	return m.cfg.HasFallbackCredentials()
}

// ReauthenticateFromFallback performs a fresh login with the configured
// fallback credentials and atomically replaces the stored session,
// preserving known device identifiers. Returns false, leaving the old
// session intact, when credentials are absent or the login fails.
func (m *Manager) ReauthenticateFromFallback(ctx context.Context) bool {
	if !m.HasFallbackCredentials() {
		return false
	}
	if err := m.LoginAndStore(ctx, m.cfg.Usr, m.cfg.Pwd, m.cfg.CompanyKey, m.cfg.BaseURL, nil); err != nil {
		m.log.Warnw("fallback login failed", "error", err)
		return false
	}
	m.log.Infow("session re-established from fallback credentials")
	return true
}

// LoginAndStore performs a login, refreshes the device directory
// best-effort, and replaces the stored session. The old session stays
// intact on any login failure.
func (m *Manager) LoginAndStore(ctx context.Context, usr, pwd, companyKey, baseURL string, deviceParams map[string]string) error {
	if baseURL == "" {
		baseURL = m.cfg.BaseURL
	}
	result, err := m.client.Login(ctx, baseURL, usr, pwd, companyKey)
	if err != nil {
		return err
	}

	if len(deviceParams) == 0 {
		deviceParams = map[string]string{}
		oldHasDevice := false
		if old, err := m.db.GetSession(); err == nil && old != nil && old.Params()["pn"] != "" {
			oldHasDevice = true
		}
		if m.cfg.Device.HasFixedDevice() {
			deviceParams["pn"] = m.cfg.Device.PN
			deviceParams["sn"] = m.cfg.Device.SN
			deviceParams["devcode"] = m.cfg.Device.Devcode
			deviceParams["devaddr"] = m.cfg.Device.Devaddr
			if err := m.db.ReplaceDevices([]storage.Device{{
				PN:      m.cfg.Device.PN,
				SN:      m.cfg.Device.SN,
				Devcode: m.cfg.Device.Devcode,
				Devaddr: m.cfg.Device.Devaddr,
			}}); err != nil {
				m.log.Warnw("failed to store fixed device", "error", err)
			}
		} else if devices, err := m.client.QueryDevices(ctx, baseURL, result.Token, result.Secret); err != nil {
			// Directory refresh is best-effort; the old device set stays.
			m.log.Warnw("device directory refresh failed", "error", err)
		} else if err := m.saveDevices(devices); err != nil {
			m.log.Warnw("failed to store device directory", "error", err)
		} else if len(devices) > 0 && !oldHasDevice {
			// Seed from the directory only when the previous session did
			// not already identify a device.
			deviceParams["pn"] = devices[0].PN
			deviceParams["sn"] = devices[0].SN
			deviceParams["devcode"] = devices[0].Devcode
			deviceParams["devaddr"] = devices[0].Devaddr
		}
	}

	return m.StoreFromLogin(result.Token, result.Secret, baseURL, deviceParams)
}

// UpdateDeviceParams merges new device identifiers into the active
// session. Empty values are ignored.
func (m *Manager) UpdateDeviceParams(deviceParams map[string]string) (*storage.Session, error) {
	sess, err := m.db.GetSession()
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	params := sess.Params()
	for _, k := range deviceParamKeys {
		if v := deviceParams[k]; v != "" {
			params[k] = v
		}
	}
	if err := m.db.PutSession(sess.Mode, params, sess.BaseURL); err != nil {
		return nil, err
	}
	return m.db.GetSession()
}

// BuildURL builds a signed request URL for an action against the device
// identified by pn, using the active session. Legacy sessions replay
// their captured signature; token sessions mint a fresh one.
func (m *Manager) BuildURL(action string, extra []dess.Param, pn string) (string, error) {
	session, err := m.db.GetSession()
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", ErrNoSession
	}
	params := session.Params()

	deviceParams := m.resolveDevice(params, pn)
	if session.Mode == ModeToken && params["secret"] != "" {
		all := append(deviceParams, extra...)
		return m.client.Signer().SignedURL(session.BaseURL, action, params["token"], params["secret"], all), nil
	}
	all := append(deviceParams, extra...)
	return dess.LegacyURL(session.BaseURL, params, action, all), nil
}

// resolveDevice picks device identifiers for a request: the tracked
// device row for pn when one exists, else whatever the session carries.
func (m *Manager) resolveDevice(sessionParams map[string]string, pn string) []dess.Param {
	if pn != "" {
		if device, err := m.db.GetDevice(pn); err == nil && device != nil {
			return []dess.Param{
				{Key: "pn", Value: device.PN},
				{Key: "devcode", Value: device.Devcode},
				{Key: "sn", Value: device.SN},
				{Key: "devaddr", Value: device.Devaddr},
			}
		}
		return []dess.Param{{Key: "pn", Value: pn}}
	}
	var out []dess.Param
	for _, k := range deviceParamKeys {
		if v := sessionParams[k]; v != "" {
			out = append(out, dess.Param{Key: k, Value: v})
		}
	}
	return out
}

// ListDevices returns the tracked device set.
func (m *Manager) ListDevices() ([]storage.Device, error) {
	return m.db.ListDevices()
}

// RefreshDevices re-fetches the device directory and replaces the
// tracked set. Requires a token-mode session.
func (m *Manager) RefreshDevices(ctx context.Context) ([]storage.Device, error) {
	session, err := m.db.GetSession()
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoSession
	}
	params := session.Params()
	if params["secret"] == "" {
		return nil, fmt.Errorf("device directory requires a token session")
	}
	devices, err := m.client.QueryDevices(ctx, session.BaseURL, params["token"], params["secret"])
	if err != nil {
		return nil, err
	}
	if err := m.saveDevices(devices); err != nil {
		return nil, err
	}
	return m.db.ListDevices()
}

func (m *Manager) saveDevices(devices []dess.DeviceInfo) error {
	rows := make([]storage.Device, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, storage.Device{
			PN:      d.PN,
			SN:      d.SN,
			Devcode: d.Devcode,
			Devaddr: d.Devaddr,
			Alias:   d.Devalias,
		})
	}
	return m.db.ReplaceDevices(rows)
}
