package dess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// shortTimeout covers login, directory and single-snapshot calls.
	shortTimeout = 15 * time.Second
	// longTimeout covers chart range calls; the remote service is slow
	// when asked for wide date ranges.
	longTimeout = 45 * time.Second
)

// RemoteError is the single failure shape of the remote boundary. A
// non-zero envelope code, a transport failure and a malformed body all
// end up here; callers treat them uniformly.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("dess api error err=%d: %s", e.Code, e.Message)
}

func transportError(err error) *RemoteError {
	return &RemoteError{Code: -1, Message: err.Error()}
}

// Client performs HTTP calls against the monitoring API and decodes its
// response envelope.
type Client struct {
	http   *http.Client
	signer *Signer
}

func NewClient(signer *Signer) *Client {
	return &Client{
		// Per-request timeouts come from the request context.
		http:   &http.Client{},
		signer: signer,
	}
}

func (c *Client) Signer() *Signer {
	return c.signer
}

// call performs one GET and decodes the envelope. Any failure mode is
// normalized into *RemoteError.
func (c *Client) call(ctx context.Context, url string, timeout time.Duration, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return transportError(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteError{Code: -1, Message: fmt.Sprintf("bad status: %s", resp.Status)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &RemoteError{Code: -1, Message: fmt.Sprintf("malformed envelope: %v", err)}
	}
	if env.Err != 0 {
		msg := env.Desc
		if msg == "" {
			msg = "(no description)"
		}
		return &RemoteError{Code: env.Err, Message: msg}
	}
	if out != nil {
		if len(env.Dat) == 0 || string(env.Dat) == "null" {
			return &RemoteError{Code: -1, Message: "empty dat in response"}
		}
		if err := json.Unmarshal(env.Dat, out); err != nil {
			return &RemoteError{Code: -1, Message: fmt.Sprintf("malformed dat: %v", err)}
		}
	}
	return nil
}

// Login performs authSource and returns the issued token and secret.
func (c *Client) Login(ctx context.Context, baseURL, usr, pwd, companyKey string) (*LoginResult, error) {
	url := c.signer.LoginURL(baseURL, usr, pwd, companyKey)
	var result LoginResult
	if err := c.call(ctx, url, shortTimeout, &result); err != nil {
		return nil, err
	}
	if result.Token == "" || result.Secret == "" {
		return nil, &RemoteError{Code: -1, Message: "auth response missing token or secret"}
	}
	return &result, nil
}

// QueryDevices fetches the device directory via webQueryDeviceEs.
func (c *Client) QueryDevices(ctx context.Context, baseURL, token, secret string) ([]DeviceInfo, error) {
	url := c.signer.SignedURL(baseURL, "webQueryDeviceEs", token, secret, []Param{
		{"devtype", "2304"},
		{"page", "0"},
		{"pagesize", "15"},
	})
	var data deviceListData
	if err := c.call(ctx, url, shortTimeout, &data); err != nil {
		return nil, err
	}
	devices := make([]DeviceInfo, 0, len(data.Device))
	for _, d := range data.Device {
		if d.PN == "" || d.SN == "" {
			continue
		}
		devices = append(devices, DeviceInfo{
			PN:       d.PN,
			SN:       d.SN,
			Devcode:  d.Devcode.String(),
			Devaddr:  d.Devaddr.String(),
			Devalias: d.Devalias,
		})
	}
	return devices, nil
}

// LatestData fetches the most recent full parameter dump for a device.
// The URL must already be signed (see session.Manager.BuildURL).
func (c *Client) LatestData(ctx context.Context, url string) (*LatestData, error) {
	var data LatestData
	if err := c.call(ctx, url, shortTimeout, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ChartFieldDetail fetches chart samples for one field and date range.
func (c *Client) ChartFieldDetail(ctx context.Context, url string) ([]ChartPoint, error) {
	var points []ChartPoint
	if err := c.call(ctx, url, longTimeout, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// KeyParameterOneDay fetches daily-aggregated samples for one parameter.
func (c *Client) KeyParameterOneDay(ctx context.Context, url string) ([]KeyParamPoint, error) {
	var data keyParamData
	if err := c.call(ctx, url, shortTimeout, &data); err != nil {
		return nil, err
	}
	if data.Detail == nil {
		return nil, &RemoteError{Code: -1, Message: "missing detail in response"}
	}
	return data.Detail, nil
}
