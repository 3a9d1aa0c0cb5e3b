package dess

import "encoding/json"

// Timestamp layouts used on the wire. Samples and date-range parameters
// are exchanged as local-time strings in these formats, which also sort
// lexicographically in chronological order.
const (
	TimeLayout = "2006-01-02 15:04:05"
	DateLayout = "2006-01-02"
)

// envelope is the remote API's uniform response wrapper.
type envelope struct {
	Err  int             `json:"err"`
	Desc string          `json:"desc"`
	Dat  json.RawMessage `json:"dat"`
}

// LoginResult carries the credential pair issued by authSource.
type LoginResult struct {
	Token  string `json:"token"`
	Secret string `json:"secret"`
}

// DeviceInfo is one entry of the webQueryDeviceEs directory listing.
type DeviceInfo struct {
	PN       string `json:"pn"`
	SN       string `json:"sn"`
	Devcode  string `json:"devcode"`
	Devaddr  string `json:"devaddr"`
	Devalias string `json:"devalias"`
}

type deviceListData struct {
	Total  int `json:"total"`
	Device []struct {
		PN       string      `json:"pn"`
		SN       string      `json:"sn"`
		Devcode  json.Number `json:"devcode"`
		Devaddr  json.Number `json:"devaddr"`
		Devalias string      `json:"devalias"`
	} `json:"device"`
}

// LatestData is the querySPDeviceLastData payload: a generation timestamp
// plus instrument readings grouped by section (gd_ grid, sy_ system,
// pv_ solar, bt_ battery, bc_ output). Pars is kept as raw JSON and
// stored verbatim; the poller never interprets individual readings.
type LatestData struct {
	GTS  string          `json:"gts"`
	Pars json.RawMessage `json:"pars"`
}

// ChartPoint is one sample of queryDeviceChartFieldDetailData.
type ChartPoint struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// KeyParamPoint is one sample of querySPDeviceKeyParameterOneDay.
type KeyParamPoint struct {
	TS  string `json:"ts"`
	Val string `json:"val"`
}

type keyParamData struct {
	Detail []KeyParamPoint `json:"detail"`
}
