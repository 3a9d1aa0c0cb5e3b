package storage

import (
	"time"
)

// Session is the single active credential set. Exactly one row (id = 1)
// exists; every write replaces it wholesale.
type Session struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	Mode       string    `json:"mode"` // "token" or "legacy"
	ParamsJSON string    `json:"-"`
	BaseURL    string    `json:"base_url"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Device is one monitored inverter, identified by (pn, sn).
type Device struct {
	PN      string `gorm:"primaryKey" json:"pn"`
	SN      string `gorm:"primaryKey" json:"sn"`
	Devcode string `json:"devcode"`
	Devaddr string `json:"devaddr"`
	Alias   string `json:"alias,omitempty"`
}

// LatestSnapshot holds the most recent full parameter dump per device.
// One row per device; each fetch overwrites in place.
type LatestSnapshot struct {
	PN        string `gorm:"primaryKey" json:"pn"`
	ParsJSON  string `json:"-"`
	GTS       string `json:"gts"`
	FetchedAt int64  `json:"fetched_at"`
}

func (LatestSnapshot) TableName() string { return "latest_data" }

// ChartPoint is one (device, field, timestamp) high-frequency sample.
type ChartPoint struct {
	PN    string  `gorm:"primaryKey" json:"-"`
	Field string  `gorm:"primaryKey" json:"-"`
	TS    string  `gorm:"primaryKey" json:"ts"`
	Val   float64 `json:"val"`
}

func (ChartPoint) TableName() string { return "chart_data" }

// KeyParamPoint is one (device, parameter, timestamp) daily-aggregated
// sample. Never pruned.
type KeyParamPoint struct {
	PN        string  `gorm:"primaryKey" json:"-"`
	Parameter string  `gorm:"primaryKey" json:"-"`
	TS        string  `gorm:"primaryKey" json:"ts"`
	Val       float64 `json:"val"`
}

func (KeyParamPoint) TableName() string { return "key_param_data" }
