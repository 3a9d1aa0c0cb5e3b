package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dess-monitor/internal/dess"
	"dess-monitor/internal/session"
	"dess-monitor/internal/storage"
)

// ChartFields are the high-frequency fields served by
// queryDeviceChartFieldDetailData.
var ChartFields = []string{
	"bt_battery_voltage",
	"bt_battery_capacity",
	"bt_battery_charging_current",
	"pv_output_power",
	"pv_input_voltage",
	"gd_ac_input_voltage",
	"gd_ac_input_frequency",
	"bc_output_apparent_power",
	"bc_output_voltage",
}

// KeyParameters are the daily-aggregated parameters served by
// querySPDeviceKeyParameterOneDay.
var KeyParameters = []string{
	"GRID_ACTIVE_POWER",
	"PV_ACTIVE_POWER",
	"LOAD_ACTIVE_POWER",
	"BATTERY_ACTIVE_POWER",
	"BATTERY_VOLTAGE",
	"BATTERY_SOC",
}

// IsChartField reports whether the remote API serves a chart field of
// this name.
func IsChartField(field string) bool {
	for _, f := range ChartFields {
		if f == field {
			return true
		}
	}
	return false
}

// IsKeyParameter reports whether the remote API serves a key parameter
// of this name.
func IsKeyParameter(parameter string) bool {
	for _, p := range KeyParameters {
		if p == parameter {
			return true
		}
	}
	return false
}

// Service orchestrates single logical fetches against the remote API,
// including the relogin-and-retry-once recovery path, and persists the
// results.
type Service struct {
	client       *dess.Client
	sessions     *session.Manager
	db           *storage.Database
	log          *zap.SugaredLogger
	pace         time.Duration
	retention    int
	fastFields   []string
	perDayFields map[string]bool
}

type ServiceConfig struct {
	Client   *dess.Client
	Sessions *session.Manager
	Database *storage.Database
	Logger   *zap.SugaredLogger
	// PaceDelay spaces consecutive remote calls inside one sweep.
	PaceDelay time.Duration
	// RetentionDays bounds how much fast-field chart history is kept.
	RetentionDays int
	FastFields    []string
	PerDayFields  []string
}

func NewService(cfg ServiceConfig) *Service {
	pace := cfg.PaceDelay
	if pace <= 0 {
		pace = 500 * time.Millisecond
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 2
	}
	fast := cfg.FastFields
	if len(fast) == 0 {
		fast = []string{"bt_battery_voltage", "pv_output_power"}
	}
	perDay := make(map[string]bool, len(cfg.PerDayFields))
	for _, f := range cfg.PerDayFields {
		perDay[f] = true
	}
	return &Service{
		client:       cfg.Client,
		sessions:     cfg.Sessions,
		db:           cfg.Database,
		log:          cfg.Logger,
		pace:         pace,
		retention:    retention,
		fastFields:   fast,
		perDayFields: perDay,
	}
}

// FetchLatest pulls the current full parameter dump for a device and
// overwrites its snapshot row.
func (s *Service) FetchLatest(ctx context.Context, pn string) error {
	return s.withAuthRetry(ctx, "fetchLatest", pn, func(ctx context.Context) error {
		url, err := s.sessions.BuildURL("querySPDeviceLastData", []dess.Param{
			{Key: "i18n", Value: "en_US"},
		}, pn)
		if err != nil {
			return err
		}
		data, err := s.client.LatestData(ctx, url)
		if err != nil {
			return err
		}
		pars := string(data.Pars)
		if pars == "" || pars == "null" {
			pars = "{}"
		}
		return s.db.SaveSnapshot(&storage.LatestSnapshot{
			PN:        pn,
			ParsJSON:  pars,
			GTS:       data.GTS,
			FetchedAt: time.Now().Unix(),
		})
	})
}

// FetchChartField pulls chart samples for one field over [sdate, edate].
// Fields the remote API only serves one calendar day at a time are
// transparently split into consecutive single-day calls, paced to stay
// under the remote's rate limits; the overall fetch succeeds if at least
// one day did.
func (s *Service) FetchChartField(ctx context.Context, pn, field, sdate, edate string) error {
	days, err := splitDays(sdate, edate)
	if err != nil {
		return err
	}
	if len(days) == 1 || !s.perDayFields[field] {
		return s.fetchChartRange(ctx, pn, field, sdate, edate)
	}

	ok := 0
	var lastErr error
	for i, day := range days {
		if i > 0 {
			if err := s.pause(ctx); err != nil {
				return err
			}
		}
		daySdate := day + " 00:00:00"
		dayEdate := day + " 23:59:59"
		if err := s.fetchChartRange(ctx, pn, field, daySdate, dayEdate); err != nil {
			lastErr = err
			s.log.Warnw("chart day fetch failed", "pn", pn, "field", field, "day", day, "error", err)
			continue
		}
		ok++
	}
	if ok == 0 {
		return lastErr
	}
	return nil
}

func (s *Service) fetchChartRange(ctx context.Context, pn, field, sdate, edate string) error {
	return s.withAuthRetry(ctx, "fetchChartField "+field, pn, func(ctx context.Context) error {
		url, err := s.sessions.BuildURL("queryDeviceChartFieldDetailData", []dess.Param{
			{Key: "field", Value: field},
			{Key: "precision", Value: "5"},
			{Key: "sdate", Value: sdate},
			{Key: "edate", Value: edate},
			{Key: "i18n", Value: "en_US"},
			{Key: "chartStatus", Value: "false"},
		}, pn)
		if err != nil {
			return err
		}
		points, err := s.client.ChartFieldDetail(ctx, url)
		if err != nil {
			return err
		}
		rows := make([]storage.ChartPoint, 0, len(points))
		for _, p := range points {
			rows = append(rows, storage.ChartPoint{
				PN:    pn,
				Field: field,
				TS:    p.Key,
				Val:   parseVal(p.Val),
			})
		}
		if err := s.db.SaveChartPoints(rows); err != nil {
			return fmt.Errorf("failed to store chart points: %w", err)
		}
		s.log.Debugw("chart field stored", "pn", pn, "field", field, "points", len(rows))
		return nil
	})
}

// FetchKeyParameterOneDay pulls daily-aggregated samples for one
// parameter and one calendar day. The remote API never accepts more than
// a single day here.
func (s *Service) FetchKeyParameterOneDay(ctx context.Context, pn, parameter, date string) error {
	return s.withAuthRetry(ctx, "fetchKeyParameterOneDay "+parameter, pn, func(ctx context.Context) error {
		url, err := s.sessions.BuildURL("querySPDeviceKeyParameterOneDay", []dess.Param{
			{Key: "parameter", Value: parameter},
			{Key: "date", Value: date},
			{Key: "i18n", Value: "en_US"},
			{Key: "chartStatus", Value: "false"},
		}, pn)
		if err != nil {
			return err
		}
		points, err := s.client.KeyParameterOneDay(ctx, url)
		if err != nil {
			return err
		}
		rows := make([]storage.KeyParamPoint, 0, len(points))
		for _, p := range points {
			rows = append(rows, storage.KeyParamPoint{
				PN:        pn,
				Parameter: parameter,
				TS:        p.TS,
				Val:       parseVal(p.Val),
			})
		}
		if err := s.db.SaveKeyParamPoints(rows); err != nil {
			return fmt.Errorf("failed to store key parameter points: %w", err)
		}
		s.log.Debugw("key parameter stored", "pn", pn, "parameter", parameter, "date", date, "points", len(rows))
		return nil
	})
}

// FetchFastChart runs one fast chart cycle for a device: the configured
// fast fields over yesterday and today, followed by retention pruning
// for every field that got fresh data.
func (s *Service) FetchFastChart(ctx context.Context, pn string) {
	now := time.Now()
	today := now.Format(dess.DateLayout)
	yesterday := now.AddDate(0, 0, -1).Format(dess.DateLayout)
	cutoff := now.AddDate(0, 0, -s.retention).Format(dess.DateLayout) + " 00:00:00"

	for i, field := range s.fastFields {
		if i > 0 {
			if err := s.pause(ctx); err != nil {
				return
			}
		}
		err := s.FetchChartField(ctx, pn, field, yesterday+" 00:00:00", today+" 23:59:59")
		if err != nil {
			s.log.Warnw("fast chart fetch failed", "pn", pn, "field", field, "error", err)
			continue
		}
		if err := s.db.PruneChartField(pn, field, cutoff); err != nil {
			s.log.Warnw("chart prune failed", "pn", pn, "field", field, "error", err)
		}
	}
}

// FetchChartSweep pulls every known chart field for a device over
// [start, end], pacing the calls. Failures are logged per field and do
// not stop the sweep.
func (s *Service) FetchChartSweep(ctx context.Context, pn string, start, end time.Time) {
	sdate := start.Format(dess.DateLayout) + " 00:00:00"
	edate := end.Format(dess.DateLayout) + " 23:59:59"
	ok := 0
	for i, field := range ChartFields {
		if i > 0 {
			if err := s.pause(ctx); err != nil {
				return
			}
		}
		if err := s.FetchChartField(ctx, pn, field, sdate, edate); err != nil {
			s.log.Warnw("chart sweep field failed", "pn", pn, "field", field, "error", err)
			continue
		}
		ok++
	}
	s.log.Infow("chart sweep done", "pn", pn, "ok", ok, "fields", len(ChartFields))
}

// FetchKeyParamsForDate pulls every key parameter for one calendar day.
func (s *Service) FetchKeyParamsForDate(ctx context.Context, pn string, date time.Time) {
	dateStr := date.Format(dess.DateLayout)
	ok := 0
	for i, parameter := range KeyParameters {
		if i > 0 {
			if err := s.pause(ctx); err != nil {
				return
			}
		}
		if err := s.FetchKeyParameterOneDay(ctx, pn, parameter, dateStr); err != nil {
			s.log.Warnw("key parameter fetch failed", "pn", pn, "parameter", parameter, "date", dateStr, "error", err)
			continue
		}
		ok++
	}
	s.log.Infow("key parameter sweep done", "pn", pn, "date", dateStr, "ok", ok, "parameters", len(KeyParameters))
}

// withAuthRetry runs one fetch attempt. On failure it checks for
// fallback credentials, re-authenticates, and retries the attempt exactly
// once with the new session. There is no second retry and no backoff:
// this is a single-shot recovery path, not a retry loop.
func (s *Service) withAuthRetry(ctx context.Context, label, pn string, op func(context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrNoSession) && !s.sessions.HasFallbackCredentials() {
		return err
	}
	if !s.sessions.HasFallbackCredentials() {
		return fmt.Errorf("%s (pn=%s): %w", label, pn, err)
	}
	if !s.sessions.ReauthenticateFromFallback(ctx) {
		return fmt.Errorf("%s (pn=%s): reauthentication failed after: %w", label, pn, err)
	}
	if retryErr := op(ctx); retryErr != nil {
		return fmt.Errorf("%s (pn=%s): retry failed: %w", label, pn, retryErr)
	}
	return nil
}

func (s *Service) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.pace):
		return nil
	}
}

// splitDays lists the calendar days covered by [sdate, edate].
func splitDays(sdate, edate string) ([]string, error) {
	start, err := dayOf(sdate)
	if err != nil {
		return nil, err
	}
	end, err := dayOf(edate)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("edate %q before sdate %q", edate, sdate)
	}
	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dess.DateLayout))
	}
	return days, nil
}

func dayOf(ts string) (time.Time, error) {
	if len(ts) < len(dess.DateLayout) {
		return time.Time{}, fmt.Errorf("invalid date %q", ts)
	}
	return time.Parse(dess.DateLayout, ts[:len(dess.DateLayout)])
}

// parseVal coerces a remote string sample to a number. Malformed samples
// become 0 rather than failing the whole batch.
func parseVal(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
