package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveSnapshot overwrites the latest full parameter dump for a device.
func (d *Database) SaveSnapshot(snapshot *LatestSnapshot) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pn"}},
		DoUpdates: clause.AssignmentColumns([]string{"pars_json", "gts", "fetched_at"}),
	}).Create(snapshot).Error
}

// GetSnapshot returns the latest snapshot for a device, or nil.
func (d *Database) GetSnapshot(pn string) (*LatestSnapshot, error) {
	var snapshot LatestSnapshot
	result := d.db.Where("pn = ?", pn).First(&snapshot)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, result.Error
	}
	return &snapshot, nil
}

// SaveChartPoints upserts all points of one fetch in a single
// transaction. Re-fetching a timestamp overwrites the value; duplicate
// rows never accumulate.
func (d *Database) SaveChartPoints(points []ChartPoint) error {
	if len(points) == 0 {
		return nil
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pn"}, {Name: "field"}, {Name: "ts"}},
			DoUpdates: clause.AssignmentColumns([]string{"val"}),
		}).Create(&points).Error
	})
}

// GetChartPoints returns samples for one device and field, ordered by
// timestamp, within [start, end].
func (d *Database) GetChartPoints(pn, field, start, end string) ([]ChartPoint, error) {
	var points []ChartPoint
	result := d.db.Where("pn = ? AND field = ? AND ts >= ? AND ts <= ?", pn, field, start, end).
		Order("ts").
		Find(&points)
	if result.Error != nil {
		return nil, result.Error
	}
	return points, nil
}

// PruneChartField drops samples older than cutoff for one device/field.
func (d *Database) PruneChartField(pn, field, cutoff string) error {
	return d.db.Where("pn = ? AND field = ? AND ts < ?", pn, field, cutoff).
		Delete(&ChartPoint{}).Error
}

// SaveKeyParamPoints upserts daily-aggregated samples in one transaction.
func (d *Database) SaveKeyParamPoints(points []KeyParamPoint) error {
	if len(points) == 0 {
		return nil
	}
	return d.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pn"}, {Name: "parameter"}, {Name: "ts"}},
			DoUpdates: clause.AssignmentColumns([]string{"val"}),
		}).Create(&points).Error
	})
}

// GetKeyParamPoints returns daily-aggregated samples for one device and
// parameter, ordered by timestamp, within [start, end].
func (d *Database) GetKeyParamPoints(pn, parameter, start, end string) ([]KeyParamPoint, error) {
	var points []KeyParamPoint
	result := d.db.Where("pn = ? AND parameter = ? AND ts >= ? AND ts <= ?", pn, parameter, start, end).
		Order("ts").
		Find(&points)
	if result.Error != nil {
		return nil, result.Error
	}
	return points, nil
}
