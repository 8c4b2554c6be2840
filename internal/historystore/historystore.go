// Package historystore is a gorm/sqlite-backed implementation of
// pkg/model's HistoryStore and DomainStore interfaces: the local
// persistence spec §6 describes as consumed, not owned, by the session
// core (VisitHistoryEntry/DomainRecord shapes), given a concrete home in
// this pass. Grounded on the dashboard storage backends in
// agent-adjacent example repos that open a gorm.DB with AutoMigrate over
// a handful of small tables.
package historystore

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nimbusdesk/core/pkg/model"
)

// visitRow is the gorm table model for VisitHistoryEntry.
type visitRow struct {
	ID             uint `gorm:"primaryKey"`
	RemoteDeviceID int64
	RemoteAddress  string
	StartedAt      time.Time
	EndedAt        time.Time
	Succeeded      bool
	FailureReason  string
}

func (visitRow) TableName() string { return "visit_history" }

// domainRow is the gorm table model for DomainRecord, keyed by device id.
type domainRow struct {
	DeviceID int64 `gorm:"primaryKey"`
	Label    string
	LastSeen time.Time
}

func (domainRow) TableName() string { return "domain_records" }

// Store implements model.HistoryStore and model.DomainStore over a single
// sqlite file.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and
// migrates its schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("historystore.Open: %w", err)
	}
	if err := db.AutoMigrate(&visitRow{}, &domainRow{}); err != nil {
		return nil, fmt.Errorf("historystore.Open: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordVisit implements model.HistoryStore.
func (s *Store) RecordVisit(entry model.VisitHistoryEntry) error {
	row := visitRow{
		RemoteDeviceID: entry.RemoteDeviceID,
		RemoteAddress:  entry.RemoteAddress,
		StartedAt:      entry.StartedAt,
		EndedAt:        entry.EndedAt,
		Succeeded:      entry.Succeeded,
		FailureReason:  entry.FailureReason,
	}
	return s.db.Create(&row).Error
}

// RecentVisits implements model.HistoryStore, newest first.
func (s *Store) RecentVisits(limit int) ([]model.VisitHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []visitRow
	if err := s.db.Order("started_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.VisitHistoryEntry, len(rows))
	for i, r := range rows {
		out[i] = model.VisitHistoryEntry{
			RemoteDeviceID: r.RemoteDeviceID,
			RemoteAddress:  r.RemoteAddress,
			StartedAt:      r.StartedAt,
			EndedAt:        r.EndedAt,
			Succeeded:      r.Succeeded,
			FailureReason:  r.FailureReason,
		}
	}
	return out, nil
}

// Upsert implements model.DomainStore: a DomainRecord with an already-known
// DeviceID replaces the existing row rather than duplicating it.
func (s *Store) Upsert(record model.DomainRecord) error {
	row := domainRow{DeviceID: record.DeviceID, Label: record.Label, LastSeen: record.LastSeen}
	return s.db.Save(&row).Error
}

// List implements model.DomainStore, most recently seen first.
func (s *Store) List() ([]model.DomainRecord, error) {
	var rows []domainRow
	if err := s.db.Order("last_seen DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.DomainRecord, len(rows))
	for i, r := range rows {
		out[i] = model.DomainRecord{DeviceID: r.DeviceID, Label: r.Label, LastSeen: r.LastSeen}
	}
	return out, nil
}

var (
	_ model.HistoryStore = (*Store)(nil)
	_ model.DomainStore  = (*Store)(nil)
)
