package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/justinsiek/Maker-Safe/internal/model"
	"github.com/justinsiek/Maker-Safe/internal/state"
)

// Store defines the interface for all database operations.
type Store interface {
	SyncCatalog(ctx context.Context, makers []state.Maker, stations []state.Station) error
	RecordViolation(ctx context.Context, v state.Violation) error
	OpenStationSession(ctx context.Context, stationID, makerID, makerName string, at time.Time) error
	CloseStationSession(ctx context.Context, stationID string, at time.Time) error
	ReconcileSessions(ctx context.Context, stations []state.Station, now time.Time) error
	ListViolations(ctx context.Context, page, pageSize int) (*ViolationPage, error)
	StationHistory(ctx context.Context, stationID string, at time.Time) (*SessionAt, error)
	StationSummaries(ctx context.Context) ([]StationSummary, error)
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB, log *zap.Logger) Store {
	return &gormStore{db: db, log: log}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// RecordViolation appends a violation to the log. Re-recording an id is a no-op.
func (s *gormStore) RecordViolation(ctx context.Context, v state.Violation) error {
	rec := model.ViolationRecord{
		ID:            v.ID,
		MakerID:       v.MakerID,
		MakerName:     v.Name,
		StationID:     v.StationID,
		StationName:   v.Location,
		ViolationType: v.Type,
		Severity:      string(v.Severity),
		ImageURL:      v.ImageURL,
		DetectedAt:    v.CreatedAt.UTC(),
		RecordedAt:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to record violation %s: %w", v.ID, err)
	}
	return nil
}

// OpenStationSession starts a session for makerID at stationID. A session held by a
// different maker is archived first; re-opening the same maker's session is a no-op.
func (s *gormStore) OpenStationSession(ctx context.Context, stationID, makerID, makerName string, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open model.StationSessionOpen
		err := tx.Where("station_id = ?", stationID).First(&open).Error
		switch {
		case err == nil && open.MakerID == makerID:
			return nil
		case err == nil:
			if err := archiveSession(tx, open, at); err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to load open session for station %s: %w", stationID, err)
		}

		next := model.StationSessionOpen{StationID: stationID, MakerID: makerID, MakerName: makerName, StartedAt: at}
		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("failed to open session for station %s: %w", stationID, err)
		}
		return nil
	})
}

// CloseStationSession archives the open session of a station, if any.
func (s *gormStore) CloseStationSession(ctx context.Context, stationID string, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open model.StationSessionOpen
		err := tx.Where("station_id = ?", stationID).First(&open).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load open session for station %s: %w", stationID, err)
		}
		if err := archiveSession(tx, open, at); err != nil {
			return err
		}
		if err := tx.Delete(&model.StationSessionOpen{}, "station_id = ?", stationID).Error; err != nil {
			return fmt.Errorf("failed to delete open session for station %s: %w", stationID, err)
		}
		return nil
	})
}

// ReconcileSessions brings the open sessions in line with the stations' current
// assignments, archiving every session that ended.
func (s *gormStore) ReconcileSessions(ctx context.Context, stations []state.Station, now time.Time) error {
	now = now.UTC()
	currentOpen, err := s.fetchAllOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch open sessions: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, st := range stations {
			if st.AssignedMakerID == nil {
				continue
			}
			makerID := *st.AssignedMakerID
			makerName := ""
			if st.AssignedMakerName != nil {
				makerName = *st.AssignedMakerName
			}

			old, exists := currentOpen[st.ID]
			delete(currentOpen, st.ID)
			if exists && old.MakerID == makerID {
				continue
			}
			if exists {
				if err := archiveSession(tx, old, now); err != nil {
					return err
				}
			}
			next := model.StationSessionOpen{StationID: st.ID, MakerID: makerID, MakerName: makerName, StartedAt: now}
			if err := tx.Save(&next).Error; err != nil {
				return fmt.Errorf("failed to open session for station %s: %w", st.ID, err)
			}
		}

		// Sessions of stations that are no longer held.
		for _, remaining := range currentOpen {
			if err := archiveSession(tx, remaining, now); err != nil {
				return err
			}
			if err := tx.Delete(&model.StationSessionOpen{}, "station_id = ?", remaining.StationID).Error; err != nil {
				return fmt.Errorf("failed to delete open session for station %s: %w", remaining.StationID, err)
			}
		}
		return nil
	})
}

// archiveSession creates the history record of a finished session.
func archiveSession(tx *gorm.DB, open model.StationSessionOpen, observedAt time.Time) error {
	periodEnd := observedAt
	if periodEnd.Before(open.StartedAt) {
		periodEnd = open.StartedAt
	}
	history := model.StationSessionHistory{
		StationID:   open.StationID,
		ObservedAt:  observedAt,
		MakerID:     open.MakerID,
		MakerName:   open.MakerName,
		PeriodStart: open.StartedAt,
		PeriodEnd:   periodEnd,
	}
	if err := tx.Create(&history).Error; err != nil {
		return fmt.Errorf("failed to archive session for station %s: %w", open.StationID, err)
	}
	return nil
}

func (s *gormStore) fetchAllOpenSessions(ctx context.Context) (map[string]model.StationSessionOpen, error) {
	var rows []model.StationSessionOpen
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	open := make(map[string]model.StationSessionOpen, len(rows))
	for _, r := range rows {
		open[r.StationID] = r
	}
	return open, nil
}

// SyncCatalog upserts the makers and stations the dashboard has seen, skipping rows
// whose stored values already match.
func (s *gormStore) SyncCatalog(ctx context.Context, makers []state.Maker, stations []state.Station) error {
	existingMakers, err := s.fetchAllMakers(ctx)
	if err != nil {
		s.log.Warn("could not pre-fetch makers", zap.Error(err))
		existingMakers = make(map[string]model.Maker)
	}
	existingStations, err := s.fetchAllStations(ctx)
	if err != nil {
		s.log.Warn("could not pre-fetch stations", zap.Error(err))
		existingStations = make(map[string]model.Station)
	}

	var makersToUpsert []model.Maker
	for _, m := range makers {
		row := model.Maker{ID: m.ID, DisplayName: m.DisplayName, ExternalLabel: m.ExternalLabel}
		if old, ok := existingMakers[m.ID]; ok && old.DisplayName == row.DisplayName && old.ExternalLabel == row.ExternalLabel {
			continue
		}
		makersToUpsert = append(makersToUpsert, row)
	}
	var stationsToUpsert []model.Station
	for _, st := range stations {
		if old, ok := existingStations[st.ID]; ok && old.Name == st.Name {
			continue
		}
		stationsToUpsert = append(stationsToUpsert, model.Station{ID: st.ID, Name: st.Name})
	}

	if len(makersToUpsert) == 0 && len(stationsToUpsert) == 0 {
		return nil
	}
	s.log.Debug("syncing catalog",
		zap.Int("makers", len(makersToUpsert)), zap.Int("stations", len(stationsToUpsert)))

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(makersToUpsert) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"display_name", "external_label", "updated_at"}),
			}).Create(&makersToUpsert).Error; err != nil {
				return fmt.Errorf("batch upsert makers failed: %w", err)
			}
		}
		if len(stationsToUpsert) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
			}).Create(&stationsToUpsert).Error; err != nil {
				return fmt.Errorf("batch upsert stations failed: %w", err)
			}
		}
		return nil
	})
}

func (s *gormStore) fetchAllMakers(ctx context.Context) (map[string]model.Maker, error) {
	var rows []model.Maker
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]model.Maker, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

func (s *gormStore) fetchAllStations(ctx context.Context) (map[string]model.Station, error) {
	var rows []model.Station
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]model.Station, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// ListViolations returns one page of the violation log, newest first. Pages start at 1.
func (s *gormStore) ListViolations(ctx context.Context, page, pageSize int) (*ViolationPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&model.ViolationRecord{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count violations: %w", err)
	}

	items := make([]model.ViolationRecord, 0, pageSize)
	if err := s.db.WithContext(ctx).
		Order("detected_at DESC").Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	return &ViolationPage{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

// StationHistory reports who held stationID at the given time.
func (s *gormStore) StationHistory(ctx context.Context, stationID string, at time.Time) (*SessionAt, error) {
	at = at.UTC()

	var open model.StationSessionOpen
	err := s.db.WithContext(ctx).
		Where("station_id = ? AND started_at <= ?", stationID, at).
		First(&open).Error
	if err == nil {
		return &SessionAt{
			StationID:   open.StationID,
			MakerID:     open.MakerID,
			MakerName:   open.MakerName,
			PeriodStart: open.StartedAt,
			Open:        true,
		}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load open session for station %s: %w", stationID, err)
	}

	var history model.StationSessionHistory
	err = s.db.WithContext(ctx).
		Where("station_id = ? AND period_start <= ? AND period_end >= ?", stationID, at, at).
		Order("period_start DESC").
		First(&history).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session history for station %s: %w", stationID, err)
	}

	end := history.PeriodEnd
	return &SessionAt{
		StationID:   history.StationID,
		MakerID:     history.MakerID,
		MakerName:   history.MakerName,
		PeriodStart: history.PeriodStart,
		PeriodEnd:   &end,
	}, nil
}

// StationSummaries aggregates violations and sessions per known station.
func (s *gormStore) StationSummaries(ctx context.Context) ([]StationSummary, error) {
	var stations []model.Station
	if err := s.db.WithContext(ctx).Order("name").Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve stations: %w", err)
	}

	type countRow struct {
		StationID string
		Total     int64
	}
	var violationCounts []countRow
	if err := s.db.WithContext(ctx).
		Model(&model.ViolationRecord{}).
		Select("station_id as station_id, COUNT(*) as total").
		Group("station_id").
		Scan(&violationCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate violations: %w", err)
	}
	var sessionCounts []countRow
	if err := s.db.WithContext(ctx).
		Model(&model.StationSessionHistory{}).
		Select("station_id as station_id, COUNT(*) as total").
		Group("station_id").
		Scan(&sessionCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate sessions: %w", err)
	}
	open, err := s.fetchAllOpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open sessions: %w", err)
	}

	violationsBy := make(map[string]int64, len(violationCounts))
	for _, r := range violationCounts {
		violationsBy[r.StationID] = r.Total
	}
	sessionsBy := make(map[string]int64, len(sessionCounts))
	for _, r := range sessionCounts {
		sessionsBy[r.StationID] = r.Total
	}

	out := make([]StationSummary, 0, len(stations))
	for _, st := range stations {
		sum := StationSummary{
			StationID:      st.ID,
			Name:           st.Name,
			ViolationCount: violationsBy[st.ID],
			SessionCount:   sessionsBy[st.ID],
		}
		if o, ok := open[st.ID]; ok {
			sum.Occupied = true
			sum.SessionCount++
			sum.CurrentMaker = o.MakerName
		}
		out = append(out, sum)
	}
	return out, nil
}
