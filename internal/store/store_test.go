package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/justinsiek/Maker-Safe/internal/format"
	"github.com/justinsiek/Maker-Safe/internal/model"
	"github.com/justinsiek/Maker-Safe/internal/state"
)

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	return gormDB, mock
}

// newSQLiteDB opens an isolated in-memory database with the schema migrated.
func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.Maker{},
		&model.Station{},
		&model.ViolationRecord{},
		&model.StationSessionOpen{},
		&model.StationSessionHistory{},
	))
	return db
}

func strp(s string) *string { return &s }

func assignedStation(id, name, makerID, makerName string) state.Station {
	return state.Station{
		ID:                id,
		Name:              name,
		Status:            state.StationInUse,
		AssignedMakerID:   strp(makerID),
		AssignedMakerName: strp(makerName),
	}
}

func TestGormStore_ReconcileSessions(t *testing.T) {
	now := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	started := now.Add(-10 * time.Minute)

	testCases := []struct {
		name             string
		stations         []state.Station
		mockExpectations func(mock sqlmock.Sqlmock)
	}{
		{
			name:     "Station released, should archive and delete",
			stations: []state.Station{{ID: "3", Name: "Laser Cutter", Status: state.StationAvailable}},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "station_session_opens"`)).
					WillReturnRows(sqlmock.NewRows([]string{"station_id", "maker_id", "maker_name", "started_at"}).
						AddRow("3", "7", "Ada Lovelace", started))

				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "station_session_histories"`)).
					WithArgs("3", Any{}, "7", "Ada Lovelace", Any{}, Any{}).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
				mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "station_session_opens" WHERE station_id = $1`)).
					WithArgs("3").
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:     "Same maker still assigned, should do nothing",
			stations: []state.Station{assignedStation("3", "Laser Cutter", "7", "Ada Lovelace")},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "station_session_opens"`)).
					WillReturnRows(sqlmock.NewRows([]string{"station_id", "maker_id", "maker_name", "started_at"}).
						AddRow("3", "7", "Ada Lovelace", started))
				mock.ExpectBegin()
				// No database writes expected
				mock.ExpectCommit()
			},
		},
		{
			name:     "Different maker took over, should archive and replace",
			stations: []state.Station{assignedStation("3", "Laser Cutter", "8", "Grace Hopper")},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "station_session_opens"`)).
					WillReturnRows(sqlmock.NewRows([]string{"station_id", "maker_id", "maker_name", "started_at"}).
						AddRow("3", "7", "Ada Lovelace", started))

				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "station_session_histories"`)).
					WithArgs("3", Any{}, "7", "Ada Lovelace", Any{}, Any{}).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE "station_session_opens"`)).
					WithArgs("8", "Grace Hopper", Any{}, "3").
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newTestDB(t)
			store := NewGormStore(gormDB, zap.NewNop())

			tc.mockExpectations(mock)

			err := store.ReconcileSessions(context.Background(), tc.stations, now)
			assert.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_ReconcileSessions_FetchError(t *testing.T) {
	gormDB, mock := newTestDB(t)
	store := NewGormStore(gormDB, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "station_session_opens"`)).
		WillReturnError(errors.New("connection reset"))

	err := store.ReconcileSessions(context.Background(), nil, time.Now())
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_RecordViolation_OnConflictDoNothing(t *testing.T) {
	gormDB, mock := newTestDB(t)
	store := NewGormStore(gormDB, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "violation_records" .* ON CONFLICT \("id"\) DO NOTHING`).
		WithArgs("v1", "7", "Ada Lovelace", "3", "Laser Cutter", "GOGGLES_NOT_WORN", "high", Any{}, Any{}, Any{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RecordViolation(context.Background(), state.Violation{
		ID:        "v1",
		MakerID:   "7",
		StationID: "3",
		Type:      "GOGGLES_NOT_WORN",
		CreatedAt: time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC),
		Name:      "Ada Lovelace",
		Location:  "Laser Cutter",
		Severity:  format.SeverityHigh,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStationSessionLifecycle(t *testing.T) {
	db := newSQLiteDB(t)
	store := NewGormStore(db, zap.NewNop())
	ctx := context.Background()
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	// Ada takes the laser cutter.
	require.NoError(t, store.OpenStationSession(ctx, "3", "7", "Ada Lovelace", t0))
	require.NoError(t, store.OpenStationSession(ctx, "3", "7", "Ada Lovelace", t0.Add(time.Minute)))

	var open model.StationSessionOpen
	require.NoError(t, db.First(&open, "station_id = ?", "3").Error)
	assert.Equal(t, "7", open.MakerID)
	assert.Equal(t, t0.Unix(), open.StartedAt.Unix(), "re-opening keeps the original start")

	// Grace takes over without Ada leaving first.
	t1 := t0.Add(30 * time.Minute)
	require.NoError(t, store.OpenStationSession(ctx, "3", "8", "Grace Hopper", t1))

	var history []model.StationSessionHistory
	require.NoError(t, db.Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, "7", history[0].MakerID)
	assert.Equal(t, t0.Unix(), history[0].PeriodStart.Unix())
	assert.Equal(t, t1.Unix(), history[0].PeriodEnd.Unix())

	t2 := t1.Add(time.Hour)
	require.NoError(t, store.CloseStationSession(ctx, "3", t2))
	require.NoError(t, store.CloseStationSession(ctx, "3", t2), "closing twice is a no-op")

	var openCount int64
	db.Model(&model.StationSessionOpen{}).Count(&openCount)
	assert.Equal(t, int64(0), openCount)

	// Point-in-time lookups.
	at, err := store.StationHistory(ctx, "3", t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", at.MakerName)
	assert.False(t, at.Open)
	require.NotNil(t, at.PeriodEnd)

	at, err = store.StationHistory(ctx, "3", t1.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", at.MakerName)

	_, err = store.StationHistory(ctx, "3", t0.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.OpenStationSession(ctx, "3", "9", "Mike Chen", t2.Add(time.Minute)))
	at, err = store.StationHistory(ctx, "3", t2.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, at.Open)
	assert.Nil(t, at.PeriodEnd)
	assert.Equal(t, "9", at.MakerID)
}

func TestReconcileSessions_SQLite(t *testing.T) {
	db := newSQLiteDB(t)
	store := NewGormStore(db, zap.NewNop())
	ctx := context.Background()
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.ReconcileSessions(ctx, []state.Station{
		assignedStation("3", "Laser Cutter", "7", "Ada Lovelace"),
		assignedStation("4", "Drill Press", "8", "Grace Hopper"),
		{ID: "5", Name: "Band Saw", Status: state.StationAvailable},
	}, t0))

	var open []model.StationSessionOpen
	require.NoError(t, db.Order("station_id").Find(&open).Error)
	require.Len(t, open, 2)

	require.NoError(t, store.ReconcileSessions(ctx, []state.Station{
		assignedStation("3", "Laser Cutter", "7", "Ada Lovelace"),
	}, t0.Add(time.Hour)))

	open = nil
	require.NoError(t, db.Find(&open).Error)
	require.Len(t, open, 1)
	assert.Equal(t, "3", open[0].StationID)

	var history []model.StationSessionHistory
	require.NoError(t, db.Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, "4", history[0].StationID)
	assert.Equal(t, "Grace Hopper", history[0].MakerName)
}

func TestViolationLog(t *testing.T) {
	db := newSQLiteDB(t)
	store := NewGormStore(db, zap.NewNop())
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.RecordViolation(ctx, state.Violation{
			ID:        fmt.Sprintf("v%d", i),
			MakerID:   "7",
			StationID: "3",
			Type:      "LOOSE_HAIR",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Name:      "Ada Lovelace",
			Location:  "Laser Cutter",
			Severity:  format.SeverityMedium,
		}))
	}
	// Recording the same id again keeps the first record.
	require.NoError(t, store.RecordViolation(ctx, state.Violation{ID: "v1", Type: "FIRE_HAZARD", CreatedAt: base}))

	page, err := store.ListViolations(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "v5", page.Items[0].ID)
	assert.Equal(t, "v4", page.Items[1].ID)

	page, err = store.ListViolations(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "v1", page.Items[0].ID)
	assert.Equal(t, "LOOSE_HAIR", page.Items[0].ViolationType)

	page, err = store.ListViolations(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 50, page.PageSize)
	assert.Len(t, page.Items, 5)
}

func TestSyncCatalogAndSummaries(t *testing.T) {
	db := newSQLiteDB(t)
	store := NewGormStore(db, zap.NewNop())
	ctx := context.Background()
	t0 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.SyncCatalog(ctx,
		[]state.Maker{{ID: "7", DisplayName: "Ada Lovelace"}},
		[]state.Station{{ID: "3", Name: "Laser Cutter"}, {ID: "4", Name: "Drill Press"}},
	))
	require.NoError(t, store.SyncCatalog(ctx,
		[]state.Maker{{ID: "7", DisplayName: "Ada King", ExternalLabel: "A-7"}},
		[]state.Station{{ID: "3", Name: "Laser Cutter"}},
	))

	var maker model.Maker
	require.NoError(t, db.First(&maker, "id = ?", "7").Error)
	assert.Equal(t, "Ada King", maker.DisplayName)
	assert.Equal(t, "A-7", maker.ExternalLabel)

	var stationCount int64
	db.Model(&model.Station{}).Count(&stationCount)
	assert.Equal(t, int64(2), stationCount)

	require.NoError(t, store.RecordViolation(ctx, state.Violation{ID: "v1", StationID: "3", Type: "X", CreatedAt: t0}))
	require.NoError(t, store.RecordViolation(ctx, state.Violation{ID: "v2", StationID: "3", Type: "X", CreatedAt: t0}))
	require.NoError(t, store.OpenStationSession(ctx, "3", "7", "Ada King", t0))
	require.NoError(t, store.CloseStationSession(ctx, "3", t0.Add(time.Hour)))
	require.NoError(t, store.OpenStationSession(ctx, "4", "7", "Ada King", t0.Add(2*time.Hour)))

	summaries, err := store.StationSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// Ordered by name.
	assert.Equal(t, StationSummary{StationID: "4", Name: "Drill Press", SessionCount: 1, Occupied: true, CurrentMaker: "Ada King"}, summaries[0])
	assert.Equal(t, StationSummary{StationID: "3", Name: "Laser Cutter", ViolationCount: 2, SessionCount: 1}, summaries[1])
}

// Any is a helper for sqlmock to match any argument.
type Any struct{}

// Match satisfies the sqlmock.Argument interface
func (a Any) Match(v driver.Value) bool {
	return true
}
