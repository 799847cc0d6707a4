package ksibot

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelCreatedUpdated is an embeddable model with unix-milli timestamps
// for creation and update.
type ModelCreatedUpdated struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps a GORM connection. When concurrent writes are disabled
// (SQLite), a mutex serializes every write so partial state is never
// visible to the scheduler or command surface. It implements DBI.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance wrapping the given
// GORM connection. enableConcurrentWrites should be false for SQLite.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

// withDeadline ensures every database call carries a bounded timeout
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

// DueReminders returns every individual reminder with a fire time at or
// before now (minute-truncated). Ordering between rows is unspecified:
// each delivery is independent.
func (d *database) DueReminders(ctx context.Context, now time.Time) (
	[]Reminder,
	error,
) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var due []Reminder
	rv := d.db.WithContext(ctx).Find(
		&due,
		"remind_at <= ?",
		minuteTruncate(now).UnixMilli(),
	)
	return due, rv.Error
}

// DueGroupReminders is the group-reminder analog of DueReminders.
func (d *database) DueGroupReminders(ctx context.Context, now time.Time) (
	[]GroupReminder,
	error,
) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var due []GroupReminder
	rv := d.db.WithContext(ctx).Find(
		&due,
		"remind_at <= ?",
		minuteTruncate(now).UnixMilli(),
	)
	return due, rv.Error
}

// DeleteRemindersByID removes the given reminder rows in one grouped
// delete. Deleting an already-absent ID is not an error, so the call is
// idempotent; an empty ID list is a no-op.
func (d *database) DeleteRemindersByID(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.Delete(ctx, &Reminder{}, "id IN ?", ids)
	return err
}

// DeleteGroupRemindersByID is the group-reminder analog of DeleteRemindersByID.
func (d *database) DeleteGroupRemindersByID(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.Delete(ctx, &GroupReminder{}, "id IN ?", ids)
	return err
}

// PendingReminders returns all stored individual reminders, soonest first
func (d *database) PendingReminders(ctx context.Context) ([]Reminder, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var pending []Reminder
	rv := d.db.WithContext(ctx).Order("remind_at asc").Find(&pending)
	return pending, rv.Error
}

// PendingGroupReminders returns all stored group reminders, soonest first
func (d *database) PendingGroupReminders(ctx context.Context) ([]GroupReminder, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var pending []GroupReminder
	rv := d.db.WithContext(ctx).Order("remind_at asc").Find(&pending)
	return pending, rv.Error
}

// RecentInteractions returns up to limit of the newest interaction log rows
func (d *database) RecentInteractions(ctx context.Context, limit int) (
	[]InteractionLog,
	error,
) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	var recent []InteractionLog
	rv := d.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&recent)
	return recent, rv.Error
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)

	// DueReminders returns reminders visible to the scheduler: rows whose
	// fire time is at or before now, truncated to the minute
	DueReminders(ctx context.Context, now time.Time) ([]Reminder, error)
	DueGroupReminders(ctx context.Context, now time.Time) ([]GroupReminder, error)

	DeleteRemindersByID(ctx context.Context, ids []uint) error
	DeleteGroupRemindersByID(ctx context.Context, ids []uint) error

	PendingReminders(ctx context.Context) ([]Reminder, error)
	PendingGroupReminders(ctx context.Context) ([]GroupReminder, error)
	RecentInteractions(ctx context.Context, limit int) ([]InteractionLog, error)
}

// CreateDB initializes and returns a GORM database connection based on the
// configured database type, and auto-migrates the bot's tables.
func CreateDB(ctx context.Context, config *Config) (*gorm.DB, error) {
	databaseType := config.DatabaseType
	database := config.Database

	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	slowThreshold := config.DatabaseSlowThreshold
	if slowThreshold == 0 {
		slowThreshold = DefaultDatabaseSlowThreshold
	}
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return db, dbErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if execErr := db.Exec(pragma).Error; execErr != nil {
				return db, execErr
			}
		}
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Reminder{},
		&GroupReminder{},
		&InteractionLog{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type ('sqlite' or 'postgres').
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
