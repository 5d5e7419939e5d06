package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	driverMySQL  = "mysql"
	driverSQLite = "sqlite"
)

// --- Defect Store ---

// DefectStore writes defect rows into t_defect. MySQL is the production
// target; SQLite is used for local runs and tests.
type DefectStore struct {
	db     *sql.DB
	driver string
}

func openDefectStore(ctx context.Context, cfg DatabaseConfig) (*DefectStore, error) {
	var dsn string
	switch cfg.Driver {
	case driverMySQL:
		dsn = mysqlDSN(cfg)
	case driverSQLite:
		dsn = cfg.Path
	default:
		return nil, fmt.Errorf("unsupported database driver %q: must be mysql or sqlite", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	// One caller, one connection for the whole run.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == driverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	s := &DefectStore{db: db, driver: cfg.Driver}
	if cfg.Driver == driverSQLite || cfg.CreateTable {
		if err := s.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func mysqlDSN(cfg DatabaseConfig) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c.DBName = cfg.Name
	return c.FormatDSN()
}

// EnsureSchema creates t_defect if it does not exist yet.
func (s *DefectStore) EnsureSchema(ctx context.Context) error {
	ddl := sqliteSchema
	if s.driver == driverMySQL {
		ddl = mysqlSchema
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create t_defect: %w", err)
	}
	return nil
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS t_defect (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		script_name TEXT NOT NULL,
		defect_number INTEGER NOT NULL,
		project_name TEXT NOT NULL,
		plan_name TEXT NOT NULL,
		run_name TEXT NOT NULL,
		summary TEXT,
		fixed_in_version TEXT,
		status TEXT,
		project TEXT,
		resolution TEXT,
		UNIQUE (script_name, defect_number, project_name, plan_name, run_name)
	)`

const mysqlSchema = `
	CREATE TABLE IF NOT EXISTS t_defect (
		id INT AUTO_INCREMENT PRIMARY KEY,
		script_name VARCHAR(191) NOT NULL,
		defect_number INT NOT NULL,
		project_name VARCHAR(191) NOT NULL,
		plan_name VARCHAR(64) NOT NULL,
		run_name VARCHAR(191) NOT NULL,
		summary TEXT,
		fixed_in_version VARCHAR(64),
		status VARCHAR(32),
		project VARCHAR(128),
		resolution VARCHAR(32),
		UNIQUE KEY uq_defect (script_name, defect_number, project_name, plan_name, run_name)
	)`

func insertDefectQuery(driver string) string {
	verb := "INSERT IGNORE INTO"
	if driver == driverSQLite {
		verb = "INSERT OR IGNORE INTO"
	}
	return verb + ` t_defect
		(script_name, defect_number, project_name, plan_name, run_name,
		 summary, fixed_in_version, status, project, resolution)
		VALUES (?,?,?,?,?,?,?,?,?,?)`
}

// InsertIgnore inserts row in its own transaction and commits right away.
// Duplicates are skipped by the table's unique key.
func (s *DefectStore) InsertIgnore(ctx context.Context, row DefectRow) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertDefectQuery(s.driver),
		row.ScriptName, row.DefectNumber, row.ProjectName, row.PlanName, row.RunName,
		row.Summary, row.FixedInVersion, row.Status, row.Project, row.Resolution,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DefectStore) Close() error {
	return s.db.Close()
}

// --- Dry Run ---

// logInserter reports the rows a run would write without touching a database.
type logInserter struct {
	logger *slog.Logger
}

func (l logInserter) InsertIgnore(_ context.Context, row DefectRow) (bool, error) {
	l.logger.Info("dry run: would insert defect",
		"script_name", row.ScriptName,
		"defect_number", row.DefectNumber,
		"project_name", row.ProjectName,
		"plan_name", row.PlanName,
		"run_name", row.RunName,
	)
	return true, nil
}
