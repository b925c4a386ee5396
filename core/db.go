package core

import (
	"database/sql"
	"os"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeoutMS sets the sqlite busy handler so concurrent event
	// handlers queue on the write lock instead of failing immediately.
	BusyTimeoutMS int
}

func (config *SQLiteDBOption) DSN(sb *strings.Builder) {
	if config == nil {
		return
	}

	params := make([]string, 0, 4)
	if config.Mode != "" {
		params = append(params, "mode="+config.Mode)
	}
	if config.Cache != "" {
		params = append(params, "cache="+config.Cache)
	}
	if config.JournalMode != "" {
		params = append(params, "_journal_mode="+config.JournalMode)
	}
	if config.BusyTimeoutMS > 0 {
		params = append(params, "_busy_timeout="+strconv.Itoa(config.BusyTimeoutMS))
	}
	if len(params) > 0 {
		sb.WriteString("?")
		sb.WriteString(strings.Join(params, "&"))
	}
}

type SQLiteDB struct {
	*sql.DB
	config       *SQLiteDBOption
	file         string
	migrationDir string
}

func NewSQLiteDB(file, migrationDir string, config *SQLiteDBOption) (*SQLiteDB, error) {
	db := &SQLiteDB{config: config, migrationDir: migrationDir, file: file}

	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(db.file)
	config.DSN(&dsn)

	d, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, err
	}

	db.DB = d
	return db, nil
}

func (db *SQLiteDB) Migrate() error {
	migrationfs := os.DirFS(db.migrationDir)
	goose.SetBaseFS(migrationfs)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	if err := goose.Up(db.DB, "."); err != nil {
		return err
	}
	return nil
}
