package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	// an in-memory database only lives as long as its single connection
	if strings.HasPrefix(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id integer primary key,
			status text not null,
			image text,
			failed_stage text,
			health text,
			alert_kind text,
			archive_error text,
			exit_code integer,
			started integer not null, -- unix nanos
			finished integer
		);

		create table if not exists stages (
			run_id integer not null references runs(id) on delete cascade,
			seq integer not null,
			stage text not null,
			status text not null,
			policy text not null,
			error text,
			started integer not null,
			finished integer not null,

			primary key (run_id, seq)
		);

		-- one row per state change, streamed to /events subscribers
		create table if not exists events (
			id integer primary key autoincrement,
			run_id integer not null,
			kind text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);

		create table if not exists build_numbers (
			name text primary key,
			value integer not null
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
