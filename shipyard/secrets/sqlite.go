// an sqlite3 backed secret manager
package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteManager stores each credential as a row in <prefix>credentials
// and its bindings in <prefix>bindings. A credential row exists exactly
// as long as it has at least one binding.
type SqliteManager struct {
	db     *sql.DB
	prefix string
}

type SqliteManagerOpt func(*SqliteManager)

// WithTablePrefix namespaces both tables, for sharing a database file.
func WithTablePrefix(prefix string) SqliteManagerOpt {
	return func(s *SqliteManager) {
		s.prefix = prefix
	}
}

func NewSQLiteManager(dbPath string, opts ...SqliteManagerOpt) (*SqliteManager, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// an in-memory database is per connection
	db.SetMaxOpenConns(1)

	manager := &SqliteManager{db: db}
	for _, o := range opts {
		o(manager)
	}

	if err := manager.init(); err != nil {
		db.Close()
		return nil, err
	}

	return manager, nil
}

func (s *SqliteManager) credentials() string { return s.prefix + "credentials" }
func (s *SqliteManager) bindings() string    { return s.prefix + "bindings" }

func (s *SqliteManager) init() error {
	_, err := s.db.Exec(fmt.Sprintf(`
		create table if not exists %[1]s (
			name text primary key,
			created_at text not null default (strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now'))
		);
		create table if not exists %[2]s (
			credential text not null references %[1]s(name) on delete cascade,
			key text not null,
			value text not null,
			created_at text not null default (strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now')),
			created_by text not null,

			primary key (credential, key)
		);
	`, s.credentials(), s.bindings()))
	return err
}

func (s *SqliteManager) Close() error {
	return s.db.Close()
}

func (s *SqliteManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}
	if secret.Credential == "" {
		return ErrCredentialNotFound
	}

	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`insert or ignore into %s (name) values (?);`, s.credentials()),
			secret.Credential)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			insert or ignore into %s (credential, key, value, created_by)
			values (?, ?, ?, ?);
		`, s.bindings()), secret.Credential, secret.Key, secret.Value, secret.CreatedBy)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrKeyAlreadyPresent
		}
		return nil
	})
}

// RemoveSecret drops one binding, and the credential with its last one.
func (s *SqliteManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`delete from %s where credential = ? and key = ?;`, s.bindings()),
			secret.Credential, secret.Key)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrKeyNotFound
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			delete from %s where name = ?
			and not exists (select 1 from %s where credential = ?);
		`, s.credentials(), s.bindings()), secret.Credential, secret.Credential)
		return err
	})
}

// Credentials lists every credential that has bindings.
func (s *SqliteManager) Credentials(ctx context.Context) ([]CredentialID, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by name;`, s.credentials()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []CredentialID
	for rows.Next() {
		var id CredentialID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SqliteManager) GetSecretsLocked(ctx context.Context, credential CredentialID) ([]LockedSecret, error) {
	unlocked, err := s.GetSecretsUnlocked(ctx, credential)
	if err != nil {
		return nil, err
	}
	return lock(unlocked), nil
}

// GetSecretsUnlocked reads the whole group in one transaction, so a
// scope never sees half of a concurrent rotation.
func (s *SqliteManager) GetSecretsUnlocked(ctx context.Context, credential CredentialID) ([]UnlockedSecret, error) {
	var ls []UnlockedSecret
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			select key, value, created_at, created_by from %s
			where credential = ? order by key;
		`, s.bindings()), credential)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			l := UnlockedSecret{Credential: credential}
			var createdAt string
			if err := rows.Scan(&l.Key, &l.Value, &createdAt, &l.CreatedBy); err != nil {
				return err
			}
			if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
				l.CreatedAt = t
			}
			ls = append(ls, l)
		}
		return rows.Err()
	})
	return ls, err
}

func (s *SqliteManager) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}
