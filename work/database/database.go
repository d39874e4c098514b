package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/tonywagner/milbserver/work/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps the sql.DB holding the history archive. Payloads are stored
// zstd-compressed.
type DB struct {
	*sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open creates the database file if needed and applies pending migrations
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	wrapper := &DB{DB: db, enc: enc, dec: dec}

	if err := wrapper.migrate(); err != nil {
		wrapper.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("{database/database - Open} archive opened at %s", path)
	return wrapper, nil
}

// migrate runs all migration files not yet recorded
func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// "001_archive.sql" -> 1
		var version int
		fmt.Sscanf(entry.Name(), "%d_", &version)

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		content, err := migrations.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", entry.Name(), err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", entry.Name(), err)
		}

		logger.Debug("{database/database - migrate} applied migration %s", entry.Name())
	}

	return nil
}

// Load reads one archived payload.
func (db *DB) Load(namespace, key string) ([]byte, bool, error) {
	var blob []byte
	err := db.QueryRow("SELECT payload FROM archive WHERE namespace = ? AND key = ?", namespace, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s/%s: %w", namespace, key, err)
	}

	payload, err := db.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decompress %s/%s: %w", namespace, key, err)
	}
	return payload, true, nil
}

// Save writes or replaces one payload.
func (db *DB) Save(namespace, key string, payload []byte) error {
	blob := db.enc.EncodeAll(payload, nil)
	_, err := db.Exec(`
		INSERT INTO archive (namespace, key, payload, stored_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at
	`, namespace, key, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes one payload
func (db *DB) Delete(namespace, key string) error {
	_, err := db.Exec("DELETE FROM archive WHERE namespace = ? AND key = ?", namespace, key)
	return err
}

// Clear removes every payload of a namespace
func (db *DB) Clear(namespace string) error {
	_, err := db.Exec("DELETE FROM archive WHERE namespace = ?", namespace)
	return err
}

// Count returns the number of archived entries per namespace.
func (db *DB) Count() (map[string]int, error) {
	rows, err := db.Query("SELECT namespace, COUNT(*) FROM archive GROUP BY namespace")
	if err != nil {
		return nil, fmt.Errorf("failed to count archive: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, err
		}
		counts[ns] = n
	}
	return counts, rows.Err()
}

// Vacuum optimizes the database file
func (db *DB) Vacuum() error {
	logger.Info("{database/database - Vacuum} running VACUUM")
	_, err := db.Exec("VACUUM")
	return err
}

// Close releases the codec and the connection pool
func (db *DB) Close() error {
	logger.Debug("{database/database - Close} closing archive")
	db.enc.Close()
	db.dec.Close()
	return db.DB.Close()
}
