// Package knownreaders remembers the card readers that connected before, so
// they can be reconnected automatically.
package knownreaders

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MeneDev/cardreader-settings/cardreader"
	"github.com/MeneDev/cardreader-settings/feed"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var _ cardreader.KnownReaders = (*Store)(nil)

var ErrEmptySerial = errors.New("card reader serial must not be empty")

// Store keeps known readers in SQLite. Every write republishes the full list
// to observers.
type Store struct {
	db      *sql.DB
	readers feed.Feed[string]
	now     func() time.Time
}

// Open opens or creates the database at path and brings its schema up to date.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := runMigrations(path); err != nil {
		return nil, errors.Wrapf(err, "migrating %s", path)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}

	if err := s.publish(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RememberCardReader records a successful connection to the reader.
func (s *Store) RememberCardReader(ctx context.Context, serial string) error {
	if serial == "" {
		return errors.WithStack(ErrEmptySerial)
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO known_card_readers(serial, first_connected_at, last_connected_at) VALUES (?, ?, ?)
	ON CONFLICT(serial) DO UPDATE SET last_connected_at=excluded.last_connected_at;
	`, serial, now, now)
	if err != nil {
		return errors.Wrapf(err, "remembering card reader %s", serial)
	}

	log.Debug().Str("serial", serial).Msg("remembered card reader")
	return s.publish(ctx)
}

// ForgetCardReader removes the reader. Forgetting an unknown reader is not an error.
func (s *Store) ForgetCardReader(ctx context.Context, serial string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM known_card_readers WHERE serial = ?`, serial); err != nil {
		return errors.Wrapf(err, "forgetting card reader %s", serial)
	}
	return s.publish(ctx)
}

// KnownReaders lists the serials, most recently connected first.
func (s *Store) KnownReaders(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT serial FROM known_card_readers
	ORDER BY last_connected_at DESC, serial`)
	if err != nil {
		return nil, errors.Wrap(err, "listing known card readers")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, err
		}
		out = append(out, serial)
	}
	return out, rows.Err()
}

func (s *Store) ObserveKnownReaders(fn func([]string)) feed.Subscription {
	return s.readers.Subscribe(fn)
}

func (s *Store) publish(ctx context.Context) error {
	serials, err := s.KnownReaders(ctx)
	if err != nil {
		return err
	}
	s.readers.Publish(serials)
	return nil
}
