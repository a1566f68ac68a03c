package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"SignalDesk/internal/model"
	"SignalDesk/internal/store"
)

// Store persists signals, follows and profiles to a SQLite database and
// publishes committed changes to in-process subscribers.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger

	signalFeed  *store.Feed[store.SignalChange]
	profileFeed *store.Feed[store.ProfileChange]
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{
		db:          db,
		logger:      logger,
		signalFeed:  store.NewFeed[store.SignalChange](),
		profileFeed: store.NewFeed[store.ProfileChange](),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", dbPath))
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id               TEXT PRIMARY KEY,
			symbol           TEXT NOT NULL,
			type             TEXT NOT NULL,
			entry            TEXT NOT NULL,
			sl               TEXT NOT NULL,
			tp               TEXT NOT NULL,
			status           TEXT NOT NULL,
			confidence       INTEGER NOT NULL,
			technical_reason TEXT,
			ai_insight       TEXT,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at)`,

		`CREATE TABLE IF NOT EXISTS followed_signals (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			signal_id   TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			followed_at INTEGER NOT NULL,
			UNIQUE (user_id, signal_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_follows_user ON followed_signals(user_id)`,

		`CREATE TABLE IF NOT EXISTS profiles (
			user_id    TEXT PRIMARY KEY,
			email      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'pending',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_status ON profiles(status)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

const signalColumns = `id, symbol, type, entry, sl, tp, status, confidence, technical_reason, ai_insight, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (model.Signal, error) {
	var (
		sig       model.Signal
		reason    sql.NullString
		insight   sql.NullString
		createdAt int64
	)
	err := row.Scan(&sig.ID, &sig.Symbol, &sig.Type, &sig.Entry, &sig.StopLoss, &sig.TakeProfit,
		&sig.Status, &sig.Confidence, &reason, &insight, &createdAt)
	if err != nil {
		return sig, err
	}
	sig.TechnicalReason = reason.String
	sig.AIInsight = insight.String
	sig.CreatedAt = time.UnixMilli(createdAt).UTC()
	return sig, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *Store) ListSignals(ctx context.Context) ([]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *Store) GetSignal(ctx context.Context, id string) (*model.Signal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return &sig, nil
}

func (s *Store) InsertSignals(ctx context.Context, signals []model.Signal) ([]model.Signal, error) {
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("begin: %w", err)
	}

	out := make([]model.Signal, 0, len(signals))
	for _, sig := range signals {
		store.PrepareSignal(&sig)
		_, err := tx.ExecContext(ctx, `INSERT INTO signals (`+signalColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			sig.ID, sig.Symbol, sig.Type, sig.Entry, sig.StopLoss, sig.TakeProfit,
			sig.Status, sig.Confidence, nullString(sig.TechnicalReason), nullString(sig.AIInsight),
			sig.CreatedAt.UnixMilli(),
		)
		if err != nil {
			tx.Rollback()
			s.mu.Unlock()
			return nil, fmt.Errorf("insert signal %s: %w", sig.Symbol, err)
		}
		out = append(out, sig)
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.mu.Unlock()

	for _, sig := range out {
		s.signalFeed.Publish(store.SignalChange{Type: store.ChangeInsert, Signal: sig})
	}
	return out, nil
}

func (s *Store) UpdateSignal(ctx context.Context, id string, patch model.SignalPatch) error {
	var (
		sets []string
		args []any
	)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.AIInsight != nil {
		sets = append(sets, "ai_insight = ?")
		args = append(args, nullString(*patch.AIInsight))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `UPDATE signals SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("update signal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	sig, err := s.GetSignal(ctx, id)
	if err != nil {
		s.logger.Warn("reload updated signal failed", zap.String("id", id), zap.Error(err))
		return nil
	}
	s.signalFeed.Publish(store.SignalChange{Type: store.ChangeUpdate, Signal: *sig})
	return nil
}

func (s *Store) SubscribeSignals(_ context.Context, types []store.ChangeType, fn func(store.SignalChange)) (store.Subscription, error) {
	return s.signalFeed.Subscribe(func(c store.SignalChange) bool {
		return store.WantsChange(types, c.Type)
	}, fn), nil
}

func (s *Store) UpsertFollow(ctx context.Context, f model.Follow) error {
	store.PrepareFollow(&f)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO followed_signals
		(id, user_id, signal_id, entry_price, followed_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (user_id, signal_id) DO UPDATE SET
			entry_price = excluded.entry_price,
			followed_at = excluded.followed_at`,
		f.ID, f.UserID, f.SignalID, f.EntryPrice, f.FollowedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert follow: %w", err)
	}
	return nil
}

func (s *Store) DeleteFollow(ctx context.Context, userID, signalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM followed_signals WHERE user_id = ? AND signal_id = ?`, userID, signalID)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

func (s *Store) ListFollows(ctx context.Context, userID string) ([]model.Follow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, signal_id, entry_price, followed_at
		FROM followed_signals WHERE user_id = ? ORDER BY followed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query follows: %w", err)
	}
	defer rows.Close()

	var out []model.Follow
	for rows.Next() {
		var (
			f          model.Follow
			followedAt int64
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.SignalID, &f.EntryPrice, &followedAt); err != nil {
			return nil, fmt.Errorf("scan follow: %w", err)
		}
		f.FollowedAt = time.UnixMilli(followedAt).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (model.Profile, error) {
	var (
		p         model.Profile
		updatedAt int64
	)
	if err := row.Scan(&p.UserID, &p.Email, &p.Status, &updatedAt); err != nil {
		return p, err
	}
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, email, status, updated_at FROM profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p model.Profile) (*model.Profile, error) {
	if !p.Status.Valid() {
		p.Status = model.AccessPending
	}
	_, err := s.GetProfile(ctx, p.UserID)
	change := store.ChangeUpdate
	if errors.Is(err, store.ErrNotFound) {
		change = store.ChangeInsert
	} else if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO profiles (user_id, email, status, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT (user_id) DO UPDATE SET
			email = excluded.email,
			updated_at = excluded.updated_at`,
		p.UserID, p.Email, p.Status, time.Now().UnixMilli(),
	)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}

	saved, err := s.GetProfile(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	s.profileFeed.Publish(store.ProfileChange{Type: change, Profile: *saved})
	return saved, nil
}

func (s *Store) SetProfileStatus(ctx context.Context, userID string, status model.AccessStatus) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET status = ?, updated_at = ? WHERE user_id = ?`,
		status, time.Now().UnixMilli(), userID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set profile status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	s.profileFeed.Publish(store.ProfileChange{Type: store.ChangeUpdate, Profile: *p})
	return nil
}

func (s *Store) ListProfiles(ctx context.Context, status model.AccessStatus) ([]model.Profile, error) {
	query := `SELECT user_id, email, status, updated_at FROM profiles`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SubscribeProfile(_ context.Context, userID string, fn func(store.ProfileChange)) (store.Subscription, error) {
	return s.profileFeed.Subscribe(func(c store.ProfileChange) bool {
		return c.Profile.UserID == userID
	}, fn), nil
}

func (s *Store) Close() error {
	s.logger.Info("closing sqlite store")
	s.signalFeed.Close()
	s.profileFeed.Close()
	return s.db.Close()
}
