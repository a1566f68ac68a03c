package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"SignalDesk/internal/model"
	"SignalDesk/internal/store"
)

const (
	signalChannel  = "signaldesk_signals"
	profileChannel = "signaldesk_profiles"
)

// Config holds connection settings for the hosted Postgres database.
type Config struct {
	DSN      string
	MaxConns int
	Timeout  time.Duration
}

// Store is a Postgres-backed store.Store. Realtime changes come from row
// triggers that NOTIFY the row id; the listener reloads the row and fans it out.
type Store struct {
	db       *sqlx.DB
	listener *pq.Listener
	logger   *zap.Logger

	signalFeed  *store.Feed[store.SignalChange]
	profileFeed *store.Feed[store.ProfileChange]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open connects, verifies connectivity, ensures the schema and starts listening for changes.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	s := &Store{
		db:          db,
		logger:      logger,
		signalFeed:  store.NewFeed[store.SignalChange](),
		profileFeed: store.NewFeed[store.ProfileChange](),
	}

	s.listener = pq.NewListener(cfg.DSN, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	for _, ch := range []string{signalChannel, profileChannel} {
		if err := s.listener.Listen(ch); err != nil {
			s.listener.Close()
			db.Close()
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}

	listenCtx, stop := context.WithCancel(context.Background())
	s.cancel = stop
	s.wg.Add(1)
	go s.listen(listenCtx)

	logger.Info("postgres store opened", zap.Int("max_conns", cfg.MaxConns))
	return s, nil
}

// EnsureSchema creates tables and the NOTIFY triggers if they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id               TEXT PRIMARY KEY,
			symbol           TEXT NOT NULL,
			type             TEXT NOT NULL,
			entry            NUMERIC NOT NULL,
			sl               NUMERIC NOT NULL,
			tp               NUMERIC NOT NULL,
			status           TEXT NOT NULL,
			confidence       INTEGER NOT NULL CHECK (confidence BETWEEN 0 AND 100),
			technical_reason TEXT,
			ai_insight       TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created ON signals (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS followed_signals (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			signal_id   TEXT NOT NULL REFERENCES signals (id),
			entry_price NUMERIC NOT NULL,
			followed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, signal_id)
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id    TEXT PRIMARY KEY,
			email      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'pending',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE OR REPLACE FUNCTION signaldesk_notify() RETURNS trigger AS $$
		BEGIN
			IF TG_TABLE_NAME = 'signals' THEN
				PERFORM pg_notify('` + signalChannel + `', TG_OP || ':' || NEW.id);
			ELSE
				PERFORM pg_notify('` + profileChannel + `', TG_OP || ':' || NEW.user_id);
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS signals_notify ON signals`,
		`CREATE TRIGGER signals_notify AFTER INSERT OR UPDATE ON signals
			FOR EACH ROW EXECUTE FUNCTION signaldesk_notify()`,
		`DROP TRIGGER IF EXISTS profiles_notify ON profiles`,
		`CREATE TRIGGER profiles_notify AFTER INSERT OR UPDATE ON profiles
			FOR EACH ROW EXECUTE FUNCTION signaldesk_notify()`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ParseNotification splits a trigger payload of the form "OP:id".
func ParseNotification(payload string) (store.ChangeType, string, error) {
	op, id, ok := strings.Cut(payload, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed payload %q", payload)
	}
	switch t := store.ChangeType(op); t {
	case store.ChangeInsert, store.ChangeUpdate, store.ChangeDelete:
		return t, id, nil
	default:
		return "", "", fmt.Errorf("unknown operation %q", op)
	}
}

func (s *Store) listen(ctx context.Context) {
	defer s.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := s.listener.Ping(); err != nil {
				s.logger.Warn("postgres listener ping failed", zap.Error(err))
			}
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected; notifications sent while disconnected are lost.
				s.logger.Info("postgres listener reconnected")
				continue
			}
			s.dispatch(ctx, n)
		}
	}
}

func (s *Store) dispatch(ctx context.Context, n *pq.Notification) {
	op, id, err := ParseNotification(n.Extra)
	if err != nil {
		s.logger.Warn("ignoring notification", zap.String("channel", n.Channel), zap.Error(err))
		return
	}
	switch n.Channel {
	case signalChannel:
		sig, err := s.GetSignal(ctx, id)
		if err != nil {
			s.logger.Warn("reload notified signal failed", zap.String("id", id), zap.Error(err))
			return
		}
		s.signalFeed.Publish(store.SignalChange{Type: op, Signal: *sig})
	case profileChannel:
		p, err := s.GetProfile(ctx, id)
		if err != nil {
			s.logger.Warn("reload notified profile failed", zap.String("user_id", id), zap.Error(err))
			return
		}
		s.profileFeed.Publish(store.ProfileChange{Type: op, Profile: *p})
	}
}

type signalRow struct {
	ID              string             `db:"id"`
	Symbol          string             `db:"symbol"`
	Type            model.SignalType   `db:"type"`
	Entry           decimal.Decimal    `db:"entry"`
	StopLoss        decimal.Decimal    `db:"sl"`
	TakeProfit      decimal.Decimal    `db:"tp"`
	Status          model.SignalStatus `db:"status"`
	Confidence      int                `db:"confidence"`
	TechnicalReason sql.NullString     `db:"technical_reason"`
	AIInsight       sql.NullString     `db:"ai_insight"`
	CreatedAt       time.Time          `db:"created_at"`
}

func (r signalRow) toModel() model.Signal {
	return model.Signal{
		ID:              r.ID,
		Symbol:          r.Symbol,
		Type:            r.Type,
		Entry:           r.Entry,
		StopLoss:        r.StopLoss,
		TakeProfit:      r.TakeProfit,
		Status:          r.Status,
		Confidence:      r.Confidence,
		TechnicalReason: r.TechnicalReason.String,
		AIInsight:       r.AIInsight.String,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

const signalColumns = `id, symbol, type, entry, sl, tp, status, confidence, technical_reason, ai_insight, created_at`

func (s *Store) ListSignals(ctx context.Context) ([]model.Signal, error) {
	var rows []signalRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+signalColumns+` FROM signals ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	out := make([]model.Signal, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Store) GetSignal(ctx context.Context, id string) (*model.Signal, error) {
	var row signalRow
	err := s.db.GetContext(ctx, &row, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	sig := row.toModel()
	return &sig, nil
}

func (s *Store) InsertSignals(ctx context.Context, signals []model.Signal) ([]model.Signal, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	out := make([]model.Signal, 0, len(signals))
	for _, sig := range signals {
		store.PrepareSignal(&sig)
		_, err := tx.ExecContext(ctx, `INSERT INTO signals (`+signalColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			sig.ID, sig.Symbol, sig.Type, sig.Entry, sig.StopLoss, sig.TakeProfit,
			sig.Status, sig.Confidence, nullString(sig.TechnicalReason), nullString(sig.AIInsight),
			sig.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert signal %s: %w", sig.Symbol, err)
		}
		out = append(out, sig)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateSignal(ctx context.Context, id string, patch model.SignalPatch) error {
	var (
		sets []string
		args []any
	)
	if patch.Status != nil {
		args = append(args, *patch.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if patch.AIInsight != nil {
		args = append(args, nullString(*patch.AIInsight))
		sets = append(sets, fmt.Sprintf("ai_insight = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE signals SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("update signal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SubscribeSignals(_ context.Context, types []store.ChangeType, fn func(store.SignalChange)) (store.Subscription, error) {
	return s.signalFeed.Subscribe(func(c store.SignalChange) bool {
		return store.WantsChange(types, c.Type)
	}, fn), nil
}

func (s *Store) UpsertFollow(ctx context.Context, f model.Follow) error {
	store.PrepareFollow(&f)
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO followed_signals
		(id, user_id, signal_id, entry_price, followed_at)
		VALUES (:id, :user_id, :signal_id, :entry_price, :followed_at)
		ON CONFLICT (user_id, signal_id) DO UPDATE SET
			entry_price = EXCLUDED.entry_price,
			followed_at = EXCLUDED.followed_at`, f)
	if err != nil {
		return fmt.Errorf("upsert follow: %w", err)
	}
	return nil
}

func (s *Store) DeleteFollow(ctx context.Context, userID, signalID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM followed_signals WHERE user_id = $1 AND signal_id = $2`, userID, signalID); err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

func (s *Store) ListFollows(ctx context.Context, userID string) ([]model.Follow, error) {
	var out []model.Follow
	err := s.db.SelectContext(ctx, &out, `SELECT id, user_id, signal_id, entry_price, followed_at
		FROM followed_signals WHERE user_id = $1 ORDER BY followed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query follows: %w", err)
	}
	return out, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	err := s.db.GetContext(ctx, &p, `SELECT user_id, email, status, updated_at FROM profiles WHERE user_id = $1`, userID)
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
	var saved model.Profile
	err := s.db.GetContext(ctx, &saved, `INSERT INTO profiles (user_id, email, status, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email, updated_at = now()
		RETURNING user_id, email, status, updated_at`, p.UserID, p.Email, p.Status)
	if err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}
	return &saved, nil
}

func (s *Store) SetProfileStatus(ctx context.Context, userID string, status model.AccessStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET status = $1, updated_at = now() WHERE user_id = $2`, status, userID)
	if err != nil {
		return fmt.Errorf("set profile status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListProfiles(ctx context.Context, status model.AccessStatus) ([]model.Profile, error) {
	query := `SELECT user_id, email, status, updated_at FROM profiles`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY user_id`

	var out []model.Profile
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	return out, nil
}

func (s *Store) SubscribeProfile(_ context.Context, userID string, fn func(store.ProfileChange)) (store.Subscription, error) {
	return s.profileFeed.Subscribe(func(c store.ProfileChange) bool {
		return c.Profile.UserID == userID
	}, fn), nil
}

func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	s.signalFeed.Close()
	s.profileFeed.Close()
	if err := s.listener.Close(); err != nil {
		s.logger.Warn("close listener", zap.Error(err))
	}
	return s.db.Close()
}
