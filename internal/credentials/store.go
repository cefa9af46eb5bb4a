package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus-qen/portalkombat/internal/portal"
)

const schemaVersion = 1

// Store persists credential profiles in SQLite. Reads run concurrently;
// writes are serialized and each is a single statement, so readers never
// observe a partially written profile.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	cipher Cipher
}

// NewStore opens (or creates) the profile database at dbPath.
func NewStore(dbPath string, cipher Cipher) (*Store, error) {
	if cipher == nil {
		return nil, errors.New("credential store requires a cipher")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open credentials db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS profiles (
		ssid        TEXT NOT NULL,
		bssid       TEXT NOT NULL DEFAULT '',
		username    TEXT NOT NULL,
		secret      BLOB NOT NULL,
		hints_json  TEXT NOT NULL DEFAULT '{}',
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (ssid, bssid)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create profiles: %w", err)
	}

	if err := ensureVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}
	if err := checkVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, cipher: cipher}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the profile for id. Rows are matched on SSID; when several
// share it, an exact BSSID match wins, then the SSID-wide row (empty
// BSSID), then the most recently updated row.
func (s *Store) Get(ctx context.Context, id portal.NetworkIdentity) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT
		ssid, bssid, username, secret, hints_json, updated_at
		FROM profiles
		WHERE ssid = ?`, strings.TrimSpace(id.SSID))
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var candidates []storedProfile
	for rows.Next() {
		sp, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}

	best := pickProfile(candidates, strings.ToLower(strings.TrimSpace(id.BSSID)))
	if best == nil {
		return nil, ErrNotFound
	}
	return s.open(best)
}

// Put inserts or replaces the profile for its network.
func (s *Store) Put(ctx context.Context, p Profile) error {
	p.normalize()
	if err := p.validate(); err != nil {
		return err
	}

	sealed, err := s.cipher.Encrypt([]byte(p.Secret.Reveal()), sealAAD(p.Network))
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	hints, err := json.Marshal(nonNilHints(p.FormHints))
	if err != nil {
		return fmt.Errorf("marshal form hints: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO profiles
		(ssid, bssid, username, secret, hints_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ssid, bssid) DO UPDATE SET
			username = excluded.username,
			secret = excluded.secret,
			hints_json = excluded.hints_json,
			updated_at = excluded.updated_at`,
		p.Network.SSID, p.Network.BSSID, p.Username, sealed, string(hints),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Delete removes the profile stored under exactly id.
func (s *Store) Delete(ctx context.Context, id portal.NetworkIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE ssid = ? AND bssid = ?`,
		strings.TrimSpace(id.SSID), strings.ToLower(strings.TrimSpace(id.BSSID)))
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Has reports whether a row exists for exactly id, without decrypting it.
func (s *Store) Has(ctx context.Context, id portal.NetworkIdentity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM profiles WHERE ssid = ? AND bssid = ?`,
		strings.TrimSpace(id.SSID), strings.ToLower(strings.TrimSpace(id.BSSID))).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count profiles: %w", err)
	}
	return n > 0, nil
}

// List returns redacted summaries of every profile, sorted by SSID.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT
		ssid, bssid, username, secret, hints_json, updated_at
		FROM profiles
		ORDER BY ssid, bssid`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		sp, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		fields := make([]string, 0, len(sp.hints))
		for k := range sp.hints {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		out = append(out, Summary{
			Network:   sp.network,
			Username:  sp.username,
			HasSecret: len(sp.sealed) > 0,
			FormHints: fields,
			UpdatedAt: sp.updatedAt,
		})
	}
	return out, rows.Err()
}

type storedProfile struct {
	network   portal.NetworkIdentity
	username  string
	sealed    []byte
	hints     map[string]string
	updatedAt time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*storedProfile, error) {
	var (
		sp        storedProfile
		hintsJSON string
		updatedAt string
	)
	if err := row.Scan(&sp.network.SSID, &sp.network.BSSID, &sp.username, &sp.sealed, &hintsJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	if hintsJSON != "" {
		if err := json.Unmarshal([]byte(hintsJSON), &sp.hints); err != nil {
			return nil, fmt.Errorf("decode form hints: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sp.updatedAt = t
	}
	return &sp, nil
}

func pickProfile(candidates []storedProfile, bssid string) *storedProfile {
	if len(candidates) == 0 {
		return nil
	}
	if bssid != "" {
		for i := range candidates {
			if candidates[i].network.BSSID == bssid {
				return &candidates[i]
			}
		}
	}
	for i := range candidates {
		if candidates[i].network.BSSID == "" {
			return &candidates[i]
		}
	}
	best := &candidates[0]
	for i := range candidates[1:] {
		if candidates[i+1].updatedAt.After(best.updatedAt) {
			best = &candidates[i+1]
		}
	}
	return best
}

func (s *Store) open(sp *storedProfile) (*Profile, error) {
	plain, err := s.cipher.Decrypt(sp.sealed, sealAAD(sp.network))
	if err != nil {
		return nil, fmt.Errorf("open secret for %s: %w", sp.network.SSID, err)
	}
	var hints map[string]string
	if len(sp.hints) > 0 {
		hints = sp.hints
	}
	return &Profile{
		Network:   sp.network,
		Username:  sp.username,
		Secret:    Secret{b: plain},
		FormHints: hints,
		UpdatedAt: sp.updatedAt,
	}, nil
}

func nonNilHints(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
