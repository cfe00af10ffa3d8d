package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"liveRelay/internal/domain"
)

const tokensSchema = `
CREATE TABLE IF NOT EXISTS tokens (
	platform TEXT NOT NULL,
	role TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT,
	expires_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL,
	metadata TEXT,
	PRIMARY KEY (platform, role)
);`

// CredentialStore persists refreshed OAuth tokens. It is the only state the
// relay keeps between runs.
type CredentialStore struct {
	db *sql.DB
}

func NewCredentialStore(dbPath string) (*CredentialStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite: empty db path")
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, errors.Wrap(err, "sqlite: creating dir")
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(tokensSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite: migrate tokens")
	}

	return &CredentialStore{db: db}, nil
}

func (s *CredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns (nil, nil) when nothing is stored for the pair.
func (s *CredentialStore) Get(ctx context.Context, platform domain.Platform, role string) (*domain.StoredToken, error) {
	const query = `
SELECT access_token, refresh_token, expires_at, updated_at, metadata
FROM tokens
WHERE platform = ? AND role = ?
LIMIT 1;
`

	row := s.db.QueryRowContext(ctx, query, string(platform), role)

	var accessToken, refreshToken, metadata sql.NullString
	var expiresAt, updatedAt sql.NullTime

	if err := row.Scan(&accessToken, &refreshToken, &expiresAt, &updatedAt, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "sqlite: get token")
	}

	return &domain.StoredToken{
		Platform:     platform,
		Role:         role,
		AccessToken:  accessToken.String,
		RefreshToken: refreshToken.String,
		ExpiresAt:    expiresAt.Time,
		UpdatedAt:    updatedAt.Time,
		Metadata:     decodeMetadata(metadata.String),
	}, nil
}

func (s *CredentialStore) Save(ctx context.Context, token *domain.StoredToken) error {
	if token == nil {
		return errors.New("sqlite: token nil")
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return errors.New("sqlite: empty access token")
	}

	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = time.Now().UTC()
	}

	const stmt = `
INSERT INTO tokens (platform, role, access_token, refresh_token, expires_at, updated_at, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, role) DO UPDATE SET
	access_token=excluded.access_token,
	refresh_token=excluded.refresh_token,
	expires_at=excluded.expires_at,
	updated_at=excluded.updated_at,
	metadata=excluded.metadata;
`

	_, err := s.db.ExecContext(
		ctx,
		stmt,
		string(token.Platform),
		token.Role,
		token.AccessToken,
		token.RefreshToken,
		nullTime(token.ExpiresAt),
		token.UpdatedAt,
		encodeMetadata(token.Metadata),
	)
	return errors.Wrap(err, "sqlite: save token")
}

func (s *CredentialStore) List(ctx context.Context) ([]*domain.StoredToken, error) {
	const query = `
SELECT platform, role, access_token, refresh_token, expires_at, updated_at, metadata
FROM tokens
ORDER BY platform, role;
`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: list tokens")
	}
	defer rows.Close()

	var out []*domain.StoredToken
	for rows.Next() {
		var platform, role string
		var accessToken, refreshToken, metadata sql.NullString
		var expiresAt, updatedAt sql.NullTime
		if err := rows.Scan(&platform, &role, &accessToken, &refreshToken, &expiresAt, &updatedAt, &metadata); err != nil {
			return nil, errors.Wrap(err, "sqlite: scan token")
		}

		out = append(out, &domain.StoredToken{
			Platform:     domain.Platform(platform),
			Role:         role,
			AccessToken:  accessToken.String,
			RefreshToken: refreshToken.String,
			ExpiresAt:    expiresAt.Time,
			UpdatedAt:    updatedAt.Time,
			Metadata:     decodeMetadata(metadata.String),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite: iterate tokens")
	}

	return out, nil
}

func (s *CredentialStore) Delete(ctx context.Context, platform domain.Platform, role string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE platform = ? AND role = ?`, string(platform), role)
	return errors.Wrap(err, "sqlite: delete token")
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func encodeMetadata(data map[string]string) interface{} {
	if len(data) == 0 {
		return nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return string(encoded)
}

func decodeMetadata(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil
	}
	return metadata
}

var _ domain.TokenRepository = (*CredentialStore)(nil)
