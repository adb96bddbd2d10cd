package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a postgres unique-constraint error.
// The merge coordinator relies on this to lose provider-linking races cleanly.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const identityColumns = `
	id,
	COALESCE(anon_token, ''),
	COALESCE(github_id, ''),
	COALESCE(github_username, ''),
	COALESCE(github_avatar_url, ''),
	COALESCE(github_access_token, ''),
	COALESCE(google_id, ''),
	COALESCE(google_email, ''),
	COALESCE(google_name, ''),
	COALESCE(google_avatar_url, ''),
	COALESCE(google_access_token, ''),
	COALESCE(pending_transfer_from, ''),
	created_at,
	updated_at
`

func scanIdentity(row *sql.Row) (Identity, error) {
	var identity Identity
	err := row.Scan(
		&identity.ID,
		&identity.AnonToken,
		&identity.GitHubID,
		&identity.GitHubUsername,
		&identity.GitHubAvatarURL,
		&identity.GitHubAccessToken,
		&identity.GoogleID,
		&identity.GoogleEmail,
		&identity.GoogleName,
		&identity.GoogleAvatarURL,
		&identity.GoogleAccessToken,
		&identity.PendingTransferFrom,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	return identity, err
}

func (s *PostgresStore) GetIdentity(ctx context.Context, identityID string) (Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id=$1`, identityID)
	return scanIdentity(row)
}

func (s *PostgresStore) GetIdentityByToken(ctx context.Context, token string) (Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE anon_token=$1`, token)
	return scanIdentity(row)
}

func (s *PostgresStore) GetIdentityByProvider(ctx context.Context, provider, externalID string) (Identity, error) {
	column, err := providerIDColumn(provider)
	if err != nil {
		return Identity{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE `+column+`=$1`, externalID)
	return scanIdentity(row)
}

func (s *PostgresStore) CreateAnonymousIdentity(ctx context.Context, identityID, token string) (Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO identities (id, anon_token)
		VALUES ($1, $2)
		RETURNING `+identityColumns, identityID, token)
	identity, err := scanIdentity(row)
	if err != nil {
		if IsUniqueViolation(err) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("insert anonymous identity: %w", err)
	}
	return identity, nil
}

// CreateLinkedIdentity inserts an identity already carrying a provider id.
// pendingFrom, when non-empty, records the anonymous identity whose documents
// are owed to the new one; it stays set until TransferDocuments commits.
func (s *PostgresStore) CreateLinkedIdentity(ctx context.Context, identityID string, profile ProviderProfile, pendingFrom string) (Identity, error) {
	var row *sql.Row
	switch profile.Provider {
	case ProviderGitHub:
		row = s.db.QueryRowContext(ctx, `
			INSERT INTO identities (id, github_id, github_username, github_avatar_url, github_access_token, pending_transfer_from)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
			RETURNING `+identityColumns,
			identityID, profile.ExternalID, profile.Username, profile.AvatarURL, profile.AccessToken, pendingFrom)
	case ProviderGoogle:
		row = s.db.QueryRowContext(ctx, `
			INSERT INTO identities (id, google_id, google_email, google_name, google_avatar_url, google_access_token, pending_transfer_from)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
			RETURNING `+identityColumns,
			identityID, profile.ExternalID, profile.Email, profile.Name, profile.AvatarURL, profile.AccessToken, pendingFrom)
	default:
		return Identity{}, fmt.Errorf("unknown provider %q", profile.Provider)
	}
	identity, err := scanIdentity(row)
	if err != nil {
		if IsUniqueViolation(err) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("insert linked identity: %w", err)
	}
	return identity, nil
}

// AttachProvider writes a provider id and its profile onto an existing
// identity, used when an authenticated account links a second provider. The
// per-provider unique index still applies; the caller handles the conflict.
func (s *PostgresStore) AttachProvider(ctx context.Context, identityID string, profile ProviderProfile) (Identity, error) {
	var row *sql.Row
	switch profile.Provider {
	case ProviderGitHub:
		row = s.db.QueryRowContext(ctx, `
			UPDATE identities
			SET github_id=$2, github_username=$3, github_avatar_url=$4, github_access_token=$5, updated_at=NOW()
			WHERE id=$1
			RETURNING `+identityColumns,
			identityID, profile.ExternalID, profile.Username, profile.AvatarURL, profile.AccessToken)
	case ProviderGoogle:
		row = s.db.QueryRowContext(ctx, `
			UPDATE identities
			SET google_id=$2, google_email=$3, google_name=$4, google_avatar_url=$5, google_access_token=$6, updated_at=NOW()
			WHERE id=$1
			RETURNING `+identityColumns,
			identityID, profile.ExternalID, profile.Email, profile.Name, profile.AvatarURL, profile.AccessToken)
	default:
		return Identity{}, fmt.Errorf("unknown provider %q", profile.Provider)
	}
	identity, err := scanIdentity(row)
	if err != nil {
		if IsUniqueViolation(err) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("attach provider: %w", err)
	}
	return identity, nil
}

// UpdateProviderProfile refreshes the mutable profile fields for a returning
// login. The provider id column itself is never rewritten.
func (s *PostgresStore) UpdateProviderProfile(ctx context.Context, identityID string, profile ProviderProfile) (Identity, error) {
	var row *sql.Row
	switch profile.Provider {
	case ProviderGitHub:
		row = s.db.QueryRowContext(ctx, `
			UPDATE identities
			SET github_username=$2, github_avatar_url=$3, github_access_token=$4, updated_at=NOW()
			WHERE id=$1
			RETURNING `+identityColumns,
			identityID, profile.Username, profile.AvatarURL, profile.AccessToken)
	case ProviderGoogle:
		row = s.db.QueryRowContext(ctx, `
			UPDATE identities
			SET google_email=$2, google_name=$3, google_avatar_url=$4, google_access_token=$5, updated_at=NOW()
			WHERE id=$1
			RETURNING `+identityColumns,
			identityID, profile.Email, profile.Name, profile.AvatarURL, profile.AccessToken)
	default:
		return Identity{}, fmt.Errorf("unknown provider %q", profile.Provider)
	}
	identity, err := scanIdentity(row)
	if err != nil {
		return Identity{}, fmt.Errorf("update provider profile: %w", err)
	}
	return identity, nil
}

// TransferDocuments moves every document owned by fromID to toID and clears
// the pending-transfer marker on toID, in one transaction. Each document is
// owned by exactly one of the two identities at every point; re-running after
// a crash matches nothing and still clears the marker.
func (s *PostgresStore) TransferDocuments(ctx context.Context, fromID, toID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transfer tx: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE documents SET owner_id=$2 WHERE owner_id=$1
	`, fromID, toID)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("transfer documents: %w", err)
	}
	moved, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("transfer rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE identities SET pending_transfer_from=NULL, updated_at=NOW() WHERE id=$1
	`, toID); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("clear pending transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transfer: %w", err)
	}
	return moved, nil
}

func providerIDColumn(provider string) (string, error) {
	switch provider {
	case ProviderGitHub:
		return "github_id", nil
	case ProviderGoogle:
		return "google_id", nil
	}
	return "", fmt.Errorf("unknown provider %q", provider)
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) (Document, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, content, title, can_edit, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, content, title, can_edit, owner_id, created_at, updated_at
	`, item.ID, item.Content, item.Title, item.CanEdit, item.OwnerID).Scan(
		&item.ID, &item.Content, &item.Title, &item.CanEdit, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, title, can_edit, owner_id, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Content, &item.Title, &item.CanEdit, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

// UpdateDocument applies a partial update; nil fields keep their value.
func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID string, content, title *string, canEdit *bool) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET content=COALESCE($2, content),
			title=COALESCE($3, title),
			can_edit=COALESCE($4, can_edit),
			updated_at=NOW()
		WHERE id=$1
		RETURNING id, content, title, can_edit, owner_id, created_at, updated_at
	`, documentID, content, title, canEdit).Scan(
		&item.ID, &item.Content, &item.Title, &item.CanEdit, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// ListDocumentsByOwner returns the owner's documents, most recently updated
// first. Content is omitted; lists only need metadata.
func (s *PostgresStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, can_edit, owner_id, created_at, updated_at
		FROM documents
		WHERE owner_id=$1
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Title, &item.CanEdit, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}
