package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"mentorchat/internal/apperr"
	"mentorchat/internal/models"
)

var ErrUsernameTaken = errors.New("username already exists")

const userColumns = `id, username, password, display_name, email, role, avatar, created_at`

const (
	// SearchLimit caps SearchUsers results.
	SearchLimit = 10
	// profileBatch keeps each GetProfiles query under sqlite's bound
	// parameter limit.
	profileBatch = 500
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (db *DB) CreateUser(ctx context.Context, user models.User) (*models.User, error) {
	if strings.TrimSpace(user.Username) == "" {
		return nil, apperr.Validation("CreateUser", "username is required")
	}
	if user.Role == "" {
		user.Role = models.RoleStudent
	}
	switch user.Role {
	case models.RoleStudent, models.RoleAlumni, models.RoleAdmin:
	default:
		return nil, apperr.Validation("CreateUser", "unknown role %q", user.Role)
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Username
	}
	user.CreatedAt = time.Now().UTC()

	result, err := db.ExecContext(ctx,
		`INSERT INTO users (username, password, display_name, email, role, avatar, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.Username, user.Password, user.DisplayName, user.Email, user.Role, user.Avatar, user.CreatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user %q: %w", user.Username, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read user id: %w", err)
	}
	user.ID = id

	db.logger.Info("user_created", "user_id", id, "role", user.Role)
	return &user, nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("GetUserByUsername", "user %q not found", username)
		}
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	return user, nil
}

func (db *DB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("GetUserByID", "user %d not found", id)
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return user, nil
}

// ListUsers returns up to limit users other than excludeID, by display name.
func (db *DB) ListUsers(ctx context.Context, excludeID int64, limit int) ([]*models.User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id != ?
		ORDER BY display_name COLLATE NOCASE, username
		LIMIT ?
	`, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

// SearchUsers matches display name or username case-insensitively, exact and
// prefix matches first. The caller is excluded from the result. Wildcards in
// query match literally.
func (db *DB) SearchUsers(ctx context.Context, query string, excludeID int64) ([]*models.User, error) {
	literal := likeEscaper.Replace(query)
	rows, err := db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id != ? AND (display_name LIKE ? ESCAPE '\' OR username LIKE ? ESCAPE '\')
		ORDER BY
			CASE
				WHEN display_name LIKE ? ESCAPE '\' THEN 1
				WHEN display_name LIKE ? ESCAPE '\' THEN 2
				ELSE 3
			END,
			display_name COLLATE NOCASE
		LIMIT ?
	`, excludeID, "%"+literal+"%", "%"+literal+"%", literal, literal+"%", SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

// GetProfiles resolves ids to profile summaries. Unknown ids are absent from
// the result. Large id sets are queried in batches.
func (db *DB) GetProfiles(ctx context.Context, ids []int64) (map[int64]models.ProfileSummary, error) {
	out := make(map[int64]models.ProfileSummary, len(ids))
	for start := 0; start < len(ids); start += profileBatch {
		end := min(start+profileBatch, len(ids))
		if err := db.loadProfiles(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *DB) loadProfiles(ctx context.Context, ids []int64, out map[int64]models.ProfileSummary) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	users, err := collectUsers(rows)
	if err != nil {
		return err
	}
	for _, user := range users {
		out[user.ID] = user.Summary()
	}
	return nil
}

func collectUsers(rows *sql.Rows) ([]*models.User, error) {
	users := make([]*models.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return users, nil
}

func scanUser(row scanner) (*models.User, error) {
	var (
		user      models.User
		createdAt sql.NullTime
	)
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Password,
		&user.DisplayName,
		&user.Email,
		&user.Role,
		&user.Avatar,
		&createdAt,
	); err != nil {
		return nil, err
	}
	if createdAt.Valid {
		user.CreatedAt = createdAt.Time
	}
	return &user, nil
}
