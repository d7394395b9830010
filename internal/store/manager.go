package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"backchannel/pkg/database"
	"backchannel/pkg/types"
)

// Manager implements interfaces.Store over SQLite. All writes funnel
// through a single goroutine; SQLite allows concurrent readers under WAL
// but only one writer, and serializing writes in-process avoids busy
// retries under load.
type Manager struct {
	db      *sql.DB
	writeCh chan writeOp
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
	mu      sync.RWMutex
}

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// NewManager opens the database, applies migrations and starts the write
// loop. An unreachable database here is fatal to the caller.
func NewManager(cfg *database.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := database.ApplyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := database.ValidateSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	m := &Manager{
		db:      db,
		writeCh: make(chan writeOp, 100),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.writeCh:
			op.result <- op.fn(m.db)
		case <-m.done:
			return
		}
	}
}

// executeWrite queues a write and waits for it, honoring the caller's
// context so no operation blocks past its deadline.
func (m *Manager) executeWrite(ctx context.Context, fn func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("%w: store is closed", types.ErrUpstream)
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrUpstream, err)
	}

	result := make(chan error, 1)
	select {
	case m.writeCh <- writeOp{fn: fn, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", types.ErrUpstream, ctx.Err())
	case <-m.done:
		return fmt.Errorf("%w: store is shutting down", types.ErrUpstream)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		// The write may still land; the caller's deadline has passed
		// either way.
		return fmt.Errorf("%w: %v", types.ErrUpstream, ctx.Err())
	}
}

// Close stops the write loop and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return m.db.Close()
}

// HealthCheck pings the database.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrUpstream, err)
	}
	return nil
}

// ----- users -----

const userColumns = "id, email, name, password, role, is_blocked, ip_address, created_at"

func scanUser(row interface{ Scan(...any) error }) (*types.User, error) {
	var u types.User
	var blocked int
	var createdAt string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &blocked, &u.BoundIP, &createdAt); err != nil {
		return nil, err
	}
	u.IsBlocked = blocked == 1
	u.CreatedAt = parseTimestamp("user", u.ID, createdAt)
	return &u, nil
}

// parseTimestamp reads a stored RFC3339 timestamp. A malformed value means
// the row was written outside this code path; the row itself is still
// usable, so log the corruption and fall back to the zero time rather than
// failing the read.
func parseTimestamp(entity, id, raw string) time.Time {
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Printf("Malformed created_at: %s=%s value=%q: %v", entity, id, raw, err)
		return time.Time{}
	}
	return ts
}

func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			user.ID, user.Email, user.Name, user.PasswordHash, user.Role,
			boolToInt(user.IsBlocked), user.BoundIP, user.CreatedAt.Format(time.RFC3339),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: email already in use", types.ErrConflict)
		}
		return err
	})
}

func (m *Manager) GetUser(ctx context.Context, id string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", types.ErrNotFound, id)
	}
	return user, err
}

func (m *Manager) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no user with that email", types.ErrNotFound)
	}
	return user, err
}

func (m *Manager) ListUsers(ctx context.Context) ([]*types.User, error) {
	return m.queryUsers(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at")
}

// ListUserSummaries backs the degraded listing for non-admin callers:
// id and name only, admin accounts excluded.
func (m *Manager) ListUserSummaries(ctx context.Context) ([]*types.UserSummary, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT id, name FROM users WHERE role != ? ORDER BY name", types.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstream, err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []*types.UserSummary
	for rows.Next() {
		var s types.UserSummary
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, err
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

// SearchUsers matches name or email, excluding admin accounts.
func (m *Manager) SearchUsers(ctx context.Context, query string) ([]*types.User, error) {
	pattern := "%" + query + "%"
	return m.queryUsers(ctx,
		"SELECT "+userColumns+" FROM users WHERE (name LIKE ? OR email LIKE ?) AND role != ?",
		pattern, pattern, types.RoleAdmin)
}

func (m *Manager) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.Exec("UPDATE users SET is_blocked = ? WHERE id = ?", boolToInt(blocked), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: user %s", types.ErrNotFound, id)
		}
		return nil
	})
}

func (m *Manager) queryUsers(ctx context.Context, query string, args ...any) ([]*types.User, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstream, err)
	}
	defer func() { _ = rows.Close() }()

	var users []*types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ----- groups -----

func (m *Manager) CreateGroup(ctx context.Context, group *types.Group) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.Exec(
			"INSERT INTO groups (id, name, admin_id, created_at) VALUES (?, ?, ?, ?)",
			group.ID, group.Name, group.AdminID, group.CreatedAt.Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
		for _, memberID := range group.Members {
			_, err = tx.Exec(
				"INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)",
				group.ID, memberID,
			)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (m *Manager) GetGroup(ctx context.Context, id string) (*types.Group, error) {
	var g types.Group
	var createdAt string
	err := m.db.QueryRowContext(ctx,
		"SELECT id, name, admin_id, created_at FROM groups WHERE id = ?", id,
	).Scan(&g.ID, &g.Name, &g.AdminID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: group %s", types.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstream, err)
	}
	g.CreatedAt = parseTimestamp("group", g.ID, createdAt)

	g.Members, err = m.groupMembers(ctx, id)
	return &g, err
}

func (m *Manager) ListGroups(ctx context.Context) ([]*types.Group, error) {
	return m.queryGroups(ctx, "SELECT id, name, admin_id, created_at FROM groups ORDER BY created_at")
}

func (m *Manager) ListGroupsForUser(ctx context.Context, userID string) ([]*types.Group, error) {
	return m.queryGroups(ctx, `
		SELECT g.id, g.name, g.admin_id, g.created_at
		FROM groups g JOIN group_members gm ON g.id = gm.group_id
		WHERE gm.user_id = ? ORDER BY g.created_at`, userID)
}

func (m *Manager) RenameGroup(ctx context.Context, id, name string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.Exec("UPDATE groups SET name = ? WHERE id = ?", name, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: group %s", types.ErrNotFound, id)
		}
		return nil
	})
}

// DeleteGroup removes memberships, then messages, then the group row, in
// one transaction so referential order holds.
func (m *Manager) DeleteGroup(ctx context.Context, id string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec("DELETE FROM group_members WHERE group_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM messages WHERE group_id = ?", id); err != nil {
			return err
		}
		res, err := tx.Exec("DELETE FROM groups WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: group %s", types.ErrNotFound, id)
		}
		return tx.Commit()
	})
}

func (m *Manager) queryGroups(ctx context.Context, query string, args ...any) ([]*types.Group, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstream, err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*types.Group
	for rows.Next() {
		var g types.Group
		var createdAt string
		if err := rows.Scan(&g.ID, &g.Name, &g.AdminID, &createdAt); err != nil {
			return nil, err
		}
		g.CreatedAt = parseTimestamp("group", g.ID, createdAt)
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, g := range groups {
		g.Members, err = m.groupMembers(ctx, g.ID)
		if err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (m *Manager) groupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT user_id FROM group_members WHERE group_id = ?", groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUpstream, err)
	}
	defer func() { _ = rows.Close() }()

	members := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// ----- memberships -----

func (m *Manager) AddMember(ctx context.Context, groupID, userID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			"INSERT INTO group_members (group_id, user_id) VALUES (?, ?)", groupID, userID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user is already a member", types.ErrConflict)
		}
		return err
	})
}

func (m *Manager) RemoveMember(ctx context.Context, groupID, userID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.Exec(
			"DELETE FROM group_members WHERE group_id = ? AND user_id = ?", groupID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: user is not a member of the group", types.ErrNotFound)
		}
		return nil
	})
}

func (m *Manager) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx,
		"SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?", groupID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrUpstream, err)
	}
	return true, nil
}

// ----- messages -----

func (m *Manager) StoreMessage(ctx context.Context, message *types.Message) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.Exec(
			"INSERT INTO messages (id, group_id, sender_id, content, timestamp, type) VALUES (?, ?, ?, ?, ?, ?)",
			message.ID, message.GroupID, message.SenderID, message.Content,
			message.Timestamp.Format(time.RFC3339Nano), message.Type,
		)
		return err
	})
}

// ----- bootstrap -----

// EnsureDefaultUsers seeds the two well-known accounts on first start so a
// fresh deployment is immediately usable. hashPassword comes from the auth
// service; the store does not know about bcrypt.
func (m *Manager) EnsureDefaultUsers(ctx context.Context, hashPassword func(string) (string, error)) error {
	defaults := []struct {
		id, email, name, role string
	}{
		{"1", "user@user.com", "User", types.RoleUser},
		{"2", "admin@admin.com", "Admin", types.RoleAdmin},
	}

	for _, d := range defaults {
		if _, err := m.GetUserByEmail(ctx, d.email); err == nil {
			continue
		} else if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		hash, err := hashPassword("123456")
		if err != nil {
			return fmt.Errorf("failed to hash default password: %w", err)
		}
		user := &types.User{
			ID:           d.id,
			Email:        d.email,
			Name:         d.name,
			Role:         d.role,
			PasswordHash: hash,
			CreatedAt:    time.Now(),
		}
		if err := m.CreateUser(ctx, user); err != nil {
			return err
		}
		log.Printf("Default user created: email=%s role=%s", d.email, d.role)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
