// ABOUTME: Project and monitored-chat persistence for the SQLite store
// ABOUTME: Chats are unique per (project_id, chat_handle); deletes cascade

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// maxProjectNameLen mirrors the schema CHECK constraint.
const maxProjectNameLen = 50

// CreateProject creates an active project for the user.
func (s *SQLiteStore) CreateProject(ctx context.Context, userID int64, name, description string) (*Project, error) {
	if name == "" || len([]rune(name)) > maxProjectNameLen {
		return nil, fmt.Errorf("project name must be 1-%d characters", maxProjectNameLen)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (user_id, name, description) VALUES (?, ?, ?)`,
		userID, name, description)
	if err != nil {
		return nil, fmt.Errorf("inserting project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading project id: %w", err)
	}
	return &Project{ID: id, UserID: userID, Name: name, Description: description, IsActive: true}, nil
}

const projectColumns = `id, user_id, name, description, is_active`

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	return &p, nil
}

// GetProject returns a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id int64) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListUserProjects returns a user's projects.
func (s *SQLiteStore) ListUserProjects(ctx context.Context, userID int64, activeOnly bool) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE user_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	return s.queryProjects(ctx, query+` ORDER BY id`, userID)
}

// ListActiveProjects returns every active project across all users.
func (s *SQLiteStore) ListActiveProjects(ctx context.Context) ([]*Project, error) {
	return s.queryProjects(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE is_active = 1 ORDER BY id`)
}

// CountActiveProjects returns the number of active projects owned by a user.
func (s *SQLiteStore) CountActiveProjects(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE user_id = ? AND is_active = 1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting projects: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryProjects(ctx context.Context, query string, args ...any) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SetProjectActive toggles a project's active flag.
func (s *SQLiteStore) SetProjectActive(ctx context.Context, id int64, isActive bool) error {
	return s.execExpectingRow(ctx,
		`UPDATE projects SET is_active = ? WHERE id = ?`, isActive, id)
}

// DeleteProject removes a project; its chats go with it via cascade.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id int64) error {
	return s.execExpectingRow(ctx, `DELETE FROM projects WHERE id = ?`, id)
}

// AddChat attaches a chat to a project. The (project_id, chat_handle) pair is
// unique; repeats fail with ErrDuplicateChat.
func (s *SQLiteStore) AddChat(ctx context.Context, chat *MonitoredChat) (*MonitoredChat, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO project_chats (project_id, chat_handle, chat_title, chat_type, invite_link, keywords)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		chat.ProjectID, chat.ChatHandle, chat.Title, chat.Type, chat.InviteLink, chat.Keywords)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateChat
		}
		return nil, fmt.Errorf("inserting chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading chat id: %w", err)
	}

	created := *chat
	created.ID = id
	created.IsActive = true
	return &created, nil
}

const chatColumns = `id, project_id, chat_handle, chat_title, chat_type, invite_link, keywords, is_active`

func scanChat(row interface{ Scan(...any) error }) (*MonitoredChat, error) {
	var c MonitoredChat
	err := row.Scan(&c.ID, &c.ProjectID, &c.ChatHandle, &c.Title, &c.Type,
		&c.InviteLink, &c.Keywords, &c.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning chat: %w", err)
	}
	return &c, nil
}

// GetChat returns a monitored chat by id.
func (s *SQLiteStore) GetChat(ctx context.Context, id int64) (*MonitoredChat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM project_chats WHERE id = ?`, id)
	return scanChat(row)
}

// ListProjectChats returns a project's chats.
func (s *SQLiteStore) ListProjectChats(ctx context.Context, projectID int64, activeOnly bool) ([]*MonitoredChat, error) {
	query := `SELECT ` + chatColumns + ` FROM project_chats WHERE project_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}

	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*MonitoredChat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// CountActiveChats returns the number of active chats in a project.
func (s *SQLiteStore) CountActiveChats(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM project_chats WHERE project_id = ? AND is_active = 1`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting chats: %w", err)
	}
	return n, nil
}

// SetChatActive toggles a chat's active flag.
func (s *SQLiteStore) SetChatActive(ctx context.Context, id int64, isActive bool) error {
	return s.execExpectingRow(ctx,
		`UPDATE project_chats SET is_active = ? WHERE id = ?`, isActive, id)
}

// UpdateChatKeywords replaces a chat's keyword filter.
func (s *SQLiteStore) UpdateChatKeywords(ctx context.Context, id int64, keywords string) error {
	return s.execExpectingRow(ctx,
		`UPDATE project_chats SET keywords = ? WHERE id = ?`, keywords, id)
}

// UpdateChatTitle stores the resolved chat title after a successful join.
func (s *SQLiteStore) UpdateChatTitle(ctx context.Context, id int64, title string) error {
	return s.execExpectingRow(ctx,
		`UPDATE project_chats SET chat_title = ? WHERE id = ?`, title, id)
}

// DeleteChat removes a chat from its project.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id int64) error {
	return s.execExpectingRow(ctx, `DELETE FROM project_chats WHERE id = ?`, id)
}

// execExpectingRow runs a statement that must affect at least one row.
func (s *SQLiteStore) execExpectingRow(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
