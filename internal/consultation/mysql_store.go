package consultation

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Oracle-Delphi/internal/errors"
)

const consultationColumns = `id, session_id, question, status, attempts, max_retries, last_error, error_code,
        result_reply, result_state, created_at, updated_at`

// MySQLStore 使用 MySQL 记录问询状态，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已建立的连接创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接不能为空")
	}
	return &MySQLStore{db: db, now: time.Now}, nil
}

// Create 插入新的问询记录。
func (s *MySQLStore) Create(ctx context.Context, c *Consultation) error {
	if c == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "问询不能为空")
	}
	if strings.TrimSpace(c.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "问询 ID 不能为空")
	}

	now := s.now().Unix()
	c.CreatedAt = now
	c.UpdatedAt = now

	const stmt = `INSERT INTO consultations
        (id, session_id, question, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		c.ID,
		c.SessionID,
		c.Question,
		string(c.Status),
		c.Attempts,
		c.MaxRetries,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入问询失败")
	}
	return nil
}

// Get 查询指定问询。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Consultation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE id = ?`, id)
	c, err := scanConsultation(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询问询失败")
	}
	return c, nil
}

// Claim 将问询标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Consultation, error) {
	const stmt = `UPDATE consultations SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新问询状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return c, nil
	}
	switch {
	case c.Status == StatusSucceeded:
		return c, ErrCompleted
	case c.Status == StatusRunning:
		return c, ErrConflict
	case c.Attempts >= c.MaxRetries:
		return c, ErrExhausted
	default:
		return c, ErrConflict
	}
}

// MarkSucceeded 记录神谕的回复。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	state, err := json.Marshal(result.RitualState)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码仪式状态失败")
	}
	const stmt = `UPDATE consultations SET status = ?, result_reply = ?, result_state = ?, updated_at = ?,
        last_error = '', error_code = '' WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusSucceeded),
		result.Reply,
		string(state),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记问询成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed 将问询标记为失败，terminal 时把尝试次数推到上限。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE consultations SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	if terminal {
		stmt = `UPDATE consultations SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        attempts = GREATEST(attempts, max_retries) WHERE id = ?`
	}

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		lastError,
		string(code),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记问询失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List 返回符合条件的问询。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Consultation, error) {
	opts.applyDefaults()

	query := `SELECT ` + consultationColumns + ` FROM consultations`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询问询列表失败")
	}
	defer rows.Close()

	items := make([]*Consultation, 0, opts.Limit)
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析问询记录失败")
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历问询失败")
	}
	return items, nil
}

// Stats 返回符合过滤条件的聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM consultations`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询问询统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsultation(row rowScanner) (*Consultation, error) {
	var (
		c         Consultation
		status    string
		lastError sql.NullString
		reply     sql.NullString
		state     sql.NullString
	)
	if err := row.Scan(
		&c.ID,
		&c.SessionID,
		&c.Question,
		&status,
		&c.Attempts,
		&c.MaxRetries,
		&lastError,
		&c.ErrorCode,
		&reply,
		&state,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.LastError = lastError.String
	if reply.Valid && reply.String != "" {
		c.Result = &Result{Reply: reply.String}
		if state.Valid && strings.TrimSpace(state.String) != "" {
			if err := json.Unmarshal([]byte(state.String), &c.Result.RitualState); err != nil {
				return nil, fmt.Errorf("解析仪式状态失败: %w", err)
			}
		}
	}
	return &c, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result_reply IS NOT NULL AND result_reply <> '')")
		} else {
			conditions = append(conditions, "(result_reply IS NULL OR result_reply = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR session_id LIKE ? OR question LIKE ? OR last_error LIKE ? OR result_reply LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
