package memory

import (
	"context"
	"database/sql"
	"time"

	xerrors "Oracle-Delphi/internal/errors"
	"Oracle-Delphi/internal/llm"
)

// MySQLStore 将对话保存在 oracle_messages 表中。
type MySQLStore struct {
	db  *sql.DB
	max int
}

// NewMySQLStore 基于已迁移的连接池创建存储，maxPerThread > 0 时每个线程只保留最近的消息。
func NewMySQLStore(db *sql.DB, maxPerThread int) *MySQLStore {
	if maxPerThread < 0 {
		maxPerThread = 0
	}
	return &MySQLStore{db: db, max: maxPerThread}
}

// trimStmt 删除线程内最新 N 条以外的消息，派生表绕开 MySQL 对子查询 LIMIT 的限制。
const trimStmt = `DELETE FROM oracle_messages WHERE thread_id = ? AND id NOT IN (
        SELECT id FROM (
                SELECT id FROM oracle_messages WHERE thread_id = ? ORDER BY id DESC LIMIT ?
        ) keep_rows
)`

// Append 在一个事务内写入全部消息并裁剪超出上限的旧消息。
func (s *MySQLStore) Append(ctx context.Context, threadID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启对话事务失败")
	}
	now := time.Now().Unix()
	const stmt = `INSERT INTO oracle_messages (thread_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	for _, msg := range msgs {
		if _, err := tx.ExecContext(ctx, stmt, threadID, string(msg.Role), msg.Content, now); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入对话失败")
		}
	}
	if s.max > 0 {
		if _, err := tx.ExecContext(ctx, trimStmt, threadID, threadID, s.max); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "裁剪对话失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交对话事务失败")
	}
	return nil
}

// Load 实现 Store 接口。
func (s *MySQLStore) Load(ctx context.Context, threadID string, limit int) ([]llm.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		const stmt = `SELECT role, content FROM (
        SELECT id, role, content FROM oracle_messages WHERE thread_id = ? ORDER BY id DESC LIMIT ?
) recent ORDER BY id ASC`
		rows, err = s.db.QueryContext(ctx, stmt, threadID, limit)
	} else {
		const stmt = `SELECT role, content FROM oracle_messages WHERE thread_id = ? ORDER BY id ASC`
		rows, err = s.db.QueryContext(ctx, stmt, threadID)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对话失败")
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析对话失败")
		}
		msgs = append(msgs, llm.Message{Role: llm.Role(role), Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历对话失败")
	}
	return msgs, nil
}

// Clear 实现 Store 接口。
func (s *MySQLStore) Clear(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oracle_messages WHERE thread_id = ?`, threadID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除对话失败")
	}
	return nil
}

// Close 释放连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
