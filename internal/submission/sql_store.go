package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/storage/sqlstore"
)

// SQLStore 将提交以 JSON 文档形式保存在 plugin_submissions 表，
// 状态、名称与时间另存为列以便过滤和排序。
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore 创建 SQLStore。
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Create 实现 Store 接口。
func (s *SQLStore) Create(ctx context.Context, sub Submission) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提交失败")
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO plugin_submissions
        (id, plugin_name, version, status, document, submitted_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sub.ID, sub.Manifest.Name, sub.Manifest.Version, string(sub.Status), string(doc),
		sub.SubmittedAt.UnixMilli(), sub.UpdatedAt.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存提交失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *SQLStore) Get(ctx context.Context, id string) (Submission, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT document FROM plugin_submissions WHERE id = ?`), id).Scan(&doc)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Submission{}, notFound(id)
	}
	if err != nil {
		return Submission{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提交失败")
	}
	return decode(doc)
}

// List 实现 Store 接口。
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Submission, error) {
	query := `SELECT document FROM plugin_submissions WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Plugin != "" {
		query += ` AND plugin_name = ?`
		args = append(args, filter.Plugin)
	}
	query += ` ORDER BY submitted_at, id`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提交列表失败")
	}
	defer rows.Close()
	out := []Submission{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取提交失败")
		}
		sub, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提交列表失败")
	}
	return out, nil
}

// Update 实现 Store 接口，以 status = expected 作为写入条件。
func (s *SQLStore) Update(ctx context.Context, sub Submission, expected Status) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码提交失败")
	}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT status FROM plugin_submissions WHERE id = ?`), sub.ID).Scan(&current)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return notFound(sub.ID)
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提交状态失败")
		}
		if Status(current) != expected {
			return conflict(sub.ID, expected, Status(current))
		}
		res, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE plugin_submissions
        SET status = ?, document = ?, submitted_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`),
			string(sub.Status), string(doc), sub.SubmittedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
			sub.ID, string(expected))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提交失败")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return conflict(sub.ID, expected, Status(current))
		}
		return nil
	})
	return storageError(err, "更新提交失败")
}

// Delete 实现 Store 接口。
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM plugin_submissions WHERE id = ?`), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除提交失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// Counts 实现 Store 接口。
func (s *SQLStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM plugin_submissions GROUP BY status`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计提交失败")
	}
	defer rows.Close()
	counts := make(map[Status]int, len(Statuses))
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取统计失败")
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计失败")
	}
	return counts, nil
}

func decode(doc string) (Submission, error) {
	var sub Submission
	if err := json.Unmarshal([]byte(doc), &sub); err != nil {
		return Submission{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提交文档失败")
	}
	return sub, nil
}

func storageError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}
