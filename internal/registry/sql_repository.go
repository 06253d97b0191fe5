package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/permission"
	"ExtensionHub/internal/storage/sqlstore"
	"ExtensionHub/pkg/plugin"
)

// SQLRepository 将注册表保存在关系型数据库中，每个写操作使用一个事务。
type SQLRepository struct {
	db *sqlstore.DB
}

// NewSQLRepository 创建 SQLRepository。表结构由 sqlstore 的迁移负责创建。
func NewSQLRepository(db *sqlstore.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const entryColumns = `name, id, version, description, author, plugin_type, runtime, capabilities,
        required_permissions, status, config, location, created_at, updated_at`

// Create 实现 Repository 接口。
func (r *SQLRepository) Create(ctx context.Context, rec Record) error {
	return r.create(ctx, rec, true)
}

// Insert 实现 Repository 接口。
func (r *SQLRepository) Insert(ctx context.Context, rec Record) error {
	return r.create(ctx, rec, false)
}

func (r *SQLRepository) create(ctx context.Context, rec Record, replace bool) error {
	entry := rec.Entry
	name := entry.Name()
	capabilities, err := json.Marshal(nonNil(entry.Descriptor.Capabilities))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 capabilities 失败")
	}
	required, err := json.Marshal(nonNil(entry.Descriptor.RequiredPermissions))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 required_permissions 失败")
	}
	cfg, err := json.Marshal(nonNilConfig(entry.Config))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 config 失败")
	}

	err = r.db.InTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT status FROM plugin_entries WHERE name = ?`), name).Scan(&status)
		switch {
		case err == nil:
			if !replace {
				return duplicateName(name)
			}
			if Status(status) == StatusActive {
				return alreadyRegistered(name)
			}
			if err := r.deleteRows(ctx, tx, name); err != nil {
				return err
			}
		case !stdErrors.Is(err, sql.ErrNoRows):
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件条目失败")
		}

		if _, err := tx.ExecContext(ctx, r.db.Rebind(`INSERT INTO plugin_entries (`+entryColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			name,
			entry.ID,
			entry.Descriptor.Version,
			entry.Descriptor.Description,
			entry.Descriptor.Author,
			string(entry.Descriptor.Type),
			string(entry.Descriptor.Runtime),
			string(capabilities),
			string(required),
			string(entry.Status),
			string(cfg),
			entry.Location,
			entry.CreatedAt.UnixMilli(),
			entry.UpdatedAt.UnixMilli(),
		); err != nil {
			if sqlstore.IsUniqueViolation(err) {
				return duplicateName(name)
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入插件条目失败")
		}
		for _, g := range rec.Grants {
			if err := r.insertGrant(ctx, tx, g); err != nil {
				return err
			}
		}
		for _, b := range rec.Bindings {
			if _, err := tx.ExecContext(ctx, r.db.Rebind(`INSERT INTO plugin_events (plugin_name, event_type, direction) VALUES (?, ?, ?)`),
				name, b.EventType, string(b.Direction)); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入事件绑定失败")
			}
		}
		return nil
	})
	return storageError(err, "注册插件失败")
}

// Delete 实现 Repository 接口。
func (r *SQLRepository) Delete(ctx context.Context, name string) error {
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT 1 FROM plugin_entries WHERE name = ?`), name).Scan(&exists)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return notFound(name)
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件条目失败")
		}
		return r.deleteRows(ctx, tx, name)
	})
	return storageError(err, "注销插件失败")
}

func (r *SQLRepository) deleteRows(ctx context.Context, tx *sql.Tx, name string) error {
	for _, stmt := range []string{
		`DELETE FROM plugin_permissions WHERE plugin_name = ?`,
		`DELETE FROM plugin_events WHERE plugin_name = ?`,
		`DELETE FROM plugin_entries WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, r.db.Rebind(stmt), name); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除插件数据失败")
		}
	}
	return nil
}

// Get 实现 Repository 接口。
func (r *SQLRepository) Get(ctx context.Context, name string) (Entry, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+entryColumns+` FROM plugin_entries WHERE name = ?`), name)
	entry, err := scanEntry(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Entry{}, notFound(name)
	}
	if err != nil {
		return Entry{}, storageError(err, "查询插件条目失败")
	}
	bindings, err := r.Bindings(ctx, name)
	if err != nil {
		return Entry{}, err
	}
	applyBindings(&entry, bindings)
	return entry, nil
}

// List 实现 Repository 接口。
func (r *SQLRepository) List(ctx context.Context, status Status) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM plugin_entries`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件列表失败")
	}
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, storageError(err, "解析插件条目失败")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历插件列表失败")
	}
	rows.Close()
	if len(entries) == 0 {
		return []Entry{}, nil
	}

	all, err := r.queryBindings(ctx, `SELECT plugin_name, event_type, direction FROM plugin_events`)
	if err != nil {
		return nil, err
	}
	byPlugin := make(map[string][]Binding)
	for _, b := range all {
		byPlugin[b.Plugin] = append(byPlugin[b.Plugin], b)
	}
	for i := range entries {
		bindings := byPlugin[entries[i].Name()]
		sortBindings(bindings)
		applyBindings(&entries[i], bindings)
	}
	return entries, nil
}

// UpdateStatus 实现 Repository 接口。
func (r *SQLRepository) UpdateStatus(ctx context.Context, name string, status Status, at time.Time) error {
	return r.updateOne(ctx, name, `UPDATE plugin_entries SET status = ?, updated_at = ? WHERE name = ?`,
		string(status), at.UnixMilli(), name)
}

// UpdateConfig 实现 Repository 接口。
func (r *SQLRepository) UpdateConfig(ctx context.Context, name string, cfg map[string]any, at time.Time) error {
	raw, err := json.Marshal(nonNilConfig(cfg))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 config 失败")
	}
	return r.updateOne(ctx, name, `UPDATE plugin_entries SET config = ?, updated_at = ? WHERE name = ?`,
		string(raw), at.UnixMilli(), name)
}

func (r *SQLRepository) updateOne(ctx context.Context, name, stmt string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(stmt), args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新插件条目失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		// MySQL 在值未变化时也返回 0，需要再确认条目是否存在。
		if _, err := r.Get(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Bindings 实现 Repository 接口。
func (r *SQLRepository) Bindings(ctx context.Context, name string) ([]Binding, error) {
	bindings, err := r.queryBindings(ctx, `SELECT plugin_name, event_type, direction FROM plugin_events WHERE plugin_name = ?`, name)
	if err != nil {
		return nil, err
	}
	sortBindings(bindings)
	return bindings, nil
}

func (r *SQLRepository) queryBindings(ctx context.Context, query string, args ...any) ([]Binding, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件绑定失败")
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var b Binding
		var direction string
		if err := rows.Scan(&b.Plugin, &b.EventType, &direction); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件绑定失败")
		}
		b.Direction = Direction(direction)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件绑定失败")
	}
	return out, nil
}

// SubscribersOf 实现 Repository 接口。
func (r *SQLRepository) SubscribersOf(ctx context.Context, eventType string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT plugin_name FROM plugin_events
        WHERE event_type = ? AND direction = ? ORDER BY plugin_name`), eventType, string(DirectionSubscribe))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订阅者失败")
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订阅者失败")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订阅者失败")
	}
	return names, nil
}

// SaveGrant 实现 permission.Store 接口。插件必须已注册。
func (r *SQLRepository) SaveGrant(ctx context.Context, grant permission.Grant) error {
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT 1 FROM plugin_entries WHERE name = ?`), grant.Plugin).Scan(&exists)
		if stdErrors.Is(err, sql.ErrNoRows) {
			return notFound(grant.Plugin)
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询插件条目失败")
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM plugin_permissions WHERE plugin_name = ? AND permission = ?`),
			grant.Plugin, grant.Permission); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除授权失败")
		}
		return r.insertGrant(ctx, tx, grant)
	})
	return storageError(err, "保存授权失败")
}

func (r *SQLRepository) insertGrant(ctx context.Context, tx *sql.Tx, g permission.Grant) error {
	granted := 0
	if g.Granted {
		granted = 1
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`INSERT INTO plugin_permissions (plugin_name, permission, granted, updated_at) VALUES (?, ?, ?, ?)`),
		g.Plugin, g.Permission, granted, g.UpdatedAt.UnixMilli()); err != nil {
		if sqlstore.IsUniqueViolation(err) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "重复的授权 "+g.Permission)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入授权失败")
	}
	return nil
}

// ListGrants 实现 permission.Store 接口。
func (r *SQLRepository) ListGrants(ctx context.Context, pluginName string) ([]permission.Grant, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT permission, granted, updated_at FROM plugin_permissions
        WHERE plugin_name = ? ORDER BY permission`), pluginName)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询授权失败")
	}
	defer rows.Close()
	var grants []permission.Grant
	for rows.Next() {
		var (
			perm      string
			granted   int
			updatedAt int64
		)
		if err := rows.Scan(&perm, &granted, &updatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析授权失败")
		}
		grants = append(grants, permission.Grant{
			Plugin:     pluginName,
			Permission: perm,
			Granted:    granted != 0,
			UpdatedAt:  time.UnixMilli(updatedAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历授权失败")
	}
	return grants, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry                       Entry
		pluginType, runtime, status string
		capabilities, required, cfg string
		createdAt, updatedAt        int64
	)
	if err := row.Scan(
		&entry.Descriptor.Name,
		&entry.ID,
		&entry.Descriptor.Version,
		&entry.Descriptor.Description,
		&entry.Descriptor.Author,
		&pluginType,
		&runtime,
		&capabilities,
		&required,
		&status,
		&cfg,
		&entry.Location,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Entry{}, err
	}
	entry.Descriptor.Type = plugin.Type(pluginType)
	entry.Descriptor.Runtime = plugin.Runtime(runtime)
	entry.Status = Status(status)
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := json.Unmarshal([]byte(capabilities), &entry.Descriptor.Capabilities); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 capabilities 失败")
	}
	if err := json.Unmarshal([]byte(required), &entry.Descriptor.RequiredPermissions); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 required_permissions 失败")
	}
	entry.Config = map[string]any{}
	if err := json.Unmarshal([]byte(cfg), &entry.Config); err != nil {
		return Entry{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 config 失败")
	}
	if len(entry.Descriptor.Capabilities) == 0 {
		entry.Descriptor.Capabilities = nil
	}
	if len(entry.Descriptor.RequiredPermissions) == 0 {
		entry.Descriptor.RequiredPermissions = nil
	}
	return entry, nil
}

func applyBindings(entry *Entry, bindings []Binding) {
	entry.Descriptor.SubscribedEvents = nil
	entry.Descriptor.PublishedEvents = nil
	for _, b := range bindings {
		switch b.Direction {
		case DirectionSubscribe:
			entry.Descriptor.SubscribedEvents = append(entry.Descriptor.SubscribedEvents, b.EventType)
		case DirectionPublish:
			entry.Descriptor.PublishedEvents = append(entry.Descriptor.PublishedEvents, b.EventType)
		}
	}
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

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}

func nonNilConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	return cfg
}
