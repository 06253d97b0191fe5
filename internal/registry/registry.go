// Package registry 持久化已安装插件的元数据：注册条目、权限授予与事件绑定。
// 所有写操作对三张表保持原子性。
package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"time"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/permission"
	"ExtensionHub/pkg/plugin"
)

// Status 表示注册条目的持久化状态。
type Status string

const (
	StatusInactive Status = "INACTIVE"
	StatusActive   Status = "ACTIVE"
	StatusFailed   Status = "FAILED"
)

// Valid 判断状态是否合法。
func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusFailed:
		return true
	}
	return false
}

// Direction 区分订阅与发布绑定。
type Direction string

const (
	DirectionSubscribe Direction = "subscribe"
	DirectionPublish   Direction = "publish"
)

// Binding 记录插件与事件类型之间的关系。
type Binding struct {
	Plugin    string    `json:"plugin"`
	EventType string    `json:"event_type"`
	Direction Direction `json:"direction"`
}

// Entry 是一个已安装插件的注册记录。
type Entry struct {
	ID         string            `json:"id"`
	Descriptor plugin.Descriptor `json:"descriptor"`
	Status     Status            `json:"status"`
	Config     map[string]any    `json:"config"`
	Location   string            `json:"location,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Name 返回条目的主键。
func (e Entry) Name() string { return e.Descriptor.Name }

func (e Entry) clone() Entry {
	e.Descriptor = e.Descriptor.Clone()
	e.Config = cloneConfig(e.Config)
	return e
}

// cloneConfig 深拷贝配置中的 map 与 slice。
func cloneConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneConfig(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// normalizeConfig 经 JSON 往返，使内存实现与 SQL 实现返回相同的值类型。
func normalizeConfig(cfg map[string]any) (map[string]any, error) {
	if len(cfg) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "config must be JSON encodable")
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode config")
	}
	return out, nil
}

// Record 是一次注册写入的完整内容。
type Record struct {
	Entry    Entry
	Grants   []permission.Grant
	Bindings []Binding
}

// Repository 抽象注册表的三张表。实现必须保证每个写方法是原子的。
type Repository interface {
	permission.Store

	// Create 写入条目及其授权、绑定。同名条目为 ACTIVE 时返回 ErrAlreadyRegistered，
	// 否则旧条目连同其授权与绑定被整体替换。
	Create(ctx context.Context, rec Record) error
	// Insert 只写入新条目，同名条目存在时返回 DuplicateName。
	Insert(ctx context.Context, rec Record) error
	// Delete 删除条目及其全部授权与绑定。
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (Entry, error)
	// List 返回条目，status 为空时返回全部，按名称排序。
	List(ctx context.Context, status Status) ([]Entry, error)
	UpdateStatus(ctx context.Context, name string, status Status, at time.Time) error
	UpdateConfig(ctx context.Context, name string, cfg map[string]any, at time.Time) error
	Bindings(ctx context.Context, name string) ([]Binding, error)
	// SubscribersOf 返回订阅 eventType 的插件名，按名称排序。
	SubscribersOf(ctx context.Context, eventType string) ([]string, error)
}

var (
	// ErrNotFound 表示插件未注册。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "plugin not registered")
	// ErrAlreadyRegistered 表示同名插件处于 ACTIVE 状态。
	ErrAlreadyRegistered = xerrors.New(xerrors.CodeAlreadyRegistered, "plugin already registered")
)

func notFound(name string) error {
	return xerrors.New(xerrors.CodeNotFound, "plugin "+name+" is not registered", xerrors.WithMetadata("plugin", name))
}

func duplicateName(name string) error {
	return xerrors.New(xerrors.CodeDuplicateName, "plugin "+name+" is already registered", xerrors.WithMetadata("plugin", name))
}

func alreadyRegistered(name string) error {
	return xerrors.New(xerrors.CodeAlreadyRegistered, "plugin "+name+" is already registered and active", xerrors.WithMetadata("plugin", name))
}

// BindingsFor 由描述符生成事件绑定。
func BindingsFor(desc plugin.Descriptor) []Binding {
	out := make([]Binding, 0, len(desc.SubscribedEvents)+len(desc.PublishedEvents))
	for _, evt := range desc.SubscribedEvents {
		out = append(out, Binding{Plugin: desc.Name, EventType: evt, Direction: DirectionSubscribe})
	}
	for _, evt := range desc.PublishedEvents {
		out = append(out, Binding{Plugin: desc.Name, EventType: evt, Direction: DirectionPublish})
	}
	return out
}

func sortBindings(bindings []Binding) {
	slices.SortFunc(bindings, func(a, b Binding) int {
		if c := cmp.Compare(b.Direction, a.Direction); c != 0 {
			return c
		}
		return cmp.Compare(a.EventType, b.EventType)
	})
}
