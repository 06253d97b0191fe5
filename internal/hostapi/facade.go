// Package hostapi 是插件访问宿主服务的唯一入口。每个操作在注册时被包装为
// 先执行权限检查、再调用实现的形式。
package hostapi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/permission"
	"ExtensionHub/pkg/logger"
	"ExtensionHub/pkg/plugin"
)

// Checker 执行权限检查，permission.Service 实现该接口。
type Checker interface {
	CheckOrFail(ctx context.Context, plugin, permission string) error
}

// HandlerFunc 实现一个宿主操作，caller 为发起调用的插件。
type HandlerFunc func(ctx context.Context, caller string, args map[string]any) (any, error)

// Operation 描述一个受权限保护的宿主操作。
type Operation struct {
	Name       string
	Permission string
	Handler    HandlerFunc
}

// Facade 路由插件的宿主调用。
type Facade struct {
	checker Checker
	log     *slog.Logger

	mu  sync.RWMutex
	ops map[string]Operation
}

// New 创建 Facade。
func New(checker Checker) *Facade {
	return &Facade{checker: checker, log: logger.Named("hostapi"), ops: make(map[string]Operation)}
}

// Register 登记操作，返回的实现已被权限检查包装。
func (f *Facade) Register(op Operation) error {
	if op.Name == "" || op.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "operation requires a name and a handler")
	}
	if !permission.Valid(op.Permission) {
		return xerrors.New(xerrors.CodeInvalidPermission, fmt.Sprintf("operation %s: invalid permission %q", op.Name, op.Permission))
	}
	op.Handler = guard(f.checker, op.Permission, op.Handler)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.ops[op.Name]; exists {
		return xerrors.New(xerrors.CodeConflict, "operation "+op.Name+" already registered")
	}
	f.ops[op.Name] = op
	return nil
}

// MustRegister 在注册失败时 panic，用于启动阶段。
func (f *Facade) MustRegister(ops ...Operation) {
	for _, op := range ops {
		if err := f.Register(op); err != nil {
			panic(err)
		}
	}
}

func guard(checker Checker, perm string, next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, caller string, args map[string]any) (any, error) {
		if err := checker.CheckOrFail(ctx, caller, perm); err != nil {
			return nil, err
		}
		return next(ctx, caller, args)
	}
}

// Call 以 caller 的身份执行操作。
func (f *Facade) Call(ctx context.Context, caller, operation string, args map[string]any) (any, error) {
	f.mu.RLock()
	op, ok := f.ops[operation]
	f.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "unknown host operation "+operation)
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := op.Handler(ctx, caller, args)
	if err != nil {
		f.log.Debug("宿主调用失败",
			slog.String("plugin", caller),
			slog.String("operation", operation),
			slog.Any("error", err))
	}
	return result, err
}

// Operations 返回已注册的操作及其所需权限。
func (f *Facade) Operations() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.ops))
	for name, op := range f.ops {
		out[name] = op.Permission
	}
	return out
}

// OperationNames 返回排序后的操作名。
func (f *Facade) OperationNames() []string {
	ops := f.Operations()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// For 返回绑定到某个插件的 plugin.Host。
func (f *Facade) For(caller string) plugin.Host {
	return scopedHost{facade: f, caller: caller}
}

type scopedHost struct {
	facade *Facade
	caller string
}

func (h scopedHost) Call(ctx context.Context, operation string, args map[string]any) (any, error) {
	return h.facade.Call(ctx, h.caller, operation, args)
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "missing argument "+key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "argument "+key+" must be a non-empty string")
	}
	return s, nil
}

func optionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// NewStandard 创建注册了笔记、键值存储与事件发布操作的 Facade。
func NewStandard(checker Checker, notes *NoteService, kv *KVStore, events EventPublisher) *Facade {
	f := New(checker)
	if notes != nil {
		f.MustRegister(notes.Operations()...)
	}
	if kv != nil {
		f.MustRegister(kv.Operations()...)
	}
	if events != nil {
		f.MustRegister(EventOperations(events)...)
	}
	return f
}
