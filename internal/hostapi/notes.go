package hostapi

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/pkg/plugin"
)

// Note 是宿主应用中的笔记。
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventPublisher 发布宿主事件，eventbus.Bus 实现该接口。
type EventPublisher interface {
	Publish(ctx context.Context, evt plugin.Event) error
}

// 笔记事件类型。
const (
	EventNoteCreated = "note.created"
	EventNoteUpdated = "note.updated"
	EventNoteDeleted = "note.deleted"
)

// NoteService 是内存中的笔记存储，写操作会发布 note.* 事件。
type NoteService struct {
	events EventPublisher

	mu    sync.RWMutex
	notes map[string]Note
}

// NewNoteService 创建 NoteService，events 可以为 nil。
func NewNoteService(events EventPublisher) *NoteService {
	return &NoteService{events: events, notes: make(map[string]Note)}
}

// Create 新建笔记。
func (s *NoteService) Create(ctx context.Context, author, title, content string) (Note, error) {
	if title == "" {
		return Note{}, xerrors.New(xerrors.CodeInvalidArgument, "note title cannot be empty")
	}
	now := time.Now().UTC()
	n := Note{ID: uuid.NewString(), Title: title, Content: content, Author: author, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.notes[n.ID] = n
	s.mu.Unlock()
	s.emit(ctx, EventNoteCreated, author, n)
	return n, nil
}

// Get 查询笔记。
func (s *NoteService) Get(_ context.Context, id string) (Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[id]
	if !ok {
		return Note{}, xerrors.New(xerrors.CodeNotFound, "note "+id+" not found")
	}
	return n, nil
}

// List 按创建时间返回全部笔记。
func (s *NoteService) List(_ context.Context) []Note {
	s.mu.RLock()
	out := make([]Note, 0, len(s.notes))
	for _, n := range s.notes {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update 修改标题或内容，空字符串表示保持不变。
func (s *NoteService) Update(ctx context.Context, actor, id, title, content string) (Note, error) {
	s.mu.Lock()
	n, ok := s.notes[id]
	if !ok {
		s.mu.Unlock()
		return Note{}, xerrors.New(xerrors.CodeNotFound, "note "+id+" not found")
	}
	if title != "" {
		n.Title = title
	}
	if content != "" {
		n.Content = content
	}
	n.UpdatedAt = time.Now().UTC()
	s.notes[id] = n
	s.mu.Unlock()
	s.emit(ctx, EventNoteUpdated, actor, n)
	return n, nil
}

// Delete 删除笔记。
func (s *NoteService) Delete(ctx context.Context, actor, id string) error {
	s.mu.Lock()
	n, ok := s.notes[id]
	delete(s.notes, id)
	s.mu.Unlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "note "+id+" not found")
	}
	s.emit(ctx, EventNoteDeleted, actor, n)
	return nil
}

func (s *NoteService) emit(ctx context.Context, eventType, source string, n Note) {
	if s.events == nil {
		return
	}
	if source == "" {
		source = "host"
	}
	_ = s.events.Publish(ctx, plugin.Event{Type: eventType, Source: source, Payload: map[string]any{"id": n.ID, "title": n.Title}})
}

// Operations 返回笔记相关的宿主操作。
func (s *NoteService) Operations() []Operation {
	return []Operation{
		{Name: "notes.list", Permission: "notes.read", Handler: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
			return s.List(ctx), nil
		}},
		{Name: "notes.get", Permission: "notes.read", Handler: func(ctx context.Context, _ string, args map[string]any) (any, error) {
			id, err := stringArg(args, "id")
			if err != nil {
				return nil, err
			}
			return s.Get(ctx, id)
		}},
		{Name: "notes.create", Permission: "notes.write", Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			title, err := stringArg(args, "title")
			if err != nil {
				return nil, err
			}
			return s.Create(ctx, caller, title, optionalString(args, "content"))
		}},
		{Name: "notes.update", Permission: "notes.write", Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			id, err := stringArg(args, "id")
			if err != nil {
				return nil, err
			}
			return s.Update(ctx, caller, id, optionalString(args, "title"), optionalString(args, "content"))
		}},
		{Name: "notes.delete", Permission: "notes.write", Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			id, err := stringArg(args, "id")
			if err != nil {
				return nil, err
			}
			return nil, s.Delete(ctx, caller, id)
		}},
	}
}
