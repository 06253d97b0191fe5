package submission

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"ExtensionHub/internal/artifact"
	xerrors "ExtensionHub/internal/errors"
	"ExtensionHub/internal/registry"
	"ExtensionHub/pkg/logger"
)

// Publisher 在提交发布时创建注册表条目，返回条目 ID。同名条目已存在时必须失败。
type Publisher interface {
	Publish(ctx context.Context, sub Submission) (string, error)
	// Retract 撤销一次成功的 Publish，在提交状态写入失败时调用。
	Retract(ctx context.Context, sub Submission, entryID string) error
}

// RegistryPublisher 只写入注册表，不创建运行时。JAR 插件的 location 由
// Locate 根据制品键解析，未设置时使用清单中的 location。
type RegistryPublisher struct {
	Registry *registry.Service
	Locate   func(key string) string
}

// Publish 实现 Publisher 接口。
func (p RegistryPublisher) Publish(ctx context.Context, sub Submission) (string, error) {
	return p.Registry.RegisterNew(ctx, sub.Manifest.Descriptor(), sub.Manifest.Config, PublishLocation(sub, p.Locate))
}

// Retract 实现 Publisher 接口。
func (p RegistryPublisher) Retract(ctx context.Context, sub Submission, _ string) error {
	return p.Registry.Unregister(ctx, sub.Manifest.Name)
}

// PublishLocation 返回发布时写入注册表的 location。
func PublishLocation(sub Submission, locate func(string) string) string {
	if sub.Manifest.Location != "" || locate == nil {
		return sub.Manifest.Location
	}
	return locate(sub.Artifact.Key)
}

// SubmitRequest 是一次新提交的输入。
type SubmitRequest struct {
	Manifest  Manifest
	Developer Developer
	FileName  string
	Artifact  io.Reader
}

// ResubmitRequest 替换被拒绝提交的制品，Manifest 非空时同时替换清单。
type ResubmitRequest struct {
	Manifest *Manifest
	FileName string
	Artifact io.Reader
}

// Recorder 接收提交状态迁移，用于指标统计。
type Recorder interface {
	ObserveSubmission(to string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSubmission(string) {}

// Statistics 汇总各状态的提交数量。
type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// Service 驱动提交的审核状态机。
type Service struct {
	store     Store
	artifacts artifact.Store
	validator Validator
	publisher Publisher
	recorder  Recorder
	log       *slog.Logger
	audit     *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option 配置 Service。
type Option func(*Service)

// WithValidator 替换默认校验器。
func WithValidator(v Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithPublisher 设置发布时调用的 Publisher。
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder 设置指标记录器。
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithLogger 指定运行日志与审计日志。
func WithLogger(log, audit *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
		if audit != nil {
			s.audit = audit
		}
	}
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator 替换提交 ID 生成方式。
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService 创建提交服务。
func NewService(store Store, artifacts artifact.Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		artifacts: artifacts,
		recorder:  nopRecorder{},
		log:       logger.Named("submission"),
		audit:     logger.Audit(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit 保存制品并创建提交，随后执行校验。校验失败只会把提交置为
// REJECTED，不会让调用失败。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if req.Artifact == nil {
		return Submission{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少制品")
	}
	id := s.newID()
	art, err := s.storeArtifact(ctx, id, req.FileName, req.Artifact)
	if err != nil {
		return Submission{}, err
	}

	now := s.now()
	sub := Submission{
		ID:        id,
		Manifest:  req.Manifest.clone(),
		Developer: req.Developer,
		Artifact:  art,
	}
	sub.resetTimeline(now)
	sub.Status = StatusPendingReview
	s.validate(&sub)

	if err := s.store.Create(ctx, sub); err != nil {
		s.discardArtifact(ctx, art.Key)
		return Submission{}, err
	}
	s.record(sub, "", StatusPendingReview, "")
	s.record(sub, StatusPendingReview, sub.Status, "")
	return sub, nil
}

// Get 返回指定提交。
func (s *Service) Get(ctx context.Context, id string) (Submission, error) {
	return s.store.Get(ctx, id)
}

// List 返回满足过滤条件的提交。
func (s *Service) List(ctx context.Context, filter Filter) ([]Submission, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知提交状态: "+string(filter.Status))
	}
	return s.store.List(ctx, filter)
}

// UpdateStatus 按迁移表修改状态。非法迁移返回 InvalidTransition 且记录保持不变。
// 迁移到 PUBLISHED 前会核对制品校验和并写入注册表。
func (s *Service) UpdateStatus(ctx context.Context, id string, to Status, notes, reviewer string) (Submission, error) {
	if !to.Valid() {
		return Submission{}, xerrors.New(xerrors.CodeInvalidArgument, "未知提交状态: "+string(to))
	}
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	from := sub.Status
	if !from.CanTransitionTo(to) {
		return Submission{}, invalidTransition(id, from, to)
	}

	if to == StatusPublished {
		if !sub.IsReadyForPublication() {
			return Submission{}, xerrors.New(xerrors.CodeValidationFailed, "提交未通过发布前检查",
				xerrors.WithMetadata("submission", id))
		}
		if err := artifact.Verify(ctx, s.artifacts, sub.Artifact.Key, sub.Artifact.Checksum); err != nil {
			return Submission{}, err
		}
		if s.publisher != nil {
			entryID, err := s.publisher.Publish(ctx, sub)
			if err != nil {
				return Submission{}, err
			}
			sub.RegistryEntryID = entryID
		}
	}

	if notes != "" {
		sub.ReviewNotes = notes
	}
	if reviewer != "" {
		sub.Reviewer = reviewer
	}
	sub.stamp(to, s.now())
	if err := s.store.Update(ctx, sub, from); err != nil {
		if to == StatusPublished && s.publisher != nil {
			s.retract(ctx, sub)
		}
		return Submission{}, err
	}
	s.record(sub, from, to, reviewer)
	return sub, nil
}

// retract 在发布状态写入失败后撤销注册。
func (s *Service) retract(ctx context.Context, sub Submission) {
	if err := s.publisher.Retract(context.WithoutCancel(ctx), sub, sub.RegistryEntryID); err != nil {
		s.log.Error("撤销发布失败",
			slog.String("submission", sub.ID),
			slog.String("plugin", sub.Manifest.Name),
			slog.Any("error", err))
		return
	}
	s.log.Warn("提交状态写入失败，已撤销发布",
		slog.String("submission", sub.ID),
		slog.String("plugin", sub.Manifest.Name))
}

// Withdraw 由开发者撤回提交。
func (s *Service) Withdraw(ctx context.Context, id, reason string) (Submission, error) {
	return s.UpdateStatus(ctx, id, StatusWithdrawn, reason, "")
}

// Resubmit 替换被拒绝提交的制品，清空除 submittedAt 外的时间戳并重新校验。
func (s *Service) Resubmit(ctx context.Context, id string, req ResubmitRequest) (Submission, error) {
	if req.Artifact == nil {
		return Submission{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少制品")
	}
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	if sub.Status != StatusRejected {
		return Submission{}, invalidTransition(id, sub.Status, StatusPendingReview)
	}
	if req.Manifest != nil {
		if req.Manifest.Name != sub.Manifest.Name {
			return Submission{}, xerrors.New(xerrors.CodeInvalidArgument, "重新提交不能修改插件名称",
				xerrors.WithMetadata("submission", id))
		}
		sub.Manifest = req.Manifest.clone()
	}

	art, err := s.storeArtifact(ctx, id, req.FileName, req.Artifact)
	if err != nil {
		return Submission{}, err
	}
	previous := sub.Artifact.Key
	sub.Artifact = art
	sub.ValidationErrors = nil
	sub.ValidationWarnings = nil
	sub.resetTimeline(s.now())
	sub.Status = StatusPendingReview
	s.validate(&sub)

	if err := s.store.Update(ctx, sub, StatusRejected); err != nil {
		s.discardArtifact(ctx, art.Key)
		return Submission{}, err
	}
	if previous != art.Key {
		s.discardArtifact(ctx, previous)
	}
	s.record(sub, StatusRejected, StatusPendingReview, "")
	s.record(sub, StatusPendingReview, sub.Status, "")
	return sub, nil
}

// Delete 删除提交及其制品，仅允许 PENDING_REVIEW、REJECTED、WITHDRAWN。
func (s *Service) Delete(ctx context.Context, id string) error {
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sub.Status.Deletable() {
		return xerrors.New(xerrors.CodeInvalidTransition, "当前状态不允许删除",
			xerrors.WithMetadata("submission", id),
			xerrors.WithMetadata("status", string(sub.Status)))
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.discardArtifact(ctx, sub.Artifact.Key)
	s.audit.Info("submission_deleted",
		slog.String("submission", id),
		slog.String("plugin", sub.Manifest.Name),
		slog.String("status", string(sub.Status)))
	return nil
}

// Stats 返回各状态的提交数量。
func (s *Service) Stats(ctx context.Context) (Statistics, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{ByStatus: make(map[Status]int, len(Statuses))}
	for _, status := range Statuses {
		stats.ByStatus[status] = counts[status]
		stats.Total += counts[status]
	}
	return stats, nil
}

func (s *Service) validate(sub *Submission) {
	report := s.validator.Validate(*sub)
	sub.SecurityCheckPassed = report.SecurityPassed
	sub.CompatibilityCheckPassed = report.CompatibilityPassed
	sub.ValidationErrors = report.Errors
	sub.ValidationWarnings = report.Warnings
	if report.Passed() {
		sub.stamp(StatusInReview, sub.SubmittedAt)
	} else {
		sub.stamp(StatusRejected, sub.SubmittedAt)
	}
}

func (s *Service) storeArtifact(ctx context.Context, id, fileName string, r io.Reader) (Artifact, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		name = "artifact"
	}
	// 每次上传使用新的目录，重新提交失败时旧制品仍然可用。
	key, err := artifact.CleanKey(path.Join("submissions", id, uuid.NewString()[:8], name))
	if err != nil {
		return Artifact{}, err
	}
	info, err := s.artifacts.Put(ctx, key, r, "application/octet-stream")
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Key: info.Key, FileName: name, Size: info.Size, Checksum: info.Checksum}, nil
}

func (s *Service) discardArtifact(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.artifacts.Delete(ctx, key); err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound) {
		s.log.Warn("删除制品失败", slog.String("artifact", key), slog.Any("error", err))
	}
}

func (s *Service) record(sub Submission, from, to Status, reviewer string) {
	attrs := []any{
		slog.String("submission", sub.ID),
		slog.String("plugin", sub.Manifest.Name),
		slog.String("version", sub.Manifest.Version),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	}
	if reviewer != "" {
		attrs = append(attrs, slog.String("reviewer", reviewer))
	}
	if to == StatusRejected && len(sub.ValidationErrors) > 0 {
		attrs = append(attrs, slog.Any("validation_errors", sub.ValidationErrors))
	}
	s.audit.Info("submission_transition", attrs...)
	s.recorder.ObserveSubmission(string(to))
}

func invalidTransition(id string, from, to Status) error {
	return xerrors.New(xerrors.CodeInvalidTransition, "不允许的提交状态迁移 "+string(from)+" -> "+string(to),
		xerrors.WithMetadata("submission", id),
		xerrors.WithMetadata("from", string(from)),
		xerrors.WithMetadata("to", string(to)))
}
