// Package submission 管理第三方插件提交的审核与发布流程。
//
// 状态迁移表：
//
//	PENDING_REVIEW -> IN_REVIEW | REJECTED | WITHDRAWN
//	IN_REVIEW      -> APPROVED  | REJECTED | WITHDRAWN
//	APPROVED       -> PUBLISHED | REJECTED | WITHDRAWN
//	REJECTED       -> PENDING_REVIEW（仅通过重新提交）| WITHDRAWN
//	PUBLISHED、WITHDRAWN 为终态
package submission

import (
	"slices"
	"time"

	"ExtensionHub/pkg/plugin"
)

// Status 表示提交所处的审核阶段。
type Status string

const (
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusInReview      Status = "IN_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusRejected      Status = "REJECTED"
	StatusPublished     Status = "PUBLISHED"
	StatusWithdrawn     Status = "WITHDRAWN"
)

// Statuses 按流程顺序列出全部状态。
var Statuses = []Status{
	StatusPendingReview,
	StatusInReview,
	StatusApproved,
	StatusRejected,
	StatusPublished,
	StatusWithdrawn,
}

var transitions = map[Status][]Status{
	StatusPendingReview: {StatusInReview, StatusRejected, StatusWithdrawn},
	StatusInReview:      {StatusApproved, StatusRejected, StatusWithdrawn},
	StatusApproved:      {StatusPublished, StatusRejected, StatusWithdrawn},
	StatusRejected:      {StatusWithdrawn},
}

// Valid 判断状态是否合法。
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// CanTransitionTo 判断能否通过状态更新迁移到 to。REJECTED 回到
// PENDING_REVIEW 只能通过重新提交完成，不在此表中。
func (s Status) CanTransitionTo(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusWithdrawn
}

// Deletable 报告处于该状态的提交能否被删除。
func (s Status) Deletable() bool {
	return s == StatusPendingReview || s == StatusRejected || s == StatusWithdrawn
}

// Manifest 是开发者随制品提交的插件声明。
type Manifest struct {
	Name         string              `json:"name" yaml:"name"`
	Version      string              `json:"version" yaml:"version"`
	Description  string              `json:"description,omitempty" yaml:"description"`
	Category     string              `json:"category,omitempty" yaml:"category"`
	Author       string              `json:"author,omitempty" yaml:"author"`
	Type         plugin.Type         `json:"type,omitempty" yaml:"type"`
	Runtime      plugin.Runtime      `json:"runtime" yaml:"runtime"`
	Capabilities []plugin.Capability `json:"capabilities,omitempty" yaml:"capabilities"`
	Permissions  []string            `json:"permissions,omitempty" yaml:"permissions"`
	Subscribes   []string            `json:"subscribes,omitempty" yaml:"subscribes"`
	Publishes    []string            `json:"publishes,omitempty" yaml:"publishes"`
	// HostVersion 是插件要求的宿主版本约束，例如 ">= 1.0, < 2.0"。
	HostVersion string         `json:"host_version,omitempty" yaml:"host_version"`
	Location    string         `json:"location,omitempty" yaml:"location"`
	Config      map[string]any `json:"config,omitempty" yaml:"config"`
}

// Descriptor 转换为插件描述符。
func (m Manifest) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:                m.Name,
		Version:             m.Version,
		Description:         m.Description,
		Author:              m.Author,
		Type:                m.Type,
		Runtime:             m.Runtime,
		Capabilities:        slices.Clone(m.Capabilities),
		RequiredPermissions: slices.Clone(m.Permissions),
		SubscribedEvents:    slices.Clone(m.Subscribes),
		PublishedEvents:     slices.Clone(m.Publishes),
	}.Normalize()
}

func (m Manifest) clone() Manifest {
	m.Capabilities = slices.Clone(m.Capabilities)
	m.Permissions = slices.Clone(m.Permissions)
	m.Subscribes = slices.Clone(m.Subscribes)
	m.Publishes = slices.Clone(m.Publishes)
	if m.Config != nil {
		m.Config = plugin.CloneConfig(m.Config)
	}
	return m
}

// Developer 标识提交者。
type Developer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Artifact 描述随提交上传的制品。
type Artifact struct {
	Key      string `json:"key"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Submission 是一次插件提交及其审核记录。
type Submission struct {
	ID        string    `json:"id"`
	Manifest  Manifest  `json:"manifest"`
	Developer Developer `json:"developer"`
	Artifact  Artifact  `json:"artifact"`
	Status    Status    `json:"status"`

	SubmittedAt     time.Time  `json:"submitted_at"`
	ReviewStartedAt *time.Time `json:"review_started_at,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	WithdrawnAt     *time.Time `json:"withdrawn_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`

	ReviewNotes string `json:"review_notes,omitempty"`
	Reviewer    string `json:"reviewer,omitempty"`

	ValidationErrors         []string `json:"validation_errors,omitempty"`
	ValidationWarnings       []string `json:"validation_warnings,omitempty"`
	SecurityCheckPassed      bool     `json:"security_check_passed"`
	CompatibilityCheckPassed bool     `json:"compatibility_check_passed"`

	RegistryEntryID string `json:"registry_entry_id,omitempty"`
}

// IsReadyForPublication 当且仅当已批准且两项检查都通过。
func (s Submission) IsReadyForPublication() bool {
	return s.Status == StatusApproved && s.SecurityCheckPassed && s.CompatibilityCheckPassed
}

// Clone 返回深拷贝。
func (s Submission) Clone() Submission {
	s.Manifest = s.Manifest.clone()
	s.ValidationErrors = slices.Clone(s.ValidationErrors)
	s.ValidationWarnings = slices.Clone(s.ValidationWarnings)
	s.ReviewStartedAt = cloneTime(s.ReviewStartedAt)
	s.ApprovedAt = cloneTime(s.ApprovedAt)
	s.RejectedAt = cloneTime(s.RejectedAt)
	s.PublishedAt = cloneTime(s.PublishedAt)
	s.WithdrawnAt = cloneTime(s.WithdrawnAt)
	return s
}

func (s *Submission) stamp(status Status, at time.Time) {
	t := at
	switch status {
	case StatusInReview:
		s.ReviewStartedAt = &t
	case StatusApproved:
		s.ApprovedAt = &t
	case StatusRejected:
		s.RejectedAt = &t
	case StatusPublished:
		s.PublishedAt = &t
	case StatusWithdrawn:
		s.WithdrawnAt = &t
	}
	s.Status = status
	s.UpdatedAt = at
}

func (s *Submission) resetTimeline(at time.Time) {
	s.SubmittedAt = at
	s.ReviewStartedAt = nil
	s.ApprovedAt = nil
	s.RejectedAt = nil
	s.PublishedAt = nil
	s.WithdrawnAt = nil
	s.UpdatedAt = at
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
