package submission

import (
	"fmt"
	"net/mail"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"

	"ExtensionHub/internal/eventbus"
	"ExtensionHub/internal/permission"
	"ExtensionHub/pkg/plugin"
)

// Report 汇总一次校验的结果。
type Report struct {
	Errors              []string
	Warnings            []string
	SecurityPassed      bool
	CompatibilityPassed bool
}

// Passed 在没有任何错误时返回 true。
func (r Report) Passed() bool {
	return len(r.Errors) == 0 && r.SecurityPassed && r.CompatibilityPassed
}

// Validator 对提交执行安全与兼容性检查。
type Validator struct {
	// HostVersion 是当前宿主版本，用于匹配清单中的 host_version 约束。
	HostVersion string
	// MaxArtifactSize 为 0 时不限制。
	MaxArtifactSize int64
	// DeniedCapabilities 中的能力会导致安全检查失败。
	DeniedCapabilities []plugin.Capability
}

// Validate 校验提交内容，不修改入参。
func (v Validator) Validate(sub Submission) Report {
	var security, compat, warnings []string
	m := sub.Manifest

	if !plugin.ValidName(m.Name) {
		compat = append(compat, fmt.Sprintf("插件名称 %q 不合法", m.Name))
	}
	if _, err := semver.StrictNewVersion(strings.TrimPrefix(m.Version, "v")); err != nil {
		compat = append(compat, fmt.Sprintf("版本号 %q 不是合法的语义化版本", m.Version))
	}
	switch m.Runtime {
	case plugin.RuntimeJAR:
	case plugin.RuntimeGRPC, plugin.RuntimeREST:
		if strings.TrimSpace(m.Location) == "" {
			compat = append(compat, fmt.Sprintf("%s 运行时需要提供 location", m.Runtime))
		}
	default:
		compat = append(compat, fmt.Sprintf("不支持的运行时 %q", m.Runtime))
	}
	if m.Type != "" && m.Type != plugin.TypeInternal && m.Type != plugin.TypeExternal {
		compat = append(compat, fmt.Sprintf("不支持的插件类型 %q", m.Type))
	}
	if msg := v.checkHostVersion(m.HostVersion); msg != "" {
		compat = append(compat, msg)
	}
	for _, evt := range slices.Concat(m.Subscribes, m.Publishes) {
		if !eventbus.ValidEventType(evt) {
			compat = append(compat, fmt.Sprintf("事件类型 %q 不合法", evt))
		}
	}

	for _, p := range m.Permissions {
		if !permission.Valid(p) {
			security = append(security, fmt.Sprintf("权限 %q 不合法", p))
		}
	}
	for _, c := range m.Capabilities {
		switch c {
		case plugin.CapabilityFilesystem, plugin.CapabilityNetwork, plugin.CapabilityExecution:
		default:
			security = append(security, fmt.Sprintf("未知能力 %q", c))
			continue
		}
		if slices.Contains(v.DeniedCapabilities, c) {
			security = append(security, fmt.Sprintf("能力 %s 被策略禁止", c))
		} else if c == plugin.CapabilityExecution {
			warnings = append(warnings, "插件申请了 EXECUTION 能力，审核时请重点关注")
		}
	}
	if sub.Artifact.Size <= 0 {
		security = append(security, "制品为空")
	}
	if v.MaxArtifactSize > 0 && sub.Artifact.Size > v.MaxArtifactSize {
		security = append(security, fmt.Sprintf("制品大小 %d 超过上限 %d", sub.Artifact.Size, v.MaxArtifactSize))
	}
	if len(sub.Artifact.Checksum) != 64 {
		security = append(security, "制品缺少 SHA-256 校验和")
	}

	if sub.Developer.Email == "" {
		compat = append(compat, "缺少开发者邮箱")
	} else if _, err := mail.ParseAddress(sub.Developer.Email); err != nil {
		compat = append(compat, fmt.Sprintf("开发者邮箱 %q 不合法", sub.Developer.Email))
	}
	if strings.TrimSpace(m.Description) == "" {
		warnings = append(warnings, "缺少插件描述")
	}
	if m.Category == "" {
		warnings = append(warnings, "未指定分类")
	}

	return Report{
		Errors:              slices.Concat(security, compat),
		Warnings:            warnings,
		SecurityPassed:      len(security) == 0,
		CompatibilityPassed: len(compat) == 0,
	}
}

func (v Validator) checkHostVersion(constraint string) string {
	if strings.TrimSpace(constraint) == "" {
		return ""
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Sprintf("宿主版本约束 %q 不合法", constraint)
	}
	if v.HostVersion == "" {
		return ""
	}
	host, err := semver.NewVersion(v.HostVersion)
	if err != nil {
		return fmt.Sprintf("宿主版本 %q 不合法", v.HostVersion)
	}
	if !c.Check(host) {
		return fmt.Sprintf("宿主版本 %s 不满足约束 %s", host, constraint)
	}
	return ""
}
