package hubclient

import "time"

// PluginStatus mirrors the server's merged runtime and registry view.
type PluginStatus struct {
	Name                string         `json:"name"`
	Version             string         `json:"version"`
	Runtime             string         `json:"runtime"`
	EntryID             string         `json:"entry_id,omitempty"`
	State               string         `json:"state"`
	RegistryStatus      string         `json:"registry_status,omitempty"`
	Health              string         `json:"health,omitempty"`
	HealthMessage       string         `json:"health_message,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastError           string         `json:"last_error,omitempty"`
	Subscriptions       []string       `json:"subscriptions,omitempty"`
	Degraded            bool           `json:"degraded,omitempty"`
	Config              map[string]any `json:"config,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at,omitzero"`
}

// IsolationPolicy restricts plugin capabilities at install time.
type IsolationPolicy struct {
	AllowedCapabilities []string `json:"allowed_capabilities,omitempty"`
	DeniedCapabilities  []string `json:"denied_capabilities,omitempty"`
}

// InstallRequest is the body of POST /api/v1/plugins.
type InstallRequest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description,omitempty"`
	Author       string          `json:"author,omitempty"`
	Type         string          `json:"type,omitempty"`
	Runtime      string          `json:"runtime,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Permissions  []string        `json:"permissions,omitempty"`
	Subscribes   []string        `json:"subscribes,omitempty"`
	Publishes    []string        `json:"publishes,omitempty"`
	Location     string          `json:"location,omitempty"`
	Config       map[string]any  `json:"config,omitempty"`
	Policy       IsolationPolicy `json:"policy"`
}

// Grant is a single permission record of a plugin.
type Grant struct {
	Plugin     string    `json:"plugin"`
	Permission string    `json:"permission"`
	Granted    bool      `json:"granted"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Manifest describes a submitted plugin.
type Manifest struct {
	Name         string         `json:"name" yaml:"name"`
	Version      string         `json:"version" yaml:"version"`
	Description  string         `json:"description,omitempty" yaml:"description"`
	Category     string         `json:"category,omitempty" yaml:"category"`
	Author       string         `json:"author,omitempty" yaml:"author"`
	Type         string         `json:"type,omitempty" yaml:"type"`
	Runtime      string         `json:"runtime,omitempty" yaml:"runtime"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities"`
	Permissions  []string       `json:"permissions,omitempty" yaml:"permissions"`
	Subscribes   []string       `json:"subscribes,omitempty" yaml:"subscribes"`
	Publishes    []string       `json:"publishes,omitempty" yaml:"publishes"`
	HostVersion  string         `json:"host_version,omitempty" yaml:"host_version"`
	Location     string         `json:"location,omitempty" yaml:"location"`
	Config       map[string]any `json:"config,omitempty" yaml:"config"`
}

// Developer identifies the submitter.
type Developer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Artifact describes the uploaded package.
type Artifact struct {
	Key      string `json:"key"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Submission is a plugin submission and its review state.
type Submission struct {
	ID                       string     `json:"id"`
	Manifest                 Manifest   `json:"manifest"`
	Developer                Developer  `json:"developer"`
	Artifact                 Artifact   `json:"artifact"`
	Status                   string     `json:"status"`
	SubmittedAt              time.Time  `json:"submitted_at"`
	ReviewStartedAt          *time.Time `json:"review_started_at,omitempty"`
	ApprovedAt               *time.Time `json:"approved_at,omitempty"`
	RejectedAt               *time.Time `json:"rejected_at,omitempty"`
	PublishedAt              *time.Time `json:"published_at,omitempty"`
	WithdrawnAt              *time.Time `json:"withdrawn_at,omitempty"`
	ReviewNotes              string     `json:"review_notes,omitempty"`
	Reviewer                 string     `json:"reviewer,omitempty"`
	ValidationErrors         []string   `json:"validation_errors,omitempty"`
	ValidationWarnings       []string   `json:"validation_warnings,omitempty"`
	SecurityCheckPassed      bool       `json:"security_check_passed"`
	CompatibilityCheckPassed bool       `json:"compatibility_check_passed"`
	RegistryEntryID          string     `json:"registry_entry_id,omitempty"`
}

// SubmissionStats counts submissions per status.
type SubmissionStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Statistics is the response of GET /api/v1/statistics.
type Statistics struct {
	Submissions     SubmissionStats `json:"submissions"`
	PluginsByStatus map[string]int  `json:"plugins_by_status"`
	PluginsByState  map[string]int  `json:"plugins_by_state"`
	Events          map[string]any  `json:"events"`
}
