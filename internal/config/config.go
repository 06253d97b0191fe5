package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"ExtensionHub/internal/artifact"
	"ExtensionHub/internal/auth"
	"ExtensionHub/internal/eventbus"
	"ExtensionHub/internal/manager"
	"ExtensionHub/internal/storage/redis"
	"ExtensionHub/internal/storage/sqlstore"
	"ExtensionHub/pkg/logger"
	"ExtensionHub/pkg/plugin"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "EXTHUB_CONFIG"

// DefaultPath 在未指定路径时使用。
const DefaultPath = "configs/extensionhub.yaml"

// Config 描述了 ExtensionHub 在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        auth.Config       `yaml:"auth"`
	Logging     logger.Config     `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Artifacts   artifact.Config   `yaml:"artifacts"`
	EventBus    EventBusConfig    `yaml:"eventbus"`
	Plugins     PluginsConfig     `yaml:"plugins"`
	Submissions SubmissionsConfig `yaml:"submissions"`
	Alerting    AlertingConfig    `yaml:"alerting"`
}

// ServerConfig 控制管理 API 的监听参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxUploadMB 限制提交接口的请求体大小。
	MaxUploadMB int64 `yaml:"max_upload_mb"`
}

// StorageConfig 选择注册表与提交记录的存储。driver 为 memory 时不落库。
type StorageConfig struct {
	sqlstore.Config `yaml:",inline"`
}

// Persistent 报告是否使用数据库。
func (s StorageConfig) Persistent() bool {
	return s.Driver != "" && s.Driver != "memory"
}

// EventBusConfig 包含事件总线参数与跨进程桥接。
type EventBusConfig struct {
	eventbus.Config `yaml:",inline"`
	Bridge          BridgeConfig `yaml:"bridge"`
}

// BridgeConfig 选择事件桥接实现。
type BridgeConfig struct {
	Driver   string                  `yaml:"driver"`
	Channel  string                  `yaml:"channel"`
	Redis    redis.Config            `yaml:"redis"`
	RabbitMQ eventbus.RabbitMQConfig `yaml:"rabbitmq"`
}

// PluginsConfig 包含插件目录、生命周期参数与按插件名的配置覆盖。
type PluginsConfig struct {
	manager.Config `yaml:",inline"`
	Dir            string `yaml:"dir"`
	// WatchConfig 为 true 时监听配置文件并热更新 Overrides。
	WatchConfig bool                      `yaml:"watch_config"`
	Overrides   map[string]map[string]any `yaml:"overrides"`
}

// SubmissionsConfig 控制提交校验。
type SubmissionsConfig struct {
	HostVersion        string              `yaml:"host_version"`
	DeniedCapabilities []plugin.Capability `yaml:"denied_capabilities"`
	// AutoInstall 为 true 时发布后立即由管理器安装。
	AutoInstall bool `yaml:"auto_install"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	// Format 取 webhook、dingtalk 或 slack。
	Format string `yaml:"format"`
}

// ResolvePath 依次使用命令行参数、EXTHUB_CONFIG 和默认路径。
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse 展开环境变量后解析 YAML，并填充默认值。
func Parse(content []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(content)))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv 只替换 ${NAME} 与 ${NAME:-默认值}，其余 $ 保持原样。
func expandEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		if v, ok := os.LookupEnv(string(groups[1])); ok && v != "" {
			return []byte(v)
		}
		return groups[2]
	})
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 64
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = "data/audit.log"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = sqlstore.DriverSQLite
	}
	if c.Storage.Driver == sqlstore.DriverSQLite && c.Storage.DSN == "" {
		c.Storage.DSN = "data/exthub.db"
	}

	if c.Artifacts.Driver == "" {
		c.Artifacts.Driver = artifact.DriverFilesystem
	}
	if c.Artifacts.Driver == artifact.DriverFilesystem && c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "data/artifacts"
	}

	if c.EventBus.Bridge.Driver == "" {
		c.EventBus.Bridge.Driver = "none"
	}
	if c.EventBus.Bridge.Channel == "" {
		c.EventBus.Bridge.Channel = "extensionhub.events"
	}

	if c.Plugins.Dir == "" {
		c.Plugins.Dir = "plugins"
	}
	if c.Alerting.Format == "" {
		c.Alerting.Format = "webhook"
	}
}

// resolvePaths 把相对路径解析为相对配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	if c.Storage.Driver == sqlstore.DriverSQLite && c.Storage.DSN != ":memory:" {
		abs(&c.Storage.DSN)
	}
	if c.Artifacts.Driver == artifact.DriverFilesystem {
		abs(&c.Artifacts.Dir)
	}
	if c.Logging.Audit.Enabled {
		abs(&c.Logging.Audit.Path)
	}
	abs(&c.Plugins.Dir)
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", sqlstore.DriverSQLite, sqlstore.DriverMySQL, sqlstore.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.driver 不支持 %q", c.Storage.Driver))
	}
	if c.Storage.Persistent() && c.Storage.DSN == "" {
		errs = append(errs, fmt.Errorf("storage.dsn 不能为空"))
	}
	switch c.Artifacts.Driver {
	case artifact.DriverFilesystem, artifact.DriverMemory:
	case artifact.DriverS3:
		if c.Artifacts.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("artifacts.s3.bucket 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.driver 不支持 %q", c.Artifacts.Driver))
	}
	switch c.EventBus.Bridge.Driver {
	case "none":
	case "redis":
		if c.EventBus.Bridge.Redis.Address == "" {
			errs = append(errs, fmt.Errorf("eventbus.bridge.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.EventBus.Bridge.RabbitMQ.URL == "" {
			errs = append(errs, fmt.Errorf("eventbus.bridge.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("eventbus.bridge.driver 不支持 %q", c.EventBus.Bridge.Driver))
	}
	switch c.Alerting.Format {
	case "webhook", "dingtalk", "slack":
	default:
		errs = append(errs, fmt.Errorf("alerting.format 不支持 %q", c.Alerting.Format))
	}
	for i, t := range c.Auth.Tokens {
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d].token 为空，检查环境变量是否已设置", i))
		}
	}
	return errors.Join(errs...)
}
