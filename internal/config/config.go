package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Detection DetectionConfig `mapstructure:"detection"`
	Integrity IntegrityConfig `mapstructure:"integrity"`
	Baseline  BaselineConfig  `mapstructure:"baseline"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Server    ServerConfig    `mapstructure:"server"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	ADB       ADBConfig       `mapstructure:"adb"`
	Log       LogConfig       `mapstructure:"log"`
	// Enforce 为 true 时 HandleThreat 在通知处理器后终止进程
	Enforce bool `mapstructure:"enforce"`
}

// AppConfig 受保护应用的身份信息
type AppConfig struct {
	PackageName string `mapstructure:"package_name"`
	APKPath     string `mapstructure:"apk_path"` // 为空时从包管理器查询
	DataDir     string `mapstructure:"data_dir"` // 应用私有目录
}

// DetectionConfig 探针执行与评分配置
type DetectionConfig struct {
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Concurrency    int           `mapstructure:"concurrency"` // 1 表示顺序执行
	Obfuscate      bool          `mapstructure:"obfuscate"`   // 启用分析对抗拦截器
	Harden         bool          `mapstructure:"harden"`      // 启动时禁用核心转储并安装陷阱
	SelfTrace      bool          `mapstructure:"self_trace"`  // 启用 PTRACE_TRACEME 探测
	JitterMin      time.Duration `mapstructure:"jitter_min"`
	JitterMax      time.Duration `mapstructure:"jitter_max"`
	ProcRoot       string        `mapstructure:"proc_root"`
	Thresholds     Thresholds    `mapstructure:"thresholds"`
}

// Thresholds 各威胁家族的判定阈值
type Thresholds struct {
	Root      int `mapstructure:"root"`
	Tampering int `mapstructure:"tampering"`
	Debugger  int `mapstructure:"debugger"`
	Emulator  int `mapstructure:"emulator"`
}

// IntegrityConfig 完整性校验的期望值
type IntegrityConfig struct {
	ExpectedFingerprints []string      `mapstructure:"expected_fingerprints"` // SHA-256 hex
	ManifestFile         string        `mapstructure:"manifest_file"`         // baseline 工具导出的 YAML
	TrustedInstallers    []string      `mapstructure:"trusted_installers"`
	DebugCertMarker      string        `mapstructure:"debug_cert_marker"`
	ExpectedLoader       string        `mapstructure:"expected_loader"`
	DexEntry             string        `mapstructure:"dex_entry"`
	MaxInstallSkew       time.Duration `mapstructure:"max_install_skew"`
	MaxWritableExec      int           `mapstructure:"max_writable_exec"`
}

// BaselineConfig 基线存储配置
type BaselineConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, mysql
	Path     string `mapstructure:"path"`   // sqlite 文件
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	KeySeed  string `mapstructure:"key_seed"`
	// HistoryKeep 保留的评估历史条数，0 表示不记录
	HistoryKeep int `mapstructure:"history_keep"`
}

// MonitorConfig 周期性重新评估
type MonitorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	WatchPackage bool          `mapstructure:"watch_package"` // 监听 APK 文件变化
	Debounce     time.Duration `mapstructure:"debounce"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`  // debug, release
	Token   string `mapstructure:"token"` // 诊断接口令牌，为空不校验
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// ADBConfig 通过 adb 远程检测设备；Target 为空时检测本机
type ADBConfig struct {
	Target  string        `mapstructure:"target"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr 或文件路径
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("detection.probe_timeout", 2*time.Second)
	v.SetDefault("detection.command_timeout", 1500*time.Millisecond)
	v.SetDefault("detection.concurrency", 1)
	v.SetDefault("detection.jitter_min", time.Millisecond)
	v.SetDefault("detection.jitter_max", 100*time.Millisecond)
	v.SetDefault("detection.proc_root", "/proc")
	v.SetDefault("detection.harden", true)
	v.SetDefault("detection.thresholds.root", 3)
	v.SetDefault("detection.thresholds.tampering", 3)
	v.SetDefault("detection.thresholds.debugger", 3)
	v.SetDefault("detection.thresholds.emulator", 3)

	v.SetDefault("integrity.trusted_installers", []string{"com.android.vending", "com.google.android.feedback"})
	v.SetDefault("integrity.debug_cert_marker", "CN=Android Debug")
	v.SetDefault("integrity.dex_entry", "classes.dex")
	v.SetDefault("integrity.max_install_skew", 24*time.Hour)
	v.SetDefault("integrity.max_writable_exec", 5)

	v.SetDefault("baseline.driver", "sqlite")
	v.SetDefault("baseline.path", "raspguard.db")
	v.SetDefault("baseline.history_keep", 500)

	v.SetDefault("monitor.min_interval", 30*time.Second)
	v.SetDefault("monitor.max_interval", 90*time.Second)
	v.SetDefault("monitor.debounce", 2*time.Second)

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.mode", "release")

	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "raspguard.threats")

	v.SetDefault("adb.timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvPrefix("RASPGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 绑定敏感配置
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")
	v.BindEnv("baseline.password", "MYSQL_PASS")
	v.BindEnv("baseline.key_seed", "BASELINE_KEY_SEED")
	v.BindEnv("server.token", "RASPGUARD_API_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
