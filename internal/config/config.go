// Package config handles CLI parsing, TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// DevRegion is the NOW_REGION value that selects development mode.
const DevRegion = "dev1"

// DefaultReadyText is the line PostgREST prints once its database pool is up.
const DefaultReadyText = "Connection successful"

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/launcher/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	EnvFile       []string `kong:"help='Dotenv files loaded into the environment before startup.',env='LAUNCHER_ENV_FILE'"`
	Binary        string   `kong:"help='Backend command line (overrides config).',env='LAUNCHER_BINARY'"`
	BackendConfig string   `kong:"help='Backend configuration file passed as last argument (overrides config).',env='LAUNCHER_BACKEND_CONFIG'"`
	Port          int      `kong:"short='p',help='Backend listen port (overrides config).',env='LAUNCHER_PORT'"`
	BasePath      string   `kong:"help='Base path stripped from request paths; $(VAR) reads it from the environment.',env='LAUNCHER_BASE_PATH'"`
	Region        string   `kong:"help='Deployment region; dev1 selects development mode.',env='NOW_REGION'"`
	Dev           bool     `kong:"help='Force development mode.'"`
	LogLevel      string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Lambda LambdaCmd `kong:"cmd,default='1',help='Serve invocations from the Lambda runtime API.'"`
	Serve  ServeCmd  `kong:"cmd,help='Serve invocations over a local HTTP endpoint.'"`
}

// LambdaCmd runs the launcher under the Lambda runtime.
type LambdaCmd struct{}

// ServeCmd runs the local invoke server.
type ServeCmd struct {
	Listen string `kong:"help='Local invoke server address host:port (overrides config).',env='LAUNCHER_LISTEN'"`
}

// Config is the top-level application configuration.
type Config struct {
	Backend  BackendConfig  `toml:"backend"`
	Launcher LauncherConfig `toml:"launcher"`
	Server   ServerConfig   `toml:"server"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// BackendConfig describes the process the launcher supervises.
type BackendConfig struct {
	// Command is split on whitespace into executable and arguments.
	Command string `toml:"command"`
	// ConfigFile, when set, is appended as the last argument.
	ConfigFile string `toml:"config_file"`
	Port       int    `toml:"port"`
	PortEnv    string `toml:"port_env"`
	// ReadyText is the stdout substring that signals readiness. An explicit
	// empty string disables the wait.
	ReadyText   *string           `toml:"ready_text"`
	EnvDefaults map[string]string `toml:"env_defaults"`
}

// LauncherConfig holds supervision and proxy settings.
type LauncherConfig struct {
	Dev                 bool   `toml:"dev"`
	MarkerPath          string `toml:"marker_path"`
	BasePath            string `toml:"base_path"`
	ReadyTimeoutSeconds int    `toml:"ready_timeout_seconds"` // 0 waits forever
	ProbeIntervalMillis int    `toml:"probe_interval_ms"`
	ProbeTimeoutMillis  int    `toml:"probe_timeout_ms"`
	ErrorDelayMillis    int    `toml:"error_delay_ms"`
	LockStartup         bool   `toml:"lock_startup"`
}

// ServerConfig holds local invoke server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// envFileFlag is the long name of CLI.EnvFile.
const envFileFlag = "--env-file"

// PreloadEnvFiles loads the dotenv files named on the command line, or in
// LAUNCHER_ENV_FILE, into the process environment. It must run before the CLI
// is parsed so env-backed flags such as NOW_REGION see the file's values.
// Variables already set in the environment win.
func PreloadEnvFiles(args []string) error {
	files := envFileArgs(args)
	if len(files) == 0 {
		if v, ok := os.LookupEnv("LAUNCHER_ENV_FILE"); ok && v != "" {
			files = splitList(v)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

// envFileArgs collects --env-file values from raw arguments, accepting both
// "--env-file a,b" and "--env-file=a,b". Scanning stops at "--".
func envFileArgs(args []string) []string {
	var files []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return files
		case arg == envFileFlag && i+1 < len(args):
			i++
			files = append(files, splitList(args[i])...)
		case strings.HasPrefix(arg, envFileFlag+"="):
			files = append(files, splitList(strings.TrimPrefix(arg, envFileFlag+"="))...)
		}
	}
	return files
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load loads dotenv files, reads the optional TOML config file and applies
// CLI overrides. A missing config file is only an error when one was named
// explicitly; otherwise built-in defaults apply.
//
// Env files are loaded again here for callers that skip PreloadEnvFiles;
// godotenv never overrides a variable that is already set.
func Load(cli *CLI) (*Config, error) {
	if len(cli.EnvFile) > 0 {
		if err := godotenv.Load(cli.EnvFile...); err != nil {
			return nil, fmt.Errorf("config: load env files: %w", err)
		}
	}

	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Binary != "" {
		c.Backend.Command = cli.Binary
	}
	if cli.BackendConfig != "" {
		c.Backend.ConfigFile = cli.BackendConfig
	}
	if cli.Port != 0 {
		c.Backend.Port = cli.Port
	}
	if cli.BasePath != "" {
		c.Launcher.BasePath = cli.BasePath
	}
	if cli.Dev || cli.Region == DevRegion {
		c.Launcher.Dev = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Serve.Listen != "" {
		if host, port, ok := splitListen(cli.Serve.Listen); ok {
			c.Server.Host = host
			c.Server.Port = port
		}
	}
}

// setDefaults fills zero-valued fields with defaults.
// For integer fields zero means "unset" because TOML cannot distinguish an
// explicit 0 from an omitted key. ready_timeout_seconds is the exception:
// its default is 0, meaning no deadline.
func (c *Config) setDefaults() {
	if c.Backend.Command == "" {
		c.Backend.Command = "bin/postgrest"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 3000
	}
	if c.Backend.PortEnv == "" {
		c.Backend.PortEnv = "PGRST_SERVER_PORT"
	}
	if c.Backend.ReadyText == nil {
		text := DefaultReadyText
		c.Backend.ReadyText = &text
	}
	if c.Launcher.MarkerPath == "" {
		c.Launcher.MarkerPath = filepath.Join(os.TempDir(), "NOWPID")
	}
	if c.Launcher.BasePath == "" {
		c.Launcher.BasePath = "/"
	}
	if c.Launcher.ProbeIntervalMillis == 0 {
		c.Launcher.ProbeIntervalMillis = 50
	}
	if c.Launcher.ProbeTimeoutMillis == 0 {
		c.Launcher.ProbeTimeoutMillis = 50
	}
	if c.Launcher.ErrorDelayMillis == 0 {
		c.Launcher.ErrorDelayMillis = 2
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 6 * 1024 * 1024 // Lambda synchronous payload limit
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Backend.Command) == "" {
		return fmt.Errorf("backend.command is required")
	}
	if c.Backend.Port < 1 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port must be 1–65535; got %d", c.Backend.Port)
	}
	if strings.ContainsAny(c.Backend.PortEnv, "= ") {
		return fmt.Errorf("backend.port_env is not a valid variable name; got %q", c.Backend.PortEnv)
	}
	for k := range c.Backend.EnvDefaults {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("backend.env_defaults has invalid variable name %q", k)
		}
	}

	if !filepath.IsAbs(c.Launcher.MarkerPath) {
		return fmt.Errorf("launcher.marker_path must be absolute; got %q", c.Launcher.MarkerPath)
	}
	bp := c.Launcher.BasePath
	if !strings.HasPrefix(bp, "/") && !isEnvIndirection(bp) {
		return fmt.Errorf("launcher.base_path must start with '/' or be a $(VAR) reference; got %q", bp)
	}
	if c.Launcher.ReadyTimeoutSeconds < 0 {
		return fmt.Errorf("launcher.ready_timeout_seconds must be non-negative; got %d", c.Launcher.ReadyTimeoutSeconds)
	}
	if c.Launcher.ProbeIntervalMillis < 0 || c.Launcher.ProbeTimeoutMillis < 0 {
		return fmt.Errorf("launcher probe interval and timeout must be non-negative")
	}
	if c.Launcher.ErrorDelayMillis < 0 {
		return fmt.Errorf("launcher.error_delay_ms must be non-negative; got %d", c.Launcher.ErrorDelayMillis)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// reservedRoutes are the local invoke server routes metrics.path may not shadow.
var reservedRoutes = []string{"/invoke", "/2015-03-31", "/healthz", "/launcher/status"}

func isEnvIndirection(s string) bool {
	return len(s) > 3 && strings.HasPrefix(s, "$(") && strings.HasSuffix(s, ")")
}

func splitListen(addr string) (string, int, bool) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", 0, false
	}
	var port int
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
		return "", 0, false
	}
	return addr[:i], port, true
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Argv returns the backend command line: the command split on whitespace,
// followed by the config file when one is configured.
func (b *BackendConfig) Argv() []string {
	argv := strings.Fields(b.Command)
	if b.ConfigFile != "" {
		argv = append(argv, b.ConfigFile)
	}
	return argv
}

// Ready returns the configured readiness substring ("" disables the wait).
func (b *BackendConfig) Ready() string {
	if b.ReadyText == nil {
		return ""
	}
	return *b.ReadyText
}

// ReadyTimeout returns the readiness deadline, or 0 for none.
func (l *LauncherConfig) ReadyTimeout() time.Duration {
	return time.Duration(l.ReadyTimeoutSeconds) * time.Second
}

// ProbeInterval returns the delay between TCP readiness probes.
func (l *LauncherConfig) ProbeInterval() time.Duration {
	return time.Duration(l.ProbeIntervalMillis) * time.Millisecond
}

// ProbeTimeout returns the per-attempt TCP probe timeout.
func (l *LauncherConfig) ProbeTimeout() time.Duration {
	return time.Duration(l.ProbeTimeoutMillis) * time.Millisecond
}

// ErrorDelay returns how long a backend call failure is held before it is returned.
func (l *LauncherConfig) ErrorDelay() time.Duration {
	return time.Duration(l.ErrorDelayMillis) * time.Millisecond
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
// The config names the binary the launcher executes.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
