// Package config loads broker configuration from APP_-prefixed environment
// variables. Complex values (container resources, spec extras) accept YAML
// or JSON; plain JSON parses fine through the YAML decoder.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "APP_"

// Resources bounds the executor container.
type Resources struct {
	CPUShares   uint64 `yaml:"cpu_shares" json:"cpu_shares"`
	MemoryBytes int64  `yaml:"memory_bytes" json:"memory_bytes"`
	PidsLimit   int64  `yaml:"pids_limit" json:"pids_limit"`
}

// SpecExtra carries extra fields merged into every worker container spec.
type SpecExtra struct {
	Labels      map[string]string `yaml:"labels" json:"labels"`
	Annotations map[string]string `yaml:"annotations" json:"annotations"`
}

// Config is the full broker configuration.
type Config struct {
	LogLevel string
	LogJSON  bool

	HTTPListenAddr string
	GRPCEnabled    bool
	GRPCListenAddr string

	// PEM content, not file paths. All three present enables mTLS;
	// cert+key alone enables server TLS.
	GRPCTLSCert    []byte
	GRPCTLSCertKey []byte
	GRPCTLSCACert  []byte

	ExecutorImage              string
	ExecutorContainerResources Resources
	ExecutorSpecExtra          SpecExtra

	FileStoragePath  string
	PoolTargetLength int
	WorkerNamePrefix string

	PublicSpawnEnabled    bool
	InternalHostAllowlist []string
	InternalIPAllowlist   []string

	RequireChatID      bool
	GlobalMaxDownloads int64

	// FileSizeLimitBytes bounds a single workspace file; OutputLimitBytes
	// bounds captured stdout/stderr before the truncation sentinel.
	FileSizeLimitBytes int64
	OutputLimitBytes   int64

	ContainerdSocket    string
	ContainerdNamespace string

	// ProvisionTimeout bounds how long a worker may sit in Provisioning
	// before the pool force-deletes it. AcquireTimeout is the default
	// deadline for acquiring a worker when the request has none.
	ProvisionTimeout time.Duration
	AcquireTimeout   time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:            "info",
		HTTPListenAddr:      "0.0.0.0:50081",
		GRPCListenAddr:      "0.0.0.0:50051",
		ExecutorImage:       "localhost/kiln-executor:local",
		FileStoragePath:     "/tmp/kiln",
		PoolTargetLength:    5,
		WorkerNamePrefix:    "code-executor-",
		RequireChatID:       true,
		FileSizeLimitBytes:  1 << 30, // 1Gi
		OutputLimitBytes:    1 << 20, // 1Mi
		ContainerdSocket:    "/run/containerd/containerd.sock",
		ContainerdNamespace: "kiln",
		ProvisionTimeout:    90 * time.Second,
		AcquireTimeout:      60 * time.Second,
	}

	cfg.LogLevel = getString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = getBool("LOG_JSON", false)

	cfg.HTTPListenAddr = getString("HTTP_LISTEN_ADDR", cfg.HTTPListenAddr)
	cfg.GRPCEnabled = getBool("GRPC_ENABLED", false)
	cfg.GRPCListenAddr = getString("GRPC_LISTEN_ADDR", cfg.GRPCListenAddr)

	cfg.GRPCTLSCert = getBytes("GRPC_TLS_CERT")
	cfg.GRPCTLSCertKey = getBytes("GRPC_TLS_CERT_KEY")
	cfg.GRPCTLSCACert = getBytes("GRPC_TLS_CA_CERT")

	cfg.ExecutorImage = getString("EXECUTOR_IMAGE", cfg.ExecutorImage)
	if err := getYAML("EXECUTOR_CONTAINER_RESOURCES", &cfg.ExecutorContainerResources); err != nil {
		return nil, err
	}
	if err := getYAML("EXECUTOR_SPEC_EXTRA", &cfg.ExecutorSpecExtra); err != nil {
		return nil, err
	}

	cfg.FileStoragePath = getString("FILE_STORAGE_PATH", cfg.FileStoragePath)
	cfg.WorkerNamePrefix = getString("EXECUTOR_NAME_PREFIX", cfg.WorkerNamePrefix)

	var err error
	if cfg.PoolTargetLength, err = getInt("EXECUTOR_POOL_TARGET_LENGTH", cfg.PoolTargetLength); err != nil {
		return nil, err
	}

	cfg.PublicSpawnEnabled = getBool("PUBLIC_SPAWN_ENABLED", false)
	cfg.InternalHostAllowlist = getList("INTERNAL_HOST_ALLOWLIST")
	cfg.InternalIPAllowlist = getList("INTERNAL_IP_ALLOWLIST")

	cfg.RequireChatID = getBool("REQUIRE_CHAT_ID", true)
	if cfg.GlobalMaxDownloads, err = getInt64("GLOBAL_MAX_DOWNLOADS", 0); err != nil {
		return nil, err
	}

	if v := os.Getenv(envPrefix + "FILE_SIZE_LIMIT"); v != "" {
		if cfg.FileSizeLimitBytes, err = ParseByteSize(v); err != nil {
			return nil, fmt.Errorf("failed to parse APP_FILE_SIZE_LIMIT: %w", err)
		}
	}
	if v := os.Getenv(envPrefix + "OUTPUT_LIMIT"); v != "" {
		if cfg.OutputLimitBytes, err = ParseByteSize(v); err != nil {
			return nil, fmt.Errorf("failed to parse APP_OUTPUT_LIMIT: %w", err)
		}
	}

	cfg.ContainerdSocket = getString("CONTAINERD_SOCKET", cfg.ContainerdSocket)
	cfg.ContainerdNamespace = getString("CONTAINERD_NAMESPACE", cfg.ContainerdNamespace)

	if cfg.ProvisionTimeout, err = getDuration("WORKER_PROVISION_TIMEOUT", cfg.ProvisionTimeout); err != nil {
		return nil, err
	}
	if cfg.AcquireTimeout, err = getDuration("WORKER_ACQUIRE_TIMEOUT", cfg.AcquireTimeout); err != nil {
		return nil, err
	}

	if cfg.PoolTargetLength < 0 {
		return nil, fmt.Errorf("pool target length must not be negative, got %d", cfg.PoolTargetLength)
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func getBytes(key string) []byte {
	if v := os.Getenv(envPrefix + key); v != "" {
		return []byte(v)
	}
	return nil
}

func getBool(key string, def bool) bool {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func getInt64(key string, def int64) (int64, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s%s: %w", envPrefix, key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

func getList(key string) []string {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getYAML(key string, out interface{}) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	if err := yaml.Unmarshal([]byte(v), out); err != nil {
		return fmt.Errorf("failed to parse %s%s: %w", envPrefix, key, err)
	}
	return nil
}

var byteSizeRe = regexp.MustCompile(`^\s*(\d+)\s*([KMGT]i?)?[Bb]?\s*$`)

// ParseByteSize parses size literals like "1024", "512Ki", "1Gi" or "2G".
func ParseByteSize(s string) (int64, error) {
	m := byteSizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("unsupported size literal %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, err
	}
	var mult int64 = 1
	switch strings.TrimSuffix(m[2], "i") {
	case "":
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	case "T":
		mult = 1 << 40
	}
	return n * mult, nil
}

var durationRe = regexp.MustCompile(`^\s*(\d+)\s*([smhdw])\s*$`)

// ParseExpiry parses duration literals of the form "30s", "15m", "12h",
// "7d" or "2w" used for file expiry knobs.
func ParseExpiry(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return 0, fmt.Errorf("unsupported duration literal %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, err
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	default: // w
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
}
