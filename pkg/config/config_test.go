package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:50081", cfg.HTTPListenAddr)
	assert.False(t, cfg.GRPCEnabled)
	assert.Equal(t, 5, cfg.PoolTargetLength)
	assert.Equal(t, "code-executor-", cfg.WorkerNamePrefix)
	assert.True(t, cfg.RequireChatID)
	assert.Equal(t, int64(1<<30), cfg.FileSizeLimitBytes)
	assert.Equal(t, int64(1<<20), cfg.OutputLimitBytes)
	assert.Equal(t, 90*time.Second, cfg.ProvisionTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("APP_HTTP_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("APP_GRPC_ENABLED", "true")
	t.Setenv("APP_EXECUTOR_POOL_TARGET_LENGTH", "12")
	t.Setenv("APP_EXECUTOR_NAME_PREFIX", "sandbox-")
	t.Setenv("APP_REQUIRE_CHAT_ID", "false")
	t.Setenv("APP_GLOBAL_MAX_DOWNLOADS", "3")
	t.Setenv("APP_FILE_SIZE_LIMIT", "512Mi")
	t.Setenv("APP_OUTPUT_LIMIT", "64Ki")
	t.Setenv("APP_INTERNAL_HOST_ALLOWLIST", "a.internal, b.internal,")
	t.Setenv("APP_WORKER_PROVISION_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPListenAddr)
	assert.True(t, cfg.GRPCEnabled)
	assert.Equal(t, 12, cfg.PoolTargetLength)
	assert.Equal(t, "sandbox-", cfg.WorkerNamePrefix)
	assert.False(t, cfg.RequireChatID)
	assert.Equal(t, int64(3), cfg.GlobalMaxDownloads)
	assert.Equal(t, int64(512<<20), cfg.FileSizeLimitBytes)
	assert.Equal(t, int64(64<<10), cfg.OutputLimitBytes)
	assert.Equal(t, []string{"a.internal", "b.internal"}, cfg.InternalHostAllowlist)
	assert.Equal(t, 30*time.Second, cfg.ProvisionTimeout)
}

func TestLoadExecutorResourcesYAML(t *testing.T) {
	t.Setenv("APP_EXECUTOR_CONTAINER_RESOURCES", `{"cpu_shares": 512, "memory_bytes": 268435456, "pids_limit": 128}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(512), cfg.ExecutorContainerResources.CPUShares)
	assert.Equal(t, int64(268435456), cfg.ExecutorContainerResources.MemoryBytes)
	assert.Equal(t, int64(128), cfg.ExecutorContainerResources.PidsLimit)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bad pool length", key: "APP_EXECUTOR_POOL_TARGET_LENGTH", value: "lots"},
		{name: "negative pool length", key: "APP_EXECUTOR_POOL_TARGET_LENGTH", value: "-1"},
		{name: "bad size literal", key: "APP_FILE_SIZE_LIMIT", value: "ten megs"},
		{name: "bad duration", key: "APP_WORKER_ACQUIRE_TIMEOUT", value: "soon"},
		{name: "bad resources yaml", key: "APP_EXECUTOR_CONTAINER_RESOURCES", value: "{broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "1024", want: 1024},
		{in: "512Ki", want: 512 << 10},
		{in: "512K", want: 512 << 10},
		{in: "2Mi", want: 2 << 20},
		{in: "1Gi", want: 1 << 30},
		{in: "1G", want: 1 << 30},
		{in: "3Ti", want: 3 << 40},
		{in: " 10 Mi ", want: 10 << 20},
		{in: "100MB", want: 100 << 20},
		{in: "", wantErr: true},
		{in: "ten", wantErr: true},
		{in: "-5Mi", wantErr: true},
		{in: "5Xi", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseExpiry(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30s", want: 30 * time.Second},
		{in: "15m", want: 15 * time.Minute},
		{in: "12h", want: 12 * time.Hour},
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: "2w", want: 14 * 24 * time.Hour},
		{in: "2W", want: 14 * 24 * time.Hour},
		{in: "", wantErr: true},
		{in: "5", wantErr: true},
		{in: "5y", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseExpiry(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
