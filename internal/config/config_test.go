package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
env = ["APP_ENV=dev", "DATA=${HOME}/data"]

[log]
level = "debug"
format = "json"

[output]
dir = "logs"

[orchestrator]
max_parallel = 2
watch = true

[server]
listen = "127.0.0.1:9999"

[server.tls]
enabled = true
dir = "certs"
auto_generate = true
hostnames = ["devpanel.test", "127.0.0.1"]

[history]
sinks = ["sqlite://:memory:"]

[[servers]]
name = "mariadb"
executable = "mariadbd"
args = ["--port=${port}"]
ports = [3306]
ready_pattern = "ready for connections"
startup_timeout = "30s"
grace_period = "10s"

[[servers]]
name = "php"
executable = "php-fpm"
work_dir = "www"
weight = 1
stop_signal = "QUIT"

[[servers]]
name = "nginx"
executable = "nginx"
args = ["-g", "daemon off;"]
ports = [8080]
weight = 2
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	p := writeConfig(t, "devpanel.toml", sample)
	fc, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "debug", fc.Log.Level)
	assert.EqualValues(t, "json", fc.Log.Format)
	assert.Equal(t, 2, fc.Orchestrator.MaxParallel)
	assert.True(t, fc.Orchestrator.Watch)
	assert.Equal(t, 100*time.Millisecond, fc.Orchestrator.ProbeInterval)
	assert.Equal(t, "127.0.0.1:9999", fc.Server.Listen)
	assert.Equal(t, "/api", fc.Server.BasePath)
	assert.True(t, fc.Server.Metrics)
	assert.Equal(t, []string{"sqlite://:memory:"}, fc.History.Sinks)
	assert.Equal(t, 5*time.Second, fc.History.Timeout)
	assert.Equal(t, 64, fc.Bus.QueueSize)

	dir := filepath.Dir(p)
	assert.Equal(t, filepath.Join(dir, "logs"), fc.Output.Dir)
	assert.True(t, fc.Server.TLS.Enabled)
	assert.True(t, fc.Server.TLS.AutoGenerate)
	assert.Equal(t, filepath.Join(dir, "certs"), fc.Server.TLS.Dir)
	assert.Equal(t, []string{"devpanel.test", "127.0.0.1"}, fc.Server.TLS.Hostnames)

	require.Len(t, fc.Servers, 3)
	db := fc.Servers[0]
	assert.Equal(t, "mariadb", db.Name)
	assert.Equal(t, []int{3306}, db.Ports)
	assert.Equal(t, 30*time.Second, db.StartupTimeout)
	assert.Equal(t, 10*time.Second, db.GracePeriod)
	assert.Equal(t, filepath.Join(dir, "www"), fc.Servers[1].WorkDir)
	assert.Equal(t, "QUIT", fc.Servers[1].StopSignal)
	assert.Equal(t, 2, fc.Servers[2].Weight)

	descs := fc.Descriptors()
	assert.Equal(t, 5*time.Second, descs[2].GracePeriod)
	assert.Equal(t, "TERM", descs[2].StopSignal)
}

func TestLoadEnvOverride(t *testing.T) {
	p := writeConfig(t, "devpanel.toml", sample)
	t.Setenv("DEVPANEL_SERVER_LISTEN", "0.0.0.0:7000")
	t.Setenv("DEVPANEL_ORCHESTRATOR_MAX_PARALLEL", "5")

	fc, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", fc.Server.Listen)
	assert.Equal(t, 5, fc.Orchestrator.MaxParallel)
}

func TestLoadYAML(t *testing.T) {
	p := writeConfig(t, "devpanel.yaml", `
servers:
  - name: redis
    executable: redis-server
    ports: [6379]
`)
	fc, err := Load(p)
	require.NoError(t, err)
	require.Len(t, fc.Servers, 1)
	assert.Equal(t, "redis-server", fc.Servers[0].Executable)
}

func TestLoadRejectsInvalidServers(t *testing.T) {
	p := writeConfig(t, "dup.toml", `
[[servers]]
name = "redis"
executable = "redis-server"

[[servers]]
name = "redis"
executable = "redis-server"
`)
	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")

	p = writeConfig(t, "port.toml", `
[[servers]]
name = "web"
executable = "nginx"
ports = [70000]
`)
	_, err = Load(p)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestDefaults(t *testing.T) {
	fc := Defaults()
	assert.Equal(t, "127.0.0.1:7788", fc.Server.Listen)
	assert.Equal(t, 200, fc.Orchestrator.TailLines)
	assert.Empty(t, fc.Servers)
}

func TestGlobalEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("A=1\n#comment\nexport B=\"two\"\nTOP=file\n"), 0o644))
	p := filepath.Join(dir, "devpanel.toml")
	require.NoError(t, os.WriteFile(p, []byte("env_files = [\".env\"]\nenv = [\"TOP=list\"]\n"), 0o644))

	fc, err := Load(p)
	require.NoError(t, err)
	e, err := fc.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, "1", e.Var["A"])
	assert.Equal(t, "two", e.Var["B"])
	assert.Equal(t, "list", e.Var["TOP"])
}

func TestGlobalEnvMissingFile(t *testing.T) {
	fc := &FileConfig{EnvFiles: []string{filepath.Join(t.TempDir(), "missing.env")}}
	_, err := fc.GlobalEnv()
	require.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	p := writeConfig(t, ".env", "A=1\n\n# c\nB = 'x y'\nnoequals\n=empty\n")
	pairs, err := LoadEnvFile(p)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A=1", "B=x y"}, pairs)
}

func TestWatch(t *testing.T) {
	p := writeConfig(t, "devpanel.toml", sample)

	var mu sync.Mutex
	var got *FileConfig
	require.NoError(t, Watch(p, nil, func(fc *FileConfig, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		got = fc
		mu.Unlock()
	}))

	updated := sample + `
[[servers]]
name = "memcached"
executable = "memcached"
ports = [11211]
`
	// give the watcher a moment to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && len(got.Servers) == 4
	}, 5*time.Second, 20*time.Millisecond)
}
