package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "diagstream.yaml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
listen_addr: 127.0.0.1:9000
static_dir: /srv/frontend
log_level: debug
origin_patterns: ["example.com", "*.example.org"]
terminal:
  env: ["LANG=C"]
  read_size: 4096
  idle_poll: 20ms
  drain_timeout: 1s
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "/srv/frontend", cfg.StaticDir)
	assert.Equal(t, []string{"example.com", "*.example.org"}, cfg.OriginPatterns)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)

	opts := cfg.TerminalOptions()
	assert.Equal(t, []string{"LANG=C"}, opts.Env)
	assert.Equal(t, 4096, opts.ReadSize)
	assert.Equal(t, 20*time.Millisecond, opts.IdlePoll)
	assert.Equal(t, time.Second, opts.DrainTimeout)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "static_dir: web\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "web", cfg.StaticDir)
	assert.Zero(t, cfg.TerminalOptions().DrainTimeout)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		errMsg   string
	}{
		{name: "bad level", contents: "log_level: loud\n", errMsg: `parsing log level "loud"`},
		{name: "bad duration", contents: "terminal:\n  drain_timeout: soon\n", errMsg: `parsing duration "soon"`},
		{name: "bad yaml", contents: "listen_addr: [\n", errMsg: "parsing config file"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, c.contents))
			require.ErrorContains(t, err, c.errMsg)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "reading config file")
}

func TestConfigOptionsTLS(t *testing.T) {
	cert, err := GenerateSelfSignedCert("localhost")
	require.NoError(t, err)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, cert.CertPEMBytes, 0o600))
	require.NoError(t, os.WriteFile(keyFile, cert.KeyPEMBytes, 0o600))

	cfg := DefaultConfig()
	cfg.TLS.CertFile = certFile
	cfg.TLS.KeyFile = keyFile
	opts, err := cfg.Options()
	require.NoError(t, err)

	a, err := NewAgent(opts...)
	require.NoError(t, err)
	assert.Equal(t, cert.CertPEMBytes, a.certPEM)
	assert.Equal(t, cert.KeyPEMBytes, a.keyPEM)

	cfg.TLS.KeyFile = filepath.Join(dir, "missing.pem")
	_, err = cfg.Options()
	require.ErrorContains(t, err, "reading TLS key")
}

func TestConfigOptionsSelfSigned(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLS.SelfSigned = true
	cfg.StaticDir = "web"
	opts, err := cfg.Options()
	require.NoError(t, err)

	a, err := NewAgent(opts...)
	require.NoError(t, err)
	assert.NotEmpty(t, a.certPEM)
	assert.Equal(t, "web", a.staticDir)
	assert.Equal(t, "0.0.0.0:8000", a.listenAddr)

	_, err = ServerTLSConfig(a.certPEM, a.keyPEM)
	require.NoError(t, err)
}
