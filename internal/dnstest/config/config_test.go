package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	p, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", p.Env)
	assert.Equal(t, "info", p.LogLevel)
	assert.Equal(t, "127.0.0.1", p.Addr)
	assert.Equal(t, 4, p.IP)
	assert.Equal(t, "knotd", p.KnotBin)
	assert.Equal(t, "knotc", p.KnotCtl)
	assert.Equal(t, "named", p.BindBin)
	assert.Equal(t, "rndc", p.BindCtl)
	assert.Equal(t, []string{"--leak-check=full", "--vgdb=yes"}, p.ValgrindFlags)
	assert.Equal(t, 10000, p.PortMin)
	assert.Equal(t, 60000, p.PortMax)
	assert.False(t, p.Instrumented)
	assert.Empty(t, p.OutcomeDB)
}

func TestLoad_ValidOverrides(t *testing.T) {
	t.Setenv("DNSTEST_ENV", "dev")
	t.Setenv("DNSTEST_LOG_LEVEL", "debug")
	t.Setenv("DNSTEST_ADDR", "::1")
	t.Setenv("DNSTEST_IP", "6")
	t.Setenv("DNSTEST_KIND", "bind")
	t.Setenv("DNSTEST_KNOT_BIN", "/opt/knot/sbin/knotd")
	t.Setenv("DNSTEST_INSTRUMENTED", "true")
	t.Setenv("DNSTEST_SEED", "42")
	t.Setenv("DNSTEST_VALGRIND_FLAGS", "--leak-check=full,--track-origins=yes")
	t.Setenv("DNSTEST_PORT_MIN", "20000")
	t.Setenv("DNSTEST_PORT_MAX", "20100")

	p, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", p.Env)
	assert.Equal(t, "debug", p.LogLevel)
	assert.Equal(t, "::1", p.Addr)
	assert.Equal(t, 6, p.IP)
	assert.Equal(t, "bind", p.Kind)
	assert.Equal(t, "/opt/knot/sbin/knotd", p.KnotBin)
	assert.True(t, p.Instrumented)
	assert.Equal(t, int64(42), p.Seed)
	assert.Equal(t, []string{"--leak-check=full", "--track-origins=yes"}, p.ValgrindFlags)
	assert.Equal(t, 20000, p.PortMin)
	assert.Equal(t, 20100, p.PortMax)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dnstest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("test_dir: /var/tmp/dnstest\nbind_bin: /usr/sbin/named\nlog_level: warn\n"), 0o644))

	t.Setenv(ConfigFileEnv, path)
	// environment still wins over the file
	t.Setenv("DNSTEST_LOG_LEVEL", "error")

	p, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/tmp/dnstest", p.TestDir)
	assert.Equal(t, "/usr/sbin/named", p.BindBin)
	assert.Equal(t, "error", p.LogLevel)
}

func TestLoad_ConfigFileFormats(t *testing.T) {
	tests := []struct {
		ext     string
		content string
	}{
		{".json", `{"knot_ctl": "/x/knotc"}`},
		{".toml", `knot_ctl = "/x/knotc"`},
		{".yml", "knot_ctl: /x/knotc\n"},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conf"+tt.ext)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			t.Setenv(ConfigFileEnv, path)

			p, err := Load()
			require.NoError(t, err)
			assert.Equal(t, "/x/knotc", p.KnotCtl)
		})
	}
}

func TestLoad_ConfigFileUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.ini")
	require.NoError(t, os.WriteFile(path, []byte("a=b"), 0o644))
	t.Setenv(ConfigFileEnv, path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file extension")
}

func TestLoad_ConfigFileMissing(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config file")
}

func TestLoad_WhenKoanfDefaultLoadFails(t *testing.T) {
	orig := defaultLoader
	defaultLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { defaultLoader = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "error loading default config") {
		t.Errorf("expected default config load error, got %v", err)
	}
}

func TestLoad_WhenKoanfEnvLoadFails(t *testing.T) {
	orig := envLoader
	envLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { envLoader = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "error loading env") {
		t.Errorf("expected env load error, got %v", err)
	}
}

func TestLoad_RegisterValidationFails(t *testing.T) {
	orig := registerValidation
	registerValidation = func(v *validator.Validate) error { return errors.New("mocked validation error") }
	defer func() { registerValidation = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "error registering validation") {
		t.Errorf("expected registration error, got %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"env", "DNSTEST_ENV", "staging"},
		{"log level", "DNSTEST_LOG_LEVEL", "verbose"},
		{"addr", "DNSTEST_ADDR", "not-an-ip"},
		{"ip family", "DNSTEST_IP", "5"},
		{"kind", "DNSTEST_KIND", "nsd"},
		{"port min too low", "DNSTEST_PORT_MIN", "80"},
		{"port max below min", "DNSTEST_PORT_MAX", "9000"},
		{"port NaN", "DNSTEST_PORT_MIN", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_UnixSocketAddr(t *testing.T) {
	t.Setenv("DNSTEST_ADDR", "/run/dnstest/knot.sock")
	p, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/run/dnstest/knot.sock", p.Addr)
}

func TestDefaultLoader_LoadsDefaults(t *testing.T) {
	k := koanf.New(".")
	require.NoError(t, defaultLoader(k))
	assert.Equal(t, "knotd", k.String("knot_bin"))
	assert.Equal(t, 60000, k.Int("port_max"))
}

func TestEnvLoader_SkipsConfigFileKey(t *testing.T) {
	t.Setenv(ConfigFileEnv, "/tmp/whatever.yaml")
	k := koanf.New(".")
	require.NoError(t, envLoader(k))
	assert.False(t, k.Exists("config_file"))
}

func TestParams_LogFiles(t *testing.T) {
	tests := []struct {
		name       string
		check      string
		detail     string
		wantCheck  string
		wantDetail string
	}{
		{"defaults in test dir", "", "", "/tmp/run/check.log", "/tmp/run/detail.log"},
		{"explicit paths", "/var/log/c.log", "/var/log/d.log", "/var/log/c.log", "/var/log/d.log"},
		{"disabled", "-", "-", "", ""},
		{"detail only", "-", "", "", "/tmp/run/detail.log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Params{TestDir: "/tmp/run", CheckLog: tt.check, DetailLog: tt.detail}
			check, detail := p.LogFiles()
			assert.Equal(t, tt.wantCheck, check)
			assert.Equal(t, tt.wantDetail, detail)
		})
	}
}

func TestLoad_LogFileOverrides(t *testing.T) {
	t.Setenv("DNSTEST_CHECK_LOG", "/var/log/check.log")
	t.Setenv("DNSTEST_DETAIL_LOG", "-")

	p, err := Load()
	require.NoError(t, err)
	check, detail := p.LogFiles()
	assert.Equal(t, "/var/log/check.log", check)
	assert.Empty(t, detail)
}
