package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("build", pflag.ContinueOnError)
	fs.String("project-dir", ".", "")
	fs.String("runtime-version", "", "")
	fs.Bool("no-cache", false, "")
	fs.StringSlice("exclude", nil, "")
	fs.String("unrelated", "", "")
	return fs
}

func TestDefaults(t *testing.T) {
	project := t.TempDir()
	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--project-dir", project}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, project, cfg.ProjectDir)
	assert.Equal(t, DefaultRuntimeVersion, cfg.RuntimeVersion)
	assert.Equal(t, filepath.Join(project, "Gemfile.lock"), cfg.LockFile)
	assert.Equal(t, filepath.Join(project, filepath.Base(project)), cfg.Output)
	assert.False(t, cfg.NoCache)
	assert.GreaterOrEqual(t, cfg.Jobs, 1)
	assert.Contains(t, cfg.Exclude, ".git/**")
	assert.Equal(t, "cc", cfg.CC)
	assert.Empty(t, cfg.Source)
	assert.True(t, filepath.IsAbs(cfg.CacheRoot))
}

func TestProjectConfigFile(t *testing.T) {
	project := t.TempDir()
	writeConfig(t, project, "rbpack.toml", `
entry_point = "bin/server"
runtime_version = "3.2.5"
lock_file = "gems.locked"
cache_root = "cache"
exclude = ["spec/**"]
`)
	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--project-dir", project}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(project, "rbpack.toml"), cfg.Source)
	assert.Equal(t, "bin/server", cfg.EntryPoint)
	assert.Equal(t, "3.2.5", cfg.RuntimeVersion)
	assert.Equal(t, filepath.Join(project, "gems.locked"), cfg.LockFile)
	assert.Equal(t, filepath.Join(project, "cache"), cfg.CacheRoot)
	assert.Equal(t, []string{"spec/**"}, cfg.Exclude)
}

func TestPrecedence(t *testing.T) {
	project := t.TempDir()
	path := writeConfig(t, t.TempDir(), "custom.yaml", "project_dir: "+project+"\nruntime_version: 3.1.6\nno_cache: false\n")

	t.Setenv("RBPACK_RUNTIME_VERSION", "3.2.0")
	t.Setenv("RBPACK_EXCLUDE", "a/**,b/**")
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "3.2.0", cfg.RuntimeVersion, "env beats file")
	assert.Equal(t, []string{"a/**", "b/**"}, cfg.Exclude)

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--project-dir", project, "--runtime-version", "3.3.1", "--no-cache"}))
	cfg, err = Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "3.3.1", cfg.RuntimeVersion, "flag beats env")
	assert.True(t, cfg.NoCache)
}

func TestHomeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	project := t.TempDir()
	t.Setenv("RBPACK_CACHE_ROOT", "~/rbpack-cache")
	t.Setenv("RBPACK_PROJECT_DIR", project)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "rbpack-cache"), cfg.CacheRoot)
}

func TestExplicitConfigMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	project := t.TempDir()
	valid := func() *Config {
		return &Config{ProjectDir: project, RuntimeVersion: "3.3.6", CacheRoot: "/cache"}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"empty version":     func(c *Config) { c.RuntimeVersion = " " },
		"version traversal": func(c *Config) { c.RuntimeVersion = "../3.3.6" },
		"version separator": func(c *Config) { c.RuntimeVersion = "3.3/6" },
		"missing project":   func(c *Config) { c.ProjectDir = filepath.Join(project, "nope") },
		"absolute entry":    func(c *Config) { c.EntryPoint = "/bin/server" },
		"escaping entry":    func(c *Config) { c.EntryPoint = "../server.rb" },
		"bad exclude":       func(c *Config) { c.Exclude = []string{"[unclosed"} },
		"empty cache root":  func(c *Config) { c.CacheRoot = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			err := c.Validate()
			require.Error(t, err)
			var fe FieldError
			assert.ErrorAs(t, err, &fe)
		})
	}

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}
