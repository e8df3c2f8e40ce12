// Package config loads build settings from defaults, an optional rbpack
// config file, RBPACK_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultRuntimeVersion is the Ruby version built when none is configured.
const DefaultRuntimeVersion = "3.3.6"

// FileName is the base name searched for in the project directory.
const FileName = "rbpack"

// Config holds every build setting.
type Config struct {
	ProjectDir     string   `mapstructure:"project_dir"`
	EntryPoint     string   `mapstructure:"entry_point"`
	Output         string   `mapstructure:"output"`
	RuntimeVersion string   `mapstructure:"runtime_version"`
	RubySource     string   `mapstructure:"ruby_source"`
	CacheRoot      string   `mapstructure:"cache_root"`
	TempRoot       string   `mapstructure:"temp_root"`
	BuildDir       string   `mapstructure:"build_dir"`
	LockFile       string   `mapstructure:"lock_file"`
	NoCache        bool     `mapstructure:"no_cache"`
	KeepWorkspace  bool     `mapstructure:"keep_workspace"`
	Jobs           int      `mapstructure:"jobs"`
	Exclude        []string `mapstructure:"exclude"`
	CC             string   `mapstructure:"cc"`
	PkgConfig      string   `mapstructure:"pkg_config"`
	LogFile        string   `mapstructure:"log_file"`

	// Source is the config file that was read, if any.
	Source string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	cacheRoot := filepath.Join(os.TempDir(), "rbpack-cache")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheRoot = filepath.Join(dir, "rbpack")
	}
	v.SetDefault("project_dir", ".")
	v.SetDefault("entry_point", "")
	v.SetDefault("output", "")
	v.SetDefault("runtime_version", DefaultRuntimeVersion)
	v.SetDefault("ruby_source", "")
	v.SetDefault("cache_root", cacheRoot)
	v.SetDefault("temp_root", os.TempDir())
	v.SetDefault("build_dir", "")
	v.SetDefault("lock_file", "")
	v.SetDefault("no_cache", false)
	v.SetDefault("keep_workspace", false)
	v.SetDefault("jobs", runtime.NumCPU())
	v.SetDefault("exclude", []string{".git/**", "tmp/**", "log/**", "spec/**", "test/**"})
	v.SetDefault("cc", "cc")
	v.SetDefault("pkg_config", "pkg-config")
	v.SetDefault("log_file", "")
}

// Load builds the configuration. path names an explicit config file; when it
// is empty an rbpack.{toml,yaml,json} in the project directory is used if
// present. Flags are bound by name with dashes mapped to underscores.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RBPACK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !knownKeys[key] {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(v.GetString("project_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		expandHomeHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var knownKeys = func() map[string]bool {
	keys := map[string]bool{}
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("mapstructure"); tag != "" && tag != "-" {
			keys[tag] = true
		}
	}
	return keys
}()

// expandHomeHook replaces a leading ~ in string values with the home directory.
func expandHomeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		s := reflect.ValueOf(data).String()
		if s != "~" && !strings.HasPrefix(s, "~/") {
			return data, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", s, err)
		}
		return filepath.Join(home, strings.TrimPrefix(s, "~")), nil
	}
}

// applyDefaults resolves relative paths against the project directory and
// fills settings derived from it.
func (c *Config) applyDefaults() error {
	project, err := filepath.Abs(c.ProjectDir)
	if err != nil {
		return fmt.Errorf("resolving project dir: %w", err)
	}
	c.ProjectDir = project

	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(project, p)
	}
	if c.LockFile == "" {
		c.LockFile = "Gemfile.lock"
	}
	if c.Output == "" {
		c.Output = filepath.Base(project)
	}
	c.LockFile = abs(c.LockFile)
	c.Output = abs(c.Output)
	c.RubySource = abs(c.RubySource)
	c.CacheRoot = abs(c.CacheRoot)
	c.TempRoot = abs(c.TempRoot)
	c.BuildDir = abs(c.BuildDir)
	c.LogFile = abs(c.LogFile)
	if c.Jobs <= 0 {
		c.Jobs = 1
	}
	return nil
}
