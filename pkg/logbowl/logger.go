package logbowl

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Environment variable names
const (
	LogLevelEnvVar  = "RBPACK_LOG_LEVEL"
	LogFormatEnvVar = "RBPACK_LOG_CONSOLE_FORMATTER"
	LogFileEnvVar   = "RBPACK_LOG_FILE"
)

// Log formats
const (
	FormatEmoji = "emoji"
	FormatText  = "text"
	FormatJSON  = "json"
)

var domains = map[string]string{"system": "⚙️", "config": "🔩", "cache": "💾", "workspace": "🏕️", "pipeline": "🧵", "stage": "🎬", "runtime": "💎", "bundle": "📚", "native": "🧱", "link": "🔗", "vfs": "🗃️", "codec": "🧬", "file": "📄", "test": "🧪", "builder": "🛠️", "archive": "📦", "io": "💾", "env": "🌿", "package": "📦", "exec": "🐚", "default": "❓"}
var actions = map[string]string{"init": "🌱", "start": "🚀", "stop": "🛑", "read": "📖", "write": "📝", "process": "⚙️", "validate": "🛡️", "execute": "▶️", "resolve": "🧭", "restore": "♻️", "save": "💾", "delete": "🗑️", "parse": "🧩", "build": "🏗️", "load": "💡", "verify": "🔍", "pack": "📦", "generate": "✨", "clean": "🧹", "install": "🧩", "finish": "🏁", "info": "💡", "acquire": "🔐", "release": "🔓", "run": "🏃", "create": "🆕", "collect": "🧺", "link": "🔗", "compile": "🔨", "exclude": "🚫", "default": "⚙️"}
var statuses = map[string]string{"success": "✅", "failure": "❌", "error": "🔥", "warning": "⚠️", "info": "ℹ️", "debug": "🐞", "skip": "⏭️", "complete": "🏁", "notfound": "❓", "invalid": "💢", "cached": "🎯", "progress": "➡️", "ok": "✅", "default": "➡️"}

func getEmoji(m map[string]string, key string) string {
	if val, ok := m[key]; ok {
		return val
	}
	return m["default"]
}

// Logger wraps hclog.Logger to provide the domain/action/status API.
type Logger struct {
	hclog.Logger
	format string
}

// Options overrides what Create would otherwise read from the environment.
type Options struct {
	Name    string
	Level   string
	Format  string
	File    string
	Console io.Writer
}

// Create creates a new Logger configured from the RBPACK_LOG_* environment.
func Create(name string) Logger {
	return New(Options{
		Name:   name,
		Level:  os.Getenv(LogLevelEnvVar),
		Format: os.Getenv(LogFormatEnvVar),
		File:   os.Getenv(LogFileEnvVar),
	})
}

// New builds a Logger from explicit options. A non-empty File tees output into
// a size-rotated log file.
func New(opts Options) Logger {
	level := hclog.LevelFromString(strings.ToUpper(opts.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	format := strings.ToLower(opts.Format)

	var out io.Writer = os.Stderr
	if opts.Console != nil {
		out = opts.Console
	}
	if opts.File != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50,
			MaxBackups: 5,
			Compress:   true,
		})
	}

	return Logger{
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:       opts.Name,
			Level:      level,
			Output:     out,
			JSONFormat: format == FormatJSON,
		}),
		format: format,
	}
}

// Null returns a Logger that discards everything.
func Null() Logger {
	return Logger{Logger: hclog.NewNullLogger(), format: FormatText}
}

// Named returns a sub-logger sharing the parent's output and format.
func (l Logger) Named(name string) Logger {
	return Logger{Logger: l.Logger.Named(name), format: l.format}
}

func (l Logger) log(level hclog.Level, domain, action, status, message string, args ...interface{}) {
	if l.Logger == nil {
		return
	}
	switch l.format {
	case FormatText:
		l.Logger.Log(level, fmt.Sprintf("[%s] %s", strings.ToUpper(domain), message), args...)
	case FormatJSON:
		l.Logger.With("domain", domain, "action", action, "status", status).Log(level, message, args...)
	default: // Emoji format
		l.Logger.Log(level, fmt.Sprintf("%s %s %s %s", getEmoji(domains, domain), getEmoji(actions, action), getEmoji(statuses, status), message), args...)
	}
}

func (l Logger) Info(domain, action, status, message string, args ...interface{}) {
	l.log(hclog.Info, domain, action, status, message, args...)
}
func (l Logger) Debug(domain, action, status, message string, args ...interface{}) {
	l.log(hclog.Debug, domain, action, status, message, args...)
}
func (l Logger) Warn(domain, action, status, message string, args ...interface{}) {
	l.log(hclog.Warn, domain, action, status, message, args...)
}
func (l Logger) Error(domain, action, status, message string, args ...interface{}) {
	l.log(hclog.Error, domain, action, status, message, args...)
}
