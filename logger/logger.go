// Package logger configures the process-wide log backend.
package logger

import (
	stdlog "log"
	"log/syslog"
	"os"
	"strings"

	"github.com/op/go-logging"
)

// LevelEnv overrides the configured log level when set.
const LevelEnv = "BTDEVD_LOG_LEVEL"

var (
	syslogFormat = logging.MustStringFormatter(
		`%{module} %{level:.6s} ▶ %{message}`,
	)
	stderrFormat = logging.MustStringFormatter(
		`%{color}%{time:15:04:05.000} %{module:-8s} %{level:.4s} ▶ %{message}%{color:reset}`,
	)
)

// Setup installs the log backend for every module logger. When trySyslog
// is set and syslog is reachable, logs go there; otherwise to stderr.
func Setup(prefix string, level logging.Level, trySyslog bool) logging.LeveledBackend {
	var backend logging.Backend

	if trySyslog {
		if sb, err := logging.NewSyslogBackendPriority(prefix, syslog.LOG_NOTICE); err == nil {
			logging.SetFormatter(syslogFormat)
			stdlog.SetOutput(sb.Writer)

			backend = sb
		}
	}

	if backend == nil {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
		logging.SetFormatter(stderrFormat)
	}

	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(Level(level), "")

	logging.SetBackend(leveled)

	return leveled
}

// Level returns the level named by the environment, or def.
func Level(def logging.Level) logging.Level {
	name := strings.ToUpper(strings.TrimSpace(os.Getenv(LevelEnv)))
	if name == "" {
		return def
	}

	level, err := logging.LogLevel(name)
	if err != nil {
		return def
	}

	return level
}
