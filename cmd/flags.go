package cmd

import (
	"os"

	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/mausys/gclient/internal/config"
	"github.com/mausys/gclient/internal/logging"
)

var logLevelIDs = map[logging.Level][]string{
	logging.Debug: {"debug"},
	logging.Info:  {"info"},
	logging.Warn:  {"warn", "warning"},
	logging.Error: {"error"},
}

// logFlags are the logging flags shared by every command.
type logFlags struct {
	level  logging.Level
	format string
}

func addLogFlags(fs *pflag.FlagSet, f *logFlags) {
	f.level = logging.Info
	fs.Var(enumflag.New(&f.level, "level", logLevelIDs, enumflag.EnumCaseInsensitive), "log-level", "log level: debug, info, warn or error")
	fs.StringVar(&f.format, "log-format", "", "log format: console or json")
}

// logger resolves the level from the flag, the environment and the
// configuration file, in that order.
func (f *logFlags) logger(fs *pflag.FlagSet, env config.Env, cfg *config.Root) (*logging.Logger, error) {
	level := f.level
	if !fs.Changed("log-level") {
		name := env.LogLevel
		if name == "" {
			name = cfg.Logging.Level
		}
		if name != "" {
			l, err := logging.ParseLevel(name)
			if err != nil {
				return nil, err
			}
			level = l
		}
	}

	format := f.format
	if format == "" {
		format = cfg.Logging.Format
	}
	return logging.NewLogger(logging.Config{Level: level, Format: format, Output: os.Stderr}), nil
}
