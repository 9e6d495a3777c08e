package config

import (
	"github.com/spf13/pflag"
)

// CLI holds the command-line surface (SPEC_FULL §11.4): everything that
// selects where configuration lives and how the process runs, as
// opposed to the policy/listener settings that live in the TOML file
// itself.
type CLI struct {
	ConfigDir    string
	LogDir       string
	Verbose      int
	Foreground   bool
	SingleThread bool
	StatusLog    bool
}

// ParseFlags builds the CLI flag set and parses args (normally
// os.Args[1:]). -x/--verbose is repeatable and its count becomes
// CLI.Verbose, the same "count of occurrences" idiom pflag's own
// Count type implements.
func ParseFlags(args []string) (*CLI, error) {
	fs := pflag.NewFlagSet("raddispatchd", pflag.ContinueOnError)

	configDir := fs.String("config-dir", "/etc/raddispatchd", "directory containing raddispatchd.toml and policy files")
	logDir := fs.String("log-dir", "/var/log/raddispatchd", "directory for log output when not running in the foreground")
	verbose := fs.CountP("verbose", "x", "increase log verbosity; may be repeated")
	foreground := fs.BoolP("foreground", "f", false, "log to stderr and write the pid file to the working directory instead of --log-dir")
	singleThread := fs.BoolP("single-thread", "s", false, "run a single worker thread instead of one per CPU")
	statusLog := fs.Bool("status-log", false, "log a periodic status line summarizing load")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return &CLI{
		ConfigDir:    *configDir,
		LogDir:       *logDir,
		Verbose:      *verbose,
		Foreground:   *foreground,
		SingleThread: *singleThread,
		StatusLog:    *statusLog,
	}, nil
}
