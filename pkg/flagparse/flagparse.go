package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// A nil pointer means the flag is not registered for the current command.
type cliFlags struct {
	// Global
	LogLevel *string
	LogFile  *string

	// Source and destination
	Source *string
	Target *string

	// Monitor
	EnableCreate *bool
	EnableDelete *bool
	Debounce     *float64
	RestartDelay *int

	// Sync
	SyncEmptyDir     *bool
	Recursive        *bool
	RetryCount       *int
	RetryWait        *int
	UserExcludeFiles *string

	// Init specific
	Force *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.LogFile = fs.String("log-file", "", "Additionally write the log to this file.")
}

func registerPathFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", ".", "Source directory to mirror from.")
	f.Target = fs.String("target", "", "Destination directory to mirror into. (Required)")
}

func registerSyncFlags(fs *flag.FlagSet, f *cliFlags) {
	f.SyncEmptyDir = fs.Bool("sync-empty-dir", false, "Recreate empty source directories in the destination.")
	f.Recursive = fs.Bool("recursive", true, "Descend into subdirectories of the source.")
	f.RetryCount = fs.Int("retry-count", 0, "Number of retries for failed file copies.")
	f.RetryWait = fs.Int("retry-wait", 0, "Seconds to wait between retries.")
	f.UserExcludeFiles = fs.String("user-exclude-files", "", "Comma-separated list of case-insensitive file names to exclude (supports glob patterns).")
}

func registerMonitorFlags(fs *flag.FlagSet, f *cliFlags) {
	f.EnableCreate = fs.Bool("enable-create", true, "Propagate files created in the source.")
	f.EnableDelete = fs.Bool("enable-delete", true, "Propagate deletions from the source.")
	f.Debounce = fs.Float64("debounce", 0.5, "Seconds to ignore repeated modifications of the same file.")
	f.RestartDelay = fs.Int("restart-delay", 5, "Seconds to wait before restarting a failed monitoring session.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", ".", "Source directory to write the configuration into.")
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file.")
}

type commandSpec struct {
	desc     string
	register []func(*flag.FlagSet, *cliFlags)
}

var commandSpecs = map[Command]commandSpec{
	Run: {
		desc:     "Reconcile the destination, then mirror every change in the source until interrupted.",
		register: []func(*flag.FlagSet, *cliFlags){registerGlobalFlags, registerPathFlags, registerSyncFlags, registerMonitorFlags},
	},
	Diff: {
		desc:     "Show the copies and renames a reconciliation would perform, without changing anything.",
		register: []func(*flag.FlagSet, *cliFlags){registerGlobalFlags, registerPathFlags, registerSyncFlags},
	},
	Sync: {
		desc:     "Reconcile the destination once and exit.",
		register: []func(*flag.FlagSet, *cliFlags){registerGlobalFlags, registerPathFlags, registerSyncFlags},
	},
	Init: {
		desc:     "Write a default configuration file into the source directory.",
		register: []func(*flag.FlagSet, *cliFlags){registerGlobalFlags, registerInitFlags, registerSyncFlags, registerMonitorFlags},
	},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the
// command and a map of the flags the user set explicitly.
func Parse(args []string) (Command, map[string]interface{}, error) {
	if len(args) == 0 {
		printTopLevelUsage(flag.NewFlagSet("main", flag.ContinueOnError))
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		printTopLevelUsage(flag.NewFlagSet("main", flag.ContinueOnError))
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	spec, ok := commandSpecs[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	for _, register := range spec.register {
		register(fs, f)
	}
	fs.Usage = func() {
		printSubcommandUsage(command, spec.desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %s", command, strings.Join(fs.Args(), " "))
	}
	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "target", f.Target)

	addIfUsed(flagMap, usedFlags, "enable-create", f.EnableCreate)
	addIfUsed(flagMap, usedFlags, "enable-delete", f.EnableDelete)
	addIfUsed(flagMap, usedFlags, "debounce", f.Debounce)
	addIfUsed(flagMap, usedFlags, "restart-delay", f.RestartDelay)

	addIfUsed(flagMap, usedFlags, "sync-empty-dir", f.SyncEmptyDir)
	addIfUsed(flagMap, usedFlags, "recursive", f.Recursive)
	addIfUsed(flagMap, usedFlags, "retry-count", f.RetryCount)
	addIfUsed(flagMap, usedFlags, "retry-wait", f.RetryWait)

	addIfUsed(flagMap, usedFlags, "force", f.Force)

	addParsedIfUsed(flagMap, usedFlags, "user-exclude-files", f.UserExcludeFiles, ParseExcludeList)

	// The source defaults to the working directory and does not live in the
	// config file, so it always reaches the command.
	if f.Source != nil {
		flagMap["source"] = *f.Source
	}

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Keeps a destination directory a live copy of a source directory.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  run         Reconcile, then monitor the source and mirror changes\n")
	fmt.Fprintf(fs.Output(), "  diff        Show what a reconciliation would do\n")
	fmt.Fprintf(fs.Output(), "  sync        Reconcile once and exit\n")
	fmt.Fprintf(fs.Output(), "  init        Write a default configuration into the source\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s)\n\n", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseExcludeList parses a comma-separated list of file patterns.
// Single or double quotes group items containing commas or spaces and are
// removed. Backslashes are literal so Windows paths pass through.
func ParseExcludeList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		if trimmed := strings.TrimSpace(current.String()); trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			switch quoteChar {
			case 0:
				quoteChar = r
			case r:
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
