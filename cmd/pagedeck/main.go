// Command pagedeck composes, renders and rearranges paginated documents from
// the command line.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/wudi/pagedeck/config"
	"github.com/wudi/pagedeck/observability"
)

type options struct {
	configPath string
	envFile    string
	logLevel   string
	command    string
	args       []string
}

// env carries what every subcommand needs.
type env struct {
	cfg config.Config
	log observability.Logger
}

type command struct {
	summary string
	run     func(e env, args []string) error
}

var commands = map[string]command{
	"compose":   {"Build one document from documents, images and directories", runCompose},
	"render":    {"Render a page to an image file", runRender},
	"export":    {"Render every page into a ZIP of images", runExport},
	"merge":     {"Concatenate documents", runMerge},
	"split":     {"Extract a page range", runSplit},
	"rotate":    {"Rotate a page range", runRotate},
	"watermark": {"Stamp a text watermark", runWatermark},
	"images":    {"Turn images into a document, one page each", runImages},
	"info":      {"Print page count and page sizes", runInfo},
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagedeck: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "pagedeck: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage: pagedeck [flags] <command> [command flags] <args>\n\nCommands:\n")
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %-10s %s\n", name, commands[name].summary)
		}
		fmt.Fprintf(out, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flag.StringVar(&opts.envFile, "env", ".env", "Environment file loaded before PAGEDECK_* variables are read")
	flag.StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		return options{}, fmt.Errorf("missing command")
	}
	opts.command = flag.Arg(0)
	opts.args = flag.Args()[1:]
	if _, ok := commands[opts.command]; !ok {
		flag.Usage()
		return options{}, fmt.Errorf("unknown command %q", opts.command)
	}
	return opts, nil
}

func run(opts options) error {
	if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", opts.envFile, err)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	return commands[opts.command].run(env{cfg: cfg, log: log}, opts.args)
}

func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = strings.ToLower(opts.logLevel)
	}
	return cfg, cfg.Validate()
}

// newFlagSet returns a subcommand flag set whose usage line shows argsUsage.
func newFlagSet(name, argsUsage string) *flag.FlagSet {
	set := flag.NewFlagSet(name, flag.ContinueOnError)
	set.Usage = func() {
		fmt.Fprintf(set.Output(), "Usage: pagedeck %s [flags] %s\n", name, argsUsage)
		set.PrintDefaults()
	}
	return set
}
