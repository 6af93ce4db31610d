// dmesg-check scans the kernel log for failure signatures after a test and
// reports the verdict, the report and the raw log to the result collector.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/dmesg-check/pkg/check"
	"github.com/supporttools/dmesg-check/pkg/logger"
	"github.com/supporttools/dmesg-check/pkg/metrics"
	"github.com/supporttools/dmesg-check/pkg/types"
	"github.com/supporttools/dmesg-check/pkg/util"
)

// Build-time variables set by goreleaser or make
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const defaultConfigPath = "/etc/dmesg-check/config.yaml"

// options holds the parsed command line.
type options struct {
	configPath  string
	dmesgPath   string
	logLevel    string
	logFormat   string
	dryRun      bool
	printConfig bool
	version     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], types.EnvironmentFromOS(), os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("dmesg-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	fs.StringVar(&opts.dmesgPath, "dmesg", "", "Read the kernel log from this file instead of running dmesg (- for stdin)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error, fatal)")
	fs.StringVar(&opts.logFormat, "log-format", "", "Override log format (json, text)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Print the report to stdout and do not contact the collector")
	fs.BoolVar(&opts.printConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	fs.BoolVar(&opts.version, "version", false, "Show version information and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func run(ctx context.Context, args []string, env types.Environment, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return check.ExitOK
		}
		return check.ExitConfig
	}

	if opts.version {
		printVersion(stdout)
		return check.ExitOK
	}

	config, err := loadConfiguration(opts)
	if err != nil {
		fmt.Fprintf(stderr, "dmesg-check: %v\n", err)
		return check.ExitConfig
	}

	if opts.printConfig {
		if err := util.WriteConfig(stdout, config, "yaml"); err != nil {
			fmt.Fprintf(stderr, "dmesg-check: %v\n", err)
			return check.ExitConfig
		}
		return check.ExitOK
	}

	if err := logger.Initialize(config.Settings.LogLevel, config.Settings.LogFormat,
		config.Settings.LogOutput, config.Settings.LogFile); err != nil {
		fmt.Fprintf(stderr, "dmesg-check: %v\n", err)
		return check.ExitConfig
	}
	defer logger.Close()

	log := logger.Component("main")
	log.WithFields(logrus.Fields{
		"version": Version,
		"config":  opts.configPath,
		"dryRun":  config.Settings.DryRun,
	}).Info("dmesg-check starting")

	m, err := metrics.FromConfig(config.Metrics)
	if err != nil {
		log.WithError(err).Error("Failed to set up metrics")
		return check.ExitConfig
	}

	checkerOpts := []check.Option{}
	if m != nil {
		checkerOpts = append(checkerOpts, check.WithMetrics(m))
	}

	outcome, err := check.New(config, env, checkerOpts...).Run(ctx)
	if config.Settings.DryRun && outcome != nil && outcome.Report != nil {
		stdout.Write(outcome.Report) //nolint:errcheck // best-effort output
	}

	code := check.ExitCode(err)
	if err != nil {
		log.WithError(err).WithField("exitCode", code).Error("dmesg-check failed")
		return code
	}

	log.WithFields(logrus.Fields{
		"verdict":   outcome.Verdict,
		"resultURL": outcome.ResultURL,
	}).Info("dmesg-check finished")
	return code
}

// loadConfiguration loads the file config, or defaults when it does not
// exist, then applies flag overrides and re-validates.
func loadConfiguration(opts *options) (*types.DmesgCheckConfig, error) {
	config, err := util.LoadConfigOrDefault(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", opts.configPath, err)
	}

	applyFlagOverrides(config, opts)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed after applying overrides: %w", err)
	}
	return config, nil
}

// applyFlagOverrides applies command-line flag overrides to the configuration
func applyFlagOverrides(config *types.DmesgCheckConfig, opts *options) {
	if opts.dmesgPath != "" {
		config.Dmesg.Path = opts.dmesgPath
	}
	if opts.logLevel != "" {
		config.Settings.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		config.Settings.LogFormat = opts.logFormat
	}
	if opts.dryRun {
		config.Settings.DryRun = true
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "dmesg-check %s\n", Version)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Go Version: %s\n", runtime.Version())
	fmt.Fprintf(w, "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
