// auralinkd is the accessibility daemon. It installs the global keyboard
// hook, runs the configured commands and announces what input method
// probes relay to it.
//
//	auralinkd run       Run in the foreground
//	auralinkd start     Start in the background
//	auralinkd stop      Stop the background daemon
//	auralinkd status    Show daemon status
//	auralinkd config    Inspect or create the configuration
//	auralinkd keys      List key names usable in chords
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"auralink/internal/config"
	"auralink/internal/daemon"
	"auralink/internal/hook"
	"auralink/internal/ipc"
	"auralink/internal/logging"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "run":
		return cmdRun(args)
	case "start":
		return cmdStart(args)
	case "stop":
		return cmdStop(args)
	case "status":
		return cmdStatus(args)
	case "config":
		return cmdConfig(args)
	case "keys":
		for _, name := range hook.KeyNames() {
			fmt.Println(name)
		}
		return nil
	case "version":
		fmt.Println("auralinkd", version)
		return nil
	case "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `auralinkd - accessibility input daemon

USAGE:
    auralinkd [command] [options]

COMMANDS:
    run                 Run in the foreground (default)
    start               Start in the background
    stop                Stop the background daemon
    status              Show daemon status
    config check        Validate a configuration file
    config show         Print the effective configuration
    config init         Write the default configuration
    config schema       Print the configuration JSON schema
    keys                List key names usable in chords
    version             Print the version

Run 'auralinkd <command> --help' for the options of a command.
`)
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("auralinkd "+name, pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "configuration file (default: "+config.ConfigPath()+")")
	return fs, path
}

func cmdRun(args []string) error {
	fs, path := newFlagSet("run")
	logLevel := fs.String("log-level", "", "override the configured log level")
	noWatch := fs.Bool("no-watch", false, "do not reload the configuration when the file changes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		*path = config.ConfigPath()
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	lc, err := cfg.LoggingConfig("")
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	crash := logging.NewCrashHandler("", "auralinkd", version, logger.Logger)
	defer crash.Recover()
	if err := crash.Prune(30 * 24 * time.Hour); err != nil {
		logger.Debug("prune crash reports", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(daemon.Options{
		Config:   cfg,
		Logger:   logger.Logger,
		Version:  version,
		StateDir: ipc.RuntimeDir(),
	})
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}

	if !*noWatch {
		loader := config.NewLoader(*path, logger.Logger)
		if _, err := loader.Load(); err != nil {
			logger.Warn("config loader", "error", err)
		}
		loader.OnChange(func(c *config.Config) {
			if err := d.ApplyConfig(c); err != nil {
				logger.Warn("apply reloaded configuration", "error", err)
			}
		})
		if err := loader.Watch(); err != nil {
			logger.Warn("configuration will not be reloaded", "error", err)
		} else {
			defer loader.Close()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case err := <-loader.Errors():
						logger.Warn("config watcher", "error", err)
					}
				}
			}()
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return d.Stop()
}

func cmdStart(args []string) error {
	state := daemon.NewStateManager(ipc.RuntimeDir())
	if state.IsRunning() {
		pid, _ := state.ReadPID()
		return fmt.Errorf("auralinkd is already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe, append([]string{"run"}, args...)...)
	cmd.SysProcAttr = daemonSysProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := state.ReadPID(); err == nil && got == pid && state.IsRunning() {
			fmt.Printf("auralinkd started (pid %d)\n", pid)
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("auralinkd (pid %d) did not come up; check the log", pid)
}

func cmdStop(args []string) error {
	fs := pflag.NewFlagSet("auralinkd stop", pflag.ContinueOnError)
	timeout := fs.Duration("timeout", 5*time.Second, "how long to wait for the daemon to exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	state := daemon.NewStateManager(ipc.RuntimeDir())
	pid, err := state.ReadPID()
	if err != nil || !state.IsRunning() {
		fmt.Println("auralinkd is not running")
		return nil
	}
	if err := stopProcess(pid); err != nil {
		return fmt.Errorf("stop pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		if !state.IsRunning() {
			fmt.Println("auralinkd stopped")
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("auralinkd (pid %d) still running after %s", pid, *timeout)
}

func cmdStatus(args []string) error {
	fs := pflag.NewFlagSet("auralinkd status", pflag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print status as JSON")
	showMetrics := fs.Bool("metrics", false, "print the daemon metrics in Prometheus format")
	if err := fs.Parse(args); err != nil {
		return err
	}

	state := daemon.NewStateManager(ipc.RuntimeDir())
	if *showMetrics {
		data, err := os.ReadFile(state.MetricsFile())
		if err != nil {
			return fmt.Errorf("read metrics: %w", err)
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	status := state.Status()
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	if !status.Running {
		fmt.Println("auralinkd: not running")
		return nil
	}
	fmt.Println("auralinkd: running")
	if st := status.State; st != nil {
		fmt.Printf("  PID:      %d\n", st.PID)
		fmt.Printf("  Version:  %s\n", st.Version)
		fmt.Printf("  Uptime:   %s\n", status.Uptime.Round(time.Second))
		fmt.Printf("  Relay:    %s\n", st.Relay)
		if st.Bridge != "" {
			fmt.Printf("  Helper:   %s\n", st.Bridge)
		}
		fmt.Printf("  Commands: %s\n", strings.Join(st.Commands, ", "))
		if len(st.Metrics) > 0 {
			fmt.Printf("  Matched:  %.0f key transitions\n", st.Metrics["auralink_hook_matched_total"])
			fmt.Printf("  Spoken:   %.0f announcements\n", st.Metrics["auralink_announcements_total"])
			fmt.Printf("  Probes:   %.0f connected\n", st.Metrics["auralink_relay_sessions"])
		}
	}
	return nil
}

func cmdConfig(args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("config: missing subcommand")
	}
	sub, args := args[0], args[1:]
	fs, path := newFlagSet("config " + sub)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		*path = config.ConfigPath()
	}

	switch sub {
	case "check":
		data, err := os.ReadFile(*path)
		if err != nil {
			return err
		}
		if err := config.ValidateSchema(data, config.FormatOf(*path)); err != nil {
			return err
		}
		if _, err := config.Load(*path); err != nil {
			return err
		}
		fmt.Printf("%s: ok\n", *path)
		return nil
	case "show":
		cfg, err := config.Load(*path)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
		_, err = os.Stdout.Write(buf.Bytes())
		return err
	case "init":
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("%s already exists", *path)
		}
		if err := config.Save(config.DefaultConfig(), *path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", *path)
		return nil
	case "schema":
		_, err := os.Stdout.Write(config.SchemaJSON())
		return err
	default:
		return fmt.Errorf("config: unknown subcommand %q", sub)
	}
}
