// auralink-helper is the speech helper process auralinkd spawns. It
// listens on the endpoint named by its only argument, accepts one
// connection and serves speech requests until told to quit.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"auralink/internal/ipc"
	"auralink/internal/logging"
	"auralink/internal/rpc"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "auralink-helper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("auralink-helper", pflag.ContinueOnError)
	logLevel := fs.String("log-level", "info", "log level")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: auralink-helper [--log-level level] <endpoint>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("expected exactly one endpoint name")
	}
	name := fs.Arg(0)

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Output = "stderr"
	lc.Component = ""
	logger, err := logging.New(lc)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	ln, err := ipc.Listen(ipc.Address(name))
	if err != nil {
		return fmt.Errorf("listen %s: %w", name, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := rpc.NewServer(rpc.EngineHandler{Engine: rpc.NewMemoryEngine()}, logger.Logger)
	logger.Info("helper listening", "endpoint", name, "pid", os.Getpid())
	if err := srv.ServeListener(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("helper exiting")
	return nil
}
