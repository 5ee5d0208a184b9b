// auralink-probe feeds input method events to auralinkd from the command
// line. Each line read from stdin is sent as typed characters, except
// lines starting with ':' which are directives:
//
//	:on                      activate the probe
//	:off                     deactivate the probe
//	:cand <sel> <a,b,...>    send a candidate list
//	:mode <flags>            send a conversion mode
//	:log <text>              write text to the daemon log
//
// With --dbus the probe is activated by org.auralink.Probe signals on the
// session bus instead; "auralink-probe emit activate" sends one.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/pflag"

	"auralink/internal/ipc"
	"auralink/internal/logging"
	"auralink/internal/probe"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "auralink-probe: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "emit" {
		return cmdEmit(args[1:])
	}

	fs := pflag.NewFlagSet("auralink-probe", pflag.ContinueOnError)
	endpoint := fs.StringP("endpoint", "e", "relay", "relay endpoint name")
	useDBus := fs.Bool("dbus", false, "activate on session bus signals instead of at start")
	verbose := fs.BoolP("verbose", "v", false, "log probe activity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lc := logging.DefaultConfig()
	lc.Output = "stderr"
	lc.Level = logging.LevelWarn
	lc.Component = ""
	if *verbose {
		lc.Level = logging.LevelDebug
	}
	logger, err := logging.New(lc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := probe.New(ipc.Address(*endpoint), logger.Logger)
	signals := make(chan probe.Signal, 4)

	var trigger probe.Trigger
	if *useDBus {
		trigger = probe.DBusTrigger{Logger: logger.Logger}
	} else {
		signals <- probe.SignalActivate
		trigger = probe.SignalTrigger{
			C: signals,
			OnError: func(s probe.Signal, err error) {
				logger.Warn("probe control failed", "signal", s, "error", err)
			},
		}
	}

	triggerDone := make(chan error, 1)
	go func() { triggerDone <- trigger.Run(ctx, p) }()

	feedDone := make(chan error, 1)
	go func() { feedDone <- feed(ctx, os.Stdin, p, signals, !*useDBus) }()

	var readErr error
	select {
	case readErr = <-feedDone:
	case <-ctx.Done():
	}
	// Cancelling the trigger deactivates the probe.
	stop()
	if err := <-triggerDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return readErr
}

// sink is the part of the probe that lines are sent to.
type sink interface {
	InputChar(code rune)
	IMECandidateList(selection, pageStart int, items []string)
	IMEConversionMode(flags uint32)
	Logf(format string, args ...any)
}

// feed sends every line of r to p until r ends or ctx is done. Control
// directives go to signals when allowControl is set.
func feed(ctx context.Context, r io.Reader, p sink, signals chan<- probe.Signal, allowControl bool) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		d, err := parseLine(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %q: %v\n", line, err)
			continue
		}
		if d.signal != 0 {
			if allowControl {
				select {
				case signals <- d.signal:
				case <-ctx.Done():
					return nil
				}
			}
			continue
		}
		d.send(p)
	}
	return scanner.Err()
}

type directive struct {
	signal probe.Signal
	send   func(p sink)
}

func parseLine(line string) (directive, error) {
	if !strings.HasPrefix(line, ":") {
		return directive{send: func(p sink) {
			for _, r := range line {
				p.InputChar(r)
			}
			p.InputChar('\n')
		}}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "on":
		return directive{signal: probe.SignalActivate}, nil
	case "off":
		return directive{signal: probe.SignalDeactivate}, nil
	case "cand":
		selText, itemText, ok := strings.Cut(rest, " ")
		if !ok {
			return directive{}, errors.New("usage: :cand <selection> <item,item,...>")
		}
		sel, err := strconv.Atoi(selText)
		if err != nil {
			return directive{}, fmt.Errorf("selection: %w", err)
		}
		items := strings.Split(itemText, ",")
		return directive{send: func(p sink) { p.IMECandidateList(sel, 0, items) }}, nil
	case "mode":
		flags, err := strconv.ParseUint(rest, 0, 32)
		if err != nil {
			return directive{}, fmt.Errorf("flags: %w", err)
		}
		return directive{send: func(p sink) { p.IMEConversionMode(uint32(flags)) }}, nil
	case "log":
		return directive{send: func(p sink) { p.Logf("%s", rest) }}, nil
	default:
		return directive{}, fmt.Errorf("unknown directive %q", name)
	}
}

func cmdEmit(args []string) error {
	fs := pflag.NewFlagSet("auralink-probe emit", pflag.ContinueOnError)
	path := fs.String("path", string(probe.DBusPath), "object path the signal is sent from")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: auralink-probe emit activate|deactivate")
	}
	var s probe.Signal
	switch strings.ToLower(fs.Arg(0)) {
	case "activate":
		s = probe.SignalActivate
	case "deactivate":
		s = probe.SignalDeactivate
	default:
		return fmt.Errorf("unknown signal %q", fs.Arg(0))
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	defer conn.Close()
	return probe.EmitDBus(conn, dbus.ObjectPath(*path), s)
}
