//go:build linux

// auralink-ibus is an IBus input method engine that relays typed
// characters to auralinkd.
//
// Installation:
//  1. Copy the binary to /usr/local/bin/auralink-ibus
//  2. Run: auralink-ibus --install
//  3. Restart IBus: ibus restart
//  4. Enable via ibus-setup or GNOME Settings > Keyboard > Input Sources
//
// The engine runs in pass-through mode: every key is forwarded unchanged
// to the application. The probe is connected while the engine has focus.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/pflag"

	"auralink/internal/ipc"
	"auralink/internal/logging"
	"auralink/internal/probe"
)

const (
	engineInterface = "org.freedesktop.IBus.Engine"
	enginePath      = "/org/freedesktop/IBus/Engine"

	busName = "org.auralink.IBus"
)

const (
	keyBackSpace = 0xff08
	keyEscape    = 0xff1b
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "auralink-ibus: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("auralink-ibus", pflag.ContinueOnError)
	install := fs.Bool("install", false, "install the IBus component")
	uninstall := fs.Bool("uninstall", false, "uninstall the IBus component")
	endpoint := fs.String("endpoint", "relay", "relay endpoint name")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	switch {
	case *install:
		path, err := installComponent()
		if err != nil {
			return fmt.Errorf("install: %w", err)
		}
		fmt.Printf("Installed %s. Run 'ibus restart' to load it.\n", path)
		return nil
	case *uninstall:
		if err := uninstallComponent(); err != nil {
			return fmt.Errorf("uninstall: %w", err)
		}
		fmt.Println("Uninstalled.")
		return nil
	}

	// IBus owns stderr, so log to a file.
	lc := logging.DefaultConfig()
	lc.Output = "file"
	lc.FilePath = filepath.Join(filepath.Dir(lc.FilePath), "ibus.log")
	lc.Component = ""
	logger, err := logging.New(lc)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	defer conn.Close()

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", busName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := newEngine(ctx, probe.New(ipc.Address(*endpoint), logger.Logger), logger.WithComponent("ibus"))
	if err := conn.Export(eng, enginePath, engineInterface); err != nil {
		return fmt.Errorf("export engine: %w", err)
	}
	eng.logger.Info("engine started", "bus_name", busName)

	<-ctx.Done()
	eng.logger.Info("shutting down")
	return eng.probe.Deactivate()
}

// relayProbe is what the engine needs from a probe.
type relayProbe interface {
	probe.Controller
	InputChar(code rune)
}

// engine implements the IBus Engine D-Bus interface.
type engine struct {
	ctx    context.Context
	probe  relayProbe
	logger *slog.Logger
}

func newEngine(ctx context.Context, p relayProbe, logger *slog.Logger) *engine {
	return &engine{ctx: ctx, probe: p, logger: logger}
}

// ProcessKeyEvent relays the character a key press types. It always
// returns false so the key reaches the application.
func (e *engine) ProcessKeyEvent(keyval, keycode, state uint32) (bool, *dbus.Error) {
	r := probe.TypedRune(keyval, state)
	if r == 0 {
		r = editingRune(keyval, state)
	}
	if r != 0 {
		e.probe.InputChar(r)
	}
	return false, nil
}

// editingRune maps editing keys to the control character they produce.
func editingRune(keyval, state uint32) rune {
	if probe.TypedRune(0x20, state) == 0 {
		// Release or shortcut.
		return 0
	}
	switch keyval {
	case keyBackSpace:
		return '\b'
	case keyEscape:
		return 0x1b
	}
	return 0
}

func (e *engine) FocusIn() *dbus.Error {
	if err := e.probe.Activate(e.ctx); err != nil {
		e.logger.Warn("activate probe", "error", err)
	}
	return nil
}

func (e *engine) FocusOut() *dbus.Error {
	if err := e.probe.Deactivate(); err != nil {
		e.logger.Debug("deactivate probe", "error", err)
	}
	return nil
}

func (e *engine) Enable() *dbus.Error  { return e.FocusIn() }
func (e *engine) Disable() *dbus.Error { return e.FocusOut() }

func (e *engine) Reset() *dbus.Error { return nil }

func (e *engine) SetContentType(purpose, hints uint32) *dbus.Error {
	e.logger.Debug("content type", "purpose", purpose, "hints", hints)
	return nil
}

func (e *engine) SetSurroundingText(text string, cursorPos, anchorPos uint32) *dbus.Error {
	return nil
}

func componentPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "ibus", "component", "auralink.xml"), nil
}

func installComponent() (string, error) {
	path, err := componentPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	binPath, err := os.Executable()
	if err != nil {
		binPath = "/usr/local/bin/auralink-ibus"
	}
	return path, os.WriteFile(path, []byte(componentXML(binPath)), 0644)
}

func componentXML(binPath string) string {
	return `<?xml version="1.0" encoding="utf-8"?>
<component>
    <name>org.auralink.ibus</name>
    <description>Auralink screen reader input relay</description>
    <exec>` + binPath + `</exec>
    <version>1.0.0</version>
    <author>Auralink</author>
    <license>MIT</license>
    <textdomain>auralink</textdomain>
    <engines>
        <engine>
            <name>auralink</name>
            <language>en</language>
            <license>MIT</license>
            <author>Auralink</author>
            <layout>us</layout>
            <longname>Auralink</longname>
            <description>Relays typed characters to the auralink daemon</description>
            <rank>99</rank>
            <symbol>A</symbol>
        </engine>
    </engines>
</component>`
}

func uninstallComponent() error {
	path, err := componentPath()
	if err != nil {
		return err
	}
	return os.Remove(path)
}
