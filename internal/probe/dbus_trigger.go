package probe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"auralink/internal/logging"
)

// D-Bus names used for probe control.
const (
	DBusInterface                 = "org.auralink.Probe"
	DBusPath      dbus.ObjectPath = "/org/auralink/Probe"
)

// DBusTrigger listens for org.auralink.Probe.Activate and .Deactivate
// signals on the session bus.
type DBusTrigger struct {
	// Conn is the bus connection. Nil connects to the session bus and
	// closes that connection when Run returns.
	Conn *dbus.Conn

	// Path limits the trigger to signals from one object. Empty means
	// DBusPath.
	Path dbus.ObjectPath

	Logger *slog.Logger
}

func (t DBusTrigger) Run(ctx context.Context, c Controller) error {
	logger := logging.OrDefault(t.Logger).With("component", "probe-dbus")

	conn := t.Conn
	if conn == nil {
		var err error
		conn, err = dbus.ConnectSessionBus()
		if err != nil {
			return fmt.Errorf("connect session bus: %w", err)
		}
		defer conn.Close()
	}

	path := t.Path
	if path == "" {
		path = DBusPath
	}
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(DBusInterface),
		dbus.WithMatchObjectPath(path),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("add match: %w", err)
	}
	defer conn.RemoveMatchSignal(match...)

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	logger.Info("waiting for probe signals", "path", path)
	for {
		select {
		case <-ctx.Done():
			c.Deactivate()
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return c.Deactivate()
			}
			s, known := signalFromDBus(sig, path)
			if !known {
				continue
			}
			if err := apply(ctx, c, s); err != nil {
				logger.Warn("probe control failed", "signal", s, "error", err)
			}
		}
	}
}

// signalFromDBus maps a bus signal onto a control signal.
func signalFromDBus(sig *dbus.Signal, path dbus.ObjectPath) (Signal, bool) {
	if sig == nil || sig.Path != path {
		return 0, false
	}
	switch sig.Name {
	case DBusInterface + ".Activate":
		return SignalActivate, true
	case DBusInterface + ".Deactivate":
		return SignalDeactivate, true
	}
	return 0, false
}

// EmitDBus broadcasts s for every DBusTrigger watching path.
func EmitDBus(conn *dbus.Conn, path dbus.ObjectPath, s Signal) error {
	if s != SignalActivate && s != SignalDeactivate {
		return fmt.Errorf("emit: unknown signal %v", s)
	}
	if path == "" {
		path = DBusPath
	}
	return conn.Emit(path, DBusInterface+"."+s.String())
}
