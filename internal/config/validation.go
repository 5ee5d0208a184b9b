package config

import (
	"fmt"
	"slices"
	"strings"

	"auralink/internal/hook"
	"auralink/internal/logging"
	"auralink/internal/rpc"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, err := range e {
		fields[i] = err.Field
	}
	return fields
}

// ValidateConfig performs semantic validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateRelay(&c.Relay)...)
	errs = append(errs, validateBridge(&c.Bridge)...)
	errs = append(errs, validateSpeech(&c.Speech)...)
	errs = append(errs, validateHook(&c.Hook)...)
	errs = append(errs, validateCombo(&c.Combo)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateCommands(c.Commands)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateRelay(r *RelayConfig) ValidationErrors {
	var errs ValidationErrors
	if r.Endpoint == "" {
		errs = append(errs, ValidationError{Field: "relay.endpoint", Message: "must not be empty"})
	} else if strings.ContainsAny(r.Endpoint, `/\`) {
		errs = append(errs, ValidationError{Field: "relay.endpoint", Message: "must be a name, not a path"})
	}
	if r.MaxSessions < 0 {
		errs = append(errs, ValidationError{Field: "relay.max_sessions", Message: "must be >= 0"})
	}
	return errs
}

func validateBridge(b *BridgeConfig) ValidationErrors {
	var errs ValidationErrors
	if b.Enabled && b.HelperPath == "" {
		errs = append(errs, ValidationError{Field: "bridge.helper_path", Message: "required when the bridge is enabled"})
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"bridge.connect_timeout_ms", b.ConnectTimeoutMs},
		{"bridge.call_timeout_ms", b.CallTimeoutMs},
		{"bridge.quit_timeout_ms", b.QuitTimeoutMs},
	} {
		if f.v <= 0 {
			errs = append(errs, ValidationError{Field: f.name, Message: "must be positive"})
		}
	}
	return errs
}

func validateSpeech(s *SpeechConfig) ValidationErrors {
	var errs ValidationErrors
	check := func(field string, v, lo, hi float64) {
		if v < lo || v > hi {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%g outside [%g, %g]", v, lo, hi),
			})
		}
	}
	check("speech.rate", s.Rate, rpc.MinRate, rpc.MaxRate)
	check("speech.pitch", s.Pitch, rpc.MinPitch, rpc.MaxPitch)
	check("speech.volume", s.Volume, rpc.MinVolume, rpc.MaxVolume)
	return errs
}

func validateHook(h *HookConfig) ValidationErrors {
	var errs ValidationErrors
	if h.Workers < 1 || h.Workers > 64 {
		errs = append(errs, ValidationError{Field: "hook.workers", Message: "must be between 1 and 64"})
	}
	if h.QueueSize < 0 {
		errs = append(errs, ValidationError{Field: "hook.queue_size", Message: "must be >= 0"})
	}
	return errs
}

func validateCombo(c *ComboConfig) ValidationErrors {
	var errs ValidationErrors
	if c.DoublePressMs <= 0 {
		errs = append(errs, ValidationError{Field: "combo.double_press_ms", Message: "must be positive"})
	}
	if c.LongPressMs <= c.DoublePressMs {
		errs = append(errs, ValidationError{Field: "combo.long_press_ms", Message: "must be greater than double_press_ms"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{Field: "logging.format", Message: err.Error()})
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{Field: "logging.file_path", Message: "required when output includes file"})
		}
	default:
		errs = append(errs, ValidationError{Field: "logging.output", Message: fmt.Sprintf("unknown output %q", l.Output)})
	}
	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "must be >= 0"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "must be >= 0"})
	}
	return errs
}

func validateCommands(cmds []CommandConfig) ValidationErrors {
	var errs ValidationErrors
	names := make(map[string]bool)
	// chord -> gesture usage; "" marks a plain command.
	chords := make(map[string]map[string]bool)

	for i, c := range cmds {
		field := fmt.Sprintf("commands[%d]", i)
		if c.Name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "must not be empty"})
		} else if names[c.Name] {
			errs = append(errs, ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate command %q", c.Name)})
		}
		names[c.Name] = true

		if !slices.Contains(Actions, c.Action) {
			errs = append(errs, ValidationError{Field: field + ".action", Message: fmt.Sprintf("unknown action %q", c.Action)})
		}
		if c.Gesture != "" && !slices.Contains(Gestures, c.Gesture) {
			errs = append(errs, ValidationError{Field: field + ".gesture", Message: fmt.Sprintf("unknown gesture %q", c.Gesture)})
		}

		keys, err := hook.ParseChord(c.Keys)
		if err != nil {
			errs = append(errs, ValidationError{Field: field + ".keys", Message: err.Error()})
			continue
		}
		chord := chordID(keys)
		used := chords[chord]
		if used == nil {
			used = make(map[string]bool)
			chords[chord] = used
		}
		switch {
		case used[c.Gesture]:
			errs = append(errs, ValidationError{Field: field + ".keys", Message: fmt.Sprintf("%q already bound", c.Keys)})
		case c.Gesture == "" && len(used) > 0, c.Gesture != "" && used[""]:
			errs = append(errs, ValidationError{Field: field + ".gesture", Message: fmt.Sprintf("%q mixes plain and gesture commands", c.Keys)})
		}
		used[c.Gesture] = true
	}
	return errs
}

// chordID identifies a chord independent of how its keys were spelled.
func chordID(keys []hook.Key) string {
	main, mods := hook.SplitChord(keys)
	return fmt.Sprintf("%s/%d/%v", mods, main.Code, main.Extended)
}
