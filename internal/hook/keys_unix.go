//go:build !windows

package hook

import (
	"sort"

	"github.com/vcaesar/keycode"
)

// Key codes outside Windows are the portable scan-code set reported by
// gohook in Event.Keycode.
func init() {
	// Several names share a code; registering in sorted order makes the
	// first one the stable display name.
	names := make([]string, 0, len(keycode.Keycode))
	for name := range keycode.Keycode {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		registerKey(name, Key{Code: uint32(keycode.Keycode[name])})
	}

	modifiers := []struct {
		left, right string
		mod         Modifiers
	}{
		{"ctrl", "rctrl", ModCtrl},
		{"shift", "rshift", ModShift},
		{"alt", "ralt", ModAlt},
		{"cmd", "rcmd", ModMeta},
	}
	for _, m := range modifiers {
		left, ok := keysByName[m.left]
		if !ok {
			continue
		}
		registerModifier(m.left, left, m.mod)
		if right, ok := keysByName[m.right]; ok && right != left {
			rightSide[right] = left
			modifierKeys[right] = m.mod
		}
	}
	if k, ok := keysByName["cmd"]; ok {
		keysByName["meta"] = k
		keysByName["win"] = k
	}
	if k, ok := keysByName["ctrl"]; ok {
		keysByName["control"] = k
	}
}
