package hook

import (
	"fmt"
	"sort"
	"strings"
)

// Modifiers is a bitset of the modifier keys in a chord.
type Modifiers uint8

const (
	ModCtrl Modifiers = 1 << iota
	ModShift
	ModAlt
	ModMeta
)

func (m Modifiers) String() string {
	var parts []string
	for _, x := range []struct {
		bit  Modifiers
		name string
	}{{ModCtrl, "ctrl"}, {ModShift, "shift"}, {ModAlt, "alt"}, {ModMeta, "meta"}} {
		if m&x.bit != 0 {
			parts = append(parts, x.name)
		}
	}
	return strings.Join(parts, "+")
}

// Filled in init by the per-OS key table.
var (
	keysByName   = map[string]Key{}
	namesByKey   = map[Key]string{}
	modifierKeys = map[Key]Modifiers{}
	// rightSide maps right-hand modifier codes onto the left-hand key so a
	// chord written with "ctrl" matches either control key.
	rightSide = map[Key]Key{}
)

func registerKey(name string, k Key) {
	keysByName[name] = k
	if _, ok := namesByKey[k]; !ok {
		namesByKey[k] = name
	}
}

func registerModifier(name string, k Key, m Modifiers) {
	registerKey(name, k)
	namesByKey[k] = name
	modifierKeys[k] = m
}

// Normalize maps a raw key as delivered by the backend to the key the
// chord tables use.
func Normalize(k Key) Key {
	if left, ok := rightSide[k]; ok {
		return left
	}
	return k
}

// ParseKey resolves a key name such as "f1", "a" or "ctrl".
func ParseKey(name string) (Key, error) {
	k, ok := keysByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Key{}, fmt.Errorf("unknown key %q", name)
	}
	return k, nil
}

// ParseChord parses "ctrl+alt+t" into its keys. The last key is the
// main key.
func ParseChord(s string) ([]Key, error) {
	parts := strings.Split(s, "+")
	keys := make([]Key, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("chord %q: empty key name", s)
		}
		k, err := ParseKey(p)
		if err != nil {
			return nil, fmt.Errorf("chord %q: %w", s, err)
		}
		for _, prev := range keys {
			if prev == k {
				return nil, fmt.Errorf("chord %q: %q repeated", s, p)
			}
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// KeyName returns the table name of k, or "" if it has none.
func KeyName(k Key) string {
	return namesByKey[k]
}

// KeyNames lists every known key name, sorted.
func KeyNames() []string {
	names := make([]string, 0, len(keysByName))
	for n := range keysByName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ModifierOf reports which modifier k is.
func ModifierOf(k Key) (Modifiers, bool) {
	m, ok := modifierKeys[k]
	return m, ok
}

// SplitChord returns the main key of keys and the modifiers among the rest.
// Non-modifier keys other than the main key do not contribute.
func SplitChord(keys []Key) (main Key, mods Modifiers) {
	if len(keys) == 0 {
		return Key{}, 0
	}
	for _, k := range keys[:len(keys)-1] {
		if m, ok := modifierKeys[k]; ok {
			mods |= m
		}
	}
	return keys[len(keys)-1], mods
}
