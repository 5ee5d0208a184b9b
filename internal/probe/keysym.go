package probe

// KeysymToRune converts an X11 keysym to the character it produces, or 0
// for keys without one.
func KeysymToRune(keysym uint32) rune {
	switch {
	case keysym >= 0x20 && keysym <= 0x7e:
		return rune(keysym)
	case keysym >= 0xa0 && keysym <= 0xff:
		// Latin-1 keysyms equal their code points.
		return rune(keysym)
	case keysym >= 0x01000100 && keysym <= 0x0110ffff:
		return rune(keysym - 0x01000000)
	}
	switch keysym {
	case 0xff0d, 0xff8d: // Return, KP_Enter
		return '\n'
	case 0xff09: // Tab
		return '\t'
	}
	return 0
}

// IBus modifier state bits.
const (
	ibusReleaseMask uint32 = 1 << 30
	ibusControlMask uint32 = 1 << 2
	ibusMod1Mask    uint32 = 1 << 3
	ibusMod4Mask    uint32 = 1 << 6
)

// TypedRune returns the character a key event would insert, or 0 for
// releases, shortcuts and non-character keys.
func TypedRune(keyval, state uint32) rune {
	if state&ibusReleaseMask != 0 {
		return 0
	}
	if state&(ibusControlMask|ibusMod1Mask|ibusMod4Mask) != 0 {
		return 0
	}
	return KeysymToRune(keyval)
}
