//go:build windows

package hook

// Virtual-key codes as reported in KBDLLHOOKSTRUCT.vkCode.
const (
	vkBack     = 0x08
	vkTab      = 0x09
	vkReturn   = 0x0D
	vkShift    = 0x10
	vkControl  = 0x11
	vkMenu     = 0x12
	vkPause    = 0x13
	vkCapital  = 0x14
	vkEscape   = 0x1B
	vkSpace    = 0x20
	vkPrior    = 0x21
	vkNext     = 0x22
	vkEnd      = 0x23
	vkHome     = 0x24
	vkLeft     = 0x25
	vkUp       = 0x26
	vkRight    = 0x27
	vkDown     = 0x28
	vkSnapshot = 0x2C
	vkInsert   = 0x2D
	vkDelete   = 0x2E
	vkLWin     = 0x5B
	vkRWin     = 0x5C
	vkApps     = 0x5D
	vkNumpad0  = 0x60
	vkMultiply = 0x6A
	vkAdd      = 0x6B
	vkSubtract = 0x6D
	vkDecimal  = 0x6E
	vkDivide   = 0x6F
	vkF1       = 0x70
	vkNumLock  = 0x90
	vkScroll   = 0x91
	vkLShift   = 0xA0
	vkRShift   = 0xA1
	vkLControl = 0xA2
	vkRControl = 0xA3
	vkLMenu    = 0xA4
	vkRMenu    = 0xA5
	vkOEM1     = 0xBA
	vkOEMPlus  = 0xBB
	vkOEMComma = 0xBC
	vkOEMMinus = 0xBD
	vkOEMDot   = 0xBE
	vkOEM2     = 0xBF
	vkOEM3     = 0xC0
	vkOEM4     = 0xDB
	vkOEM5     = 0xDC
	vkOEM6     = 0xDD
	vkOEM7     = 0xDE
)

func vk(code uint32) Key  { return Key{Code: code} }
func ext(code uint32) Key { return Key{Code: code, Extended: true} }

func init() {
	registerModifier("ctrl", vk(vkControl), ModCtrl)
	registerModifier("shift", vk(vkShift), ModShift)
	registerModifier("alt", vk(vkMenu), ModAlt)
	registerModifier("win", vk(vkLWin), ModMeta)
	keysByName["control"] = vk(vkControl)
	keysByName["meta"] = vk(vkLWin)

	for _, k := range []Key{vk(vkLControl), ext(vkRControl), vk(vkRControl)} {
		rightSide[k] = vk(vkControl)
	}
	for _, k := range []Key{vk(vkLShift), vk(vkRShift), ext(vkRShift)} {
		rightSide[k] = vk(vkShift)
	}
	for _, k := range []Key{vk(vkLMenu), ext(vkRMenu), vk(vkRMenu)} {
		rightSide[k] = vk(vkMenu)
	}
	rightSide[ext(vkLWin)] = vk(vkLWin)
	rightSide[ext(vkRWin)] = vk(vkLWin)
	rightSide[vk(vkRWin)] = vk(vkLWin)

	for c := 'a'; c <= 'z'; c++ {
		registerKey(string(c), vk(uint32(c-'a'+'A')))
	}
	for c := '0'; c <= '9'; c++ {
		registerKey(string(c), vk(uint32(c)))
		registerKey("numpad"+string(c), vk(vkNumpad0+uint32(c-'0')))
	}
	for i := uint32(0); i < 24; i++ {
		registerKey("f"+itoa(i+1), vk(vkF1+i))
	}

	named := []struct {
		name string
		key  Key
	}{
		{"backspace", vk(vkBack)},
		{"tab", vk(vkTab)},
		{"enter", vk(vkReturn)},
		{"numpadenter", ext(vkReturn)},
		{"pause", vk(vkPause)},
		{"capslock", vk(vkCapital)},
		{"escape", vk(vkEscape)},
		{"space", vk(vkSpace)},
		{"pageup", ext(vkPrior)},
		{"pagedown", ext(vkNext)},
		{"end", ext(vkEnd)},
		{"home", ext(vkHome)},
		{"left", ext(vkLeft)},
		{"up", ext(vkUp)},
		{"right", ext(vkRight)},
		{"down", ext(vkDown)},
		{"insert", ext(vkInsert)},
		{"delete", ext(vkDelete)},
		// The numpad navigation keys report the same codes without the
		// extended flag.
		{"numpadpageup", vk(vkPrior)},
		{"numpadpagedown", vk(vkNext)},
		{"numpadend", vk(vkEnd)},
		{"numpadhome", vk(vkHome)},
		{"numpadleft", vk(vkLeft)},
		{"numpadup", vk(vkUp)},
		{"numpadright", vk(vkRight)},
		{"numpaddown", vk(vkDown)},
		{"numpadinsert", vk(vkInsert)},
		{"numpaddelete", vk(vkDelete)},
		{"printscreen", ext(vkSnapshot)},
		{"applications", ext(vkApps)},
		{"numpadmultiply", vk(vkMultiply)},
		{"numpadplus", vk(vkAdd)},
		{"numpadminus", vk(vkSubtract)},
		{"numpaddecimal", vk(vkDecimal)},
		{"numpaddivide", ext(vkDivide)},
		{"numlock", ext(vkNumLock)},
		{"scrolllock", vk(vkScroll)},
		{";", vk(vkOEM1)},
		{"=", vk(vkOEMPlus)},
		{",", vk(vkOEMComma)},
		{"-", vk(vkOEMMinus)},
		{".", vk(vkOEMDot)},
		{"/", vk(vkOEM2)},
		{"`", vk(vkOEM3)},
		{"[", vk(vkOEM4)},
		{"\\", vk(vkOEM5)},
		{"]", vk(vkOEM6)},
		{"'", vk(vkOEM7)},
	}
	for _, n := range named {
		registerKey(n.name, n.key)
	}
	keysByName["esc"] = vk(vkEscape)
	keysByName["return"] = vk(vkReturn)
}

func itoa(i uint32) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}
