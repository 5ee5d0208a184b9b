package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChord(t *testing.T) {
	keys, err := ParseChord("ctrl+alt+a")
	require.NoError(t, err)
	require.Len(t, keys, 3)

	ctrl, _ := ParseKey("ctrl")
	alt, _ := ParseKey("alt")
	a, _ := ParseKey("a")
	assert.Equal(t, []Key{ctrl, alt, a}, keys)

	main, mods := SplitChord(keys)
	assert.Equal(t, a, main)
	assert.Equal(t, ModCtrl|ModAlt, mods)
}

func TestParseChordCaseAndSpace(t *testing.T) {
	keys, err := ParseChord("Ctrl + F1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	f1, err := ParseKey("f1")
	require.NoError(t, err)
	assert.Equal(t, f1, keys[1])
}

func TestParseChordErrors(t *testing.T) {
	for _, s := range []string{"", "ctrl+", "ctrl++a", "ctrl+nosuchkey", "a+a"} {
		_, err := ParseChord(s)
		assert.Error(t, err, s)
	}
}

func TestModifierAliasesShareKey(t *testing.T) {
	ctrl, err := ParseKey("ctrl")
	require.NoError(t, err)
	control, err := ParseKey("control")
	require.NoError(t, err)
	assert.Equal(t, ctrl, control)

	m, ok := ModifierOf(ctrl)
	assert.True(t, ok)
	assert.Equal(t, ModCtrl, m)
	assert.Equal(t, "ctrl", KeyName(ctrl))
}

func TestNormalizeFoldsRightModifiers(t *testing.T) {
	ctrl, _ := ParseKey("ctrl")
	for right, left := range rightSide {
		assert.Equal(t, left, Normalize(right))
	}
	assert.Equal(t, ctrl, Normalize(ctrl))
	assert.NotEmpty(t, rightSide)
}

func TestUnknownKeyString(t *testing.T) {
	assert.Equal(t, "0xfffe/ext", Key{Code: 0xfffe, Extended: true}.String())
}

func TestKeyNamesSorted(t *testing.T) {
	names := KeyNames()
	assert.IsNonDecreasing(t, names)
	assert.Contains(t, names, "ctrl")
}
