package access

import (
	"strconv"
	"strings"
)

type modMask uint8

const (
	modCtrl modMask = 1 << iota
	modAlt
	modShift
	modMeta
)

var modifierAliases = map[string]modMask{
	"ctrl":    modCtrl,
	"control": modCtrl,
	"alt":     modAlt,
	"option":  modAlt,
	"opt":     modAlt,
	"shift":   modShift,
	"meta":    modMeta,
	"cmd":     modMeta,
	"command": modMeta,
	"super":   modMeta,
	"win":     modMeta,
	"windows": modMeta,
	"os":      modMeta,
}

var keyAliases = map[string]string{
	"del":          "delete",
	"esc":          "escape",
	"prtsc":        "printscreen",
	"prtscr":       "printscreen",
	"print":        "printscreen",
	"print_screen": "printscreen",
	"sysreq":       "sysrq",
	" ":            "space",
}

// chord is a normalized key combination. key is empty when only modifiers are pressed.
type chord struct {
	mods modMask
	key  string
}

// systemCombos is the deny-list for partial access. A pressed chord matches an
// entry when the keys are equal and the pressed modifiers include the entry's.
var systemCombos = func() []chord {
	out := []chord{
		{mods: modCtrl | modAlt, key: "delete"},
		{mods: modCtrl | modShift, key: "escape"},
		{mods: modCtrl | modAlt, key: "backspace"},
		{mods: modAlt, key: "f4"},
		{mods: modAlt, key: "tab"},
		{mods: modAlt, key: "printscreen"},
		{mods: modAlt, key: "sysrq"},
		{mods: modMeta, key: ""},
		{mods: modMeta, key: "l"},
		{mods: modMeta, key: "r"},
		{mods: modMeta, key: "x"},
		{mods: modMeta, key: "q"},
		{mods: modMeta, key: "tab"},
		{mods: modMeta | modAlt, key: "escape"},
	}
	for i := 1; i <= 12; i++ {
		out = append(out, chord{mods: modCtrl | modAlt, key: "f" + strconv.Itoa(i)})
	}
	return out
}()

// IsSystemCombination reports whether key (optionally written as "Ctrl+Alt+Delete")
// together with modifiers is a privileged OS combination.
func IsSystemCombination(key string, modifiers []string) bool {
	c := parseChord(key, modifiers)
	for _, deny := range systemCombos {
		if c.key == deny.key && c.mods&deny.mods == deny.mods {
			return true
		}
	}
	return false
}

func parseChord(key string, modifiers []string) chord {
	var c chord
	for _, m := range modifiers {
		c.mods |= modifierAliases[strings.ToLower(strings.TrimSpace(m))]
	}

	for _, part := range splitCombo(key) {
		p := strings.ToLower(part)
		if p != " " {
			p = strings.TrimSpace(p)
		}
		if m, ok := modifierAliases[p]; ok {
			c.mods |= m
			continue
		}
		if alias, ok := keyAliases[p]; ok {
			p = alias
		}
		c.key = p
	}
	return c
}

// splitCombo splits "Ctrl+Alt+Delete" into parts. A literal "+" key is kept.
func splitCombo(key string) []string {
	if key == "+" {
		return []string{"+"}
	}
	parts := strings.Split(key, "+")
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if p == "" {
			// "Ctrl++" ends with an empty piece for the plus key.
			if i == len(parts)-1 && i > 0 {
				out = append(out, "+")
			}
			continue
		}
		out = append(out, p)
	}
	return out
}
