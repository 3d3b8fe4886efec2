package core

import "github.com/dualshock-tools/calibd-go/controller"

// HID usages for the generic gamepad fallback
const (
	usagePageGenericDesktop = 0x01
	usageJoystick           = 0x04
	usageGamepad            = 0x05
)

// Match filters raw device descriptors down to controller candidates.
// The primary rule is the supported-model allow-list. On the manual
// path the user sees a chooser, so gamepad-shaped devices outside the
// allow-list are let through as well; the automatic path never guesses.
// Zero matches is a normal empty result, not an error.
func Match(infos []Info, manual bool) []Info {
	var out []Info
	for _, info := range infos {
		if _, ok := controller.Lookup(info.VendorID, info.ProductID); ok {
			out = append(out, info)
			continue
		}
		if manual && looksLikeGamepad(info) {
			out = append(out, info)
		}
	}
	return out
}

func looksLikeGamepad(info Info) bool {
	for _, col := range info.Collections {
		if col.UsagePage == usagePageGenericDesktop &&
			(col.Usage == usageGamepad || col.Usage == usageJoystick) {
			return true
		}
	}
	return false
}
