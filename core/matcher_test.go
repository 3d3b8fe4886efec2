package core

import (
	"testing"

	"github.com/dualshock-tools/calibd-go/controller"
)

func TestMatchAllowList(t *testing.T) {
	infos := []Info{
		{Path: "kb", VendorID: 0x046d, ProductID: 0xc31c}, // keyboard
		{Path: "ds", VendorID: controller.VendorSony, ProductID: controller.ProductDualSense},
		{Path: "mouse", VendorID: 0x046d, ProductID: 0xc077},
	}

	got := Match(infos, false)
	if len(got) != 1 || got[0].Path != "ds" {
		t.Errorf("auto match = %+v, want only the DualSense", got)
	}
}

func TestMatchManualGamepadFallback(t *testing.T) {
	pad := Info{
		Path:      "xpad",
		VendorID:  0x045e,
		ProductID: 0x0b12,
		Collections: []Collection{
			{UsagePage: usagePageGenericDesktop, Usage: usageGamepad},
		},
	}
	stick := Info{
		Path:      "flightstick",
		VendorID:  0x044f,
		ProductID: 0xb10a,
		Collections: []Collection{
			{UsagePage: usagePageGenericDesktop, Usage: usageJoystick},
		},
	}
	kb := Info{
		Path:      "kb",
		VendorID:  0x046d,
		ProductID: 0xc31c,
		Collections: []Collection{
			{UsagePage: usagePageGenericDesktop, Usage: 0x06},
		},
	}
	infos := []Info{pad, stick, kb}

	if got := Match(infos, false); len(got) != 0 {
		t.Errorf("auto match must never guess, got %+v", got)
	}
	got := Match(infos, true)
	if len(got) != 2 || got[0].Path != "xpad" || got[1].Path != "flightstick" {
		t.Errorf("manual match = %+v, want gamepad and joystick", got)
	}
}

func TestMatchEmpty(t *testing.T) {
	if got := Match(nil, true); got != nil {
		t.Errorf("match on empty input = %+v", got)
	}
}
