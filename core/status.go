package core

import "github.com/dualshock-tools/calibd-go/controller"

// Disable reasons are a bitmask reported by device-identity checks.
// Notifications are edge-triggered: each bit fires its popup once when
// it first turns on; turning the mask off re-enables everything with
// no further notification.

// NewlySet returns the bits set in cur that were not set in prev.
func NewlySet(prev, cur uint32) uint32 {
	return cur &^ prev
}

type disableReason struct {
	bit      uint32
	severity string
	message  string
}

var disableReasons = []disableReason{
	{
		bit:      controller.DisableClone,
		severity: "error",
		message:  "this controller did not pass the authenticity check and may be a counterfeit; calibration is disabled",
	},
	{
		bit:      controller.DisableOldFirmware,
		severity: "warning",
		message:  "the controller firmware is outdated; update it before calibrating",
	},
}

// AlwaysEnabledControls stay usable even while the clone bit disables
// the rest of the calibration page.
var AlwaysEnabledControls = []string{"disconnect", "language", "status-log"}

// updateDisableLocked stores the new mask and queues one notification
// per newly set bit. Core mutex must be held.
func (c *Core) updateDisableLocked(sess *session, mask uint32) {
	newly := NewlySet(sess.disableMask, mask)
	sess.disableMask = mask
	for _, r := range disableReasons {
		if newly&r.bit != 0 {
			c.events.push(EventDisableReason, r.severity, r.message)
		}
	}
}

// updateNvLocked stores the latest lock state (no history kept) and,
// when the device reports unlocked, queues the automatic lock command.
// Returned actions must run after the core mutex is released, they do
// device IO. Core mutex must be held.
func (c *Core) updateNvLocked(sess *session, nv *controller.NvStatus) []func() {
	changed := sess.nv == nil || sess.nv.State != nv.State
	sess.nv = nv
	if changed {
		c.events.push(EventNvStatus, "info", "calibration flash "+nv.State.String())
	}
	if nv.State != controller.NvUnlocked {
		return nil
	}
	locker, ok := sess.dec.(controller.NvLocker)
	if !ok {
		return nil
	}
	return []func(){func() {
		c.Log("nv unlocked, issuing lock command")
		if err := c.lockNv(locker); err != nil {
			c.Log("nv lock failed: " + err.Error())
		}
	}}
}
