package core

import "errors"

// A wired controller streams 63-byte input reports (64-byte USB report
// minus the report id). Bluetooth models wrap the same state in longer
// reports, and calibration writes are not safe over that transport, so
// anything but an exact length match is rejected.
const wiredReportLen = 63

var ErrWirelessTransport = errors.New("wireless transport detected, connect the controller with a USB cable")

// ValidateTransport classifies the transport from the byte length of
// the first received input report.
func ValidateTransport(reportLen int) error {
	if reportLen == wiredReportLen {
		return nil
	}
	return ErrWirelessTransport
}
