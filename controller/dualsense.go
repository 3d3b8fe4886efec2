package controller

import (
	"context"
	"encoding/binary"
	"fmt"
)

// DualSense and DualSense Edge wired protocol. Input report 0x01 with
// 63 data bytes after the report id. Identity from the 0x20 version
// feature report, calibration flash lock state from the 0x81 status
// feature report.

const (
	dsReportLen = 63

	dsFeatureVersionInfo = 0x20
	dsFeatureNvStatus    = 0x81
	dsFeatureNvLock      = 0x80

	dsNvLockMagic = 0x3c

	// nv status codes
	dsNvCodeLocked        = 0x00
	dsNvCodeUnlocked      = 0x01
	dsNvCodePendingReboot = 0x02

	dsMinFirmware = 0x0204
)

type dualSense struct {
	dev   Device
	model Model
	prev  *Report
}

func newDualSense(dev Device, model Model) Decoder {
	return &dualSense{dev: dev, model: model}
}

func (d *dualSense) Model() Model   { return d.model }
func (d *dualSense) NumSticks() int { return 2 }

func (d *dualSense) GetInfo(ctx context.Context) (*Info, error) {
	buf := make([]byte, 64)
	buf[0] = dsFeatureVersionInfo
	n, err := d.dev.GetFeatureReport(buf)
	if err != nil {
		return nil, fmt.Errorf("version info query: %w", err)
	}
	if n < 48 {
		return &Info{Model: d.model}, nil
	}

	info := &Info{OK: true, Model: d.model}

	buildDate := trimFixedString(buf[1:12])
	buildTime := trimFixedString(buf[12:20])
	fwVersion := binary.LittleEndian.Uint16(buf[44:46])
	updVersion := binary.LittleEndian.Uint16(buf[46:48])

	info.Items = append(info.Items,
		InfoItem{Key: "Build date", Value: buildDate + " " + buildTime, Category: "firmware"},
		InfoItem{Key: "Firmware", Value: fmt.Sprintf("%#04x", fwVersion), Category: "firmware"},
		InfoItem{Key: "Update version", Value: fmt.Sprintf("%#04x", updVersion), Category: "firmware"},
	)

	if fwVersion == 0 {
		info.DisableBits |= DisableClone
		info.Items = append(info.Items, InfoItem{
			Key:      "Authenticity",
			Value:    "version info missing",
			Severity: SeverityError,
			Category: "device",
		})
	} else if fwVersion < dsMinFirmware {
		info.DisableBits |= DisableOldFirmware
		info.Items = append(info.Items, InfoItem{
			Key:      "Firmware status",
			Value:    "update required",
			Severity: SeverityWarning,
			Category: "firmware",
		})
	}

	nv, err := d.readNv()
	if err != nil {
		nv = &NvStatus{State: NvError}
	}
	info.Nv = nv

	// the Edge refuses calibration writes until it reboots after an
	// unlock, and only a physical reconnect reboots it
	if d.model == ModelDualSenseEdge && nv.State == NvPendingReboot {
		info.PendingReboot = true
	}

	return info, nil
}

func (d *dualSense) readNv() (*NvStatus, error) {
	buf := make([]byte, 8)
	buf[0] = dsFeatureNvStatus
	n, err := d.dev.GetFeatureReport(buf)
	if err != nil {
		return nil, err
	}
	if n < 5 {
		return &NvStatus{State: NvUnknown}, nil
	}
	raw := binary.LittleEndian.Uint32(buf[1:5])
	st := NvUnknown
	switch buf[1] {
	case dsNvCodeLocked:
		st = NvLocked
	case dsNvCodeUnlocked:
		st = NvUnlocked
	case dsNvCodePendingReboot:
		st = NvPendingReboot
	}
	return &NvStatus{State: st, Raw: raw}, nil
}

func (d *dualSense) RefreshNv(ctx context.Context) (*NvStatus, error) {
	return d.readNv()
}

func (d *dualSense) LockNv(ctx context.Context) error {
	_, err := d.dev.SendFeatureReport([]byte{dsFeatureNvLock, dsNvLockMagic, 1, 0})
	if err != nil {
		return fmt.Errorf("nv lock command: %w", err)
	}
	return nil
}

// InitializeOutputState seeds the output report so the controller
// leaves its idle lightbar/trigger state; without it some units do not
// stream full input reports.
func (d *dualSense) InitializeOutputState(ctx context.Context) error {
	out := make([]byte, 48)
	out[0] = 0x02 // output report id
	out[1] = 0xff // enable all control flags
	out[2] = 0xf7
	_, err := d.dev.Write(out)
	if err != nil {
		return fmt.Errorf("output state init: %w", err)
	}
	return nil
}

func (d *dualSense) Decode(data []byte) (*Report, error) {
	if len(data) < dsReportLen {
		return nil, fmt.Errorf("short report: %d bytes", len(data))
	}

	st := State{
		Left:    &Stick{X: normByte(data[0]), Y: normByte(data[1])},
		Right:   &Stick{X: normByte(data[2]), Y: normByte(data[3])},
		Buttons: uint32(data[7]) | uint32(data[8])<<8 | uint32(data[9]&0x0f)<<16,
	}

	// battery byte: low nibble level in 10% steps, bits 4-5 state
	batt := data[52]
	level := int(batt&0x0f) * 10
	if level > 100 {
		level = 100
	}
	st.Battery = BatteryStatus{Level: level, Charging: batt>>4&0x03 == 1}

	if data[32]&0x80 == 0 {
		st.Touch = []TouchPoint{{
			Active: true,
			ID:     int(data[32] & 0x7f),
			X:      int(data[33]) | int(data[34]&0x0f)<<8,
			Y:      int(data[34]>>4) | int(data[35])<<4,
		}}
	}

	rep := &Report{State: st, Changes: diffState(d.prev, st)}
	d.prev = rep
	return rep, nil
}
