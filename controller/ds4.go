package controller

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
)

// DualShock 4 wired protocol. Input report 0x01, 63 data bytes after
// the report id (the hid layer strips the id). Identity comes from the
// 0xa3 firmware-info feature report; the calibration flash lock state
// from the 0x10 status feature report.

const (
	ds4ReportLen = 63

	ds4FeatureFirmwareInfo = 0xa3
	ds4FeatureNvStatus     = 0x10
	ds4FeatureNvLock       = 0xa0

	ds4NvLockMagic = 0x0a

	// oldest firmware the calibration flow is known to work with
	ds4MinFirmware = 0x8000
)

type ds4 struct {
	dev   Device
	model Model
	prev  *Report
}

func newDS4(dev Device, model Model) Decoder {
	return &ds4{dev: dev, model: model}
}

func (d *ds4) Model() Model   { return d.model }
func (d *ds4) NumSticks() int { return 2 }

func (d *ds4) GetInfo(ctx context.Context) (*Info, error) {
	buf := make([]byte, 49)
	buf[0] = ds4FeatureFirmwareInfo
	n, err := d.dev.GetFeatureReport(buf)
	if err != nil {
		return nil, fmt.Errorf("firmware info query: %w", err)
	}

	info := &Info{OK: true, Model: d.model}

	if n < 35 || bytes.Count(buf[1:n], []byte{0}) == n-1 {
		// genuine controllers always answer 0xa3; a short or empty
		// reply is the strongest clone signal we have
		info.DisableBits |= DisableClone
		info.Items = append(info.Items, InfoItem{
			Key:      "Authenticity",
			Value:    "firmware info missing",
			Severity: SeverityError,
			Category: "device",
		})
		return info, nil
	}

	buildDate := trimFixedString(buf[1:17])
	buildTime := trimFixedString(buf[17:33])
	hwVersion := binary.LittleEndian.Uint16(buf[33:35])
	fwVersion := binary.LittleEndian.Uint16(buf[35:37])

	info.Items = append(info.Items,
		InfoItem{Key: "Build date", Value: buildDate + " " + buildTime, Category: "firmware"},
		InfoItem{Key: "Hardware", Value: fmt.Sprintf("%#04x", hwVersion), Category: "firmware"},
		InfoItem{Key: "Firmware", Value: fmt.Sprintf("%#04x", fwVersion), Category: "firmware"},
	)

	if fwVersion < ds4MinFirmware {
		info.DisableBits |= DisableOldFirmware
		info.Items = append(info.Items, InfoItem{
			Key:      "Firmware status",
			Value:    "update required",
			Severity: SeverityWarning,
			Category: "firmware",
		})
	}

	nv, err := d.readNv()
	if err == nil {
		info.Nv = nv
	} else {
		info.Nv = &NvStatus{State: NvError}
	}

	return info, nil
}

func (d *ds4) readNv() (*NvStatus, error) {
	buf := make([]byte, 8)
	buf[0] = ds4FeatureNvStatus
	n, err := d.dev.GetFeatureReport(buf)
	if err != nil {
		return nil, err
	}
	if n < 5 {
		return &NvStatus{State: NvUnknown}, nil
	}
	raw := binary.LittleEndian.Uint32(buf[1:5])
	st := NvLocked
	if buf[1] == 1 {
		st = NvUnlocked
	}
	return &NvStatus{State: st, Raw: raw}, nil
}

func (d *ds4) RefreshNv(ctx context.Context) (*NvStatus, error) {
	return d.readNv()
}

func (d *ds4) LockNv(ctx context.Context) error {
	_, err := d.dev.SendFeatureReport([]byte{ds4FeatureNvLock, ds4NvLockMagic, 1, 0})
	if err != nil {
		return fmt.Errorf("nv lock command: %w", err)
	}
	return nil
}

func (d *ds4) Decode(data []byte) (*Report, error) {
	if len(data) < ds4ReportLen {
		return nil, fmt.Errorf("short report: %d bytes", len(data))
	}

	st := State{
		Left:    &Stick{X: normByte(data[0]), Y: normByte(data[1])},
		Right:   &Stick{X: normByte(data[2]), Y: normByte(data[3])},
		Buttons: uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6]&0x03)<<16,
	}

	// status byte: low nibble battery level 0-10, bit 4 cable
	status := data[29]
	level := int(status&0x0f) * 10
	if level > 100 {
		level = 100
	}
	st.Battery = BatteryStatus{Level: level, Charging: status&0x10 != 0}

	// first touchpad point, 12-bit packed coordinates
	if data[34]&0x80 == 0 {
		st.Touch = []TouchPoint{{
			Active: true,
			ID:     int(data[34] & 0x7f),
			X:      int(data[35]) | int(data[36]&0x0f)<<8,
			Y:      int(data[36]>>4) | int(data[37])<<4,
		}}
	}

	rep := &Report{State: st, Changes: diffState(d.prev, st)}
	d.prev = rep
	return rep, nil
}

func trimFixedString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}

// diffState marks the parts of cur that differ from the previous report.
func diffState(prev *Report, cur State) Changes {
	if prev == nil {
		return Changes{Sticks: true, Buttons: true, Touch: true, Battery: true}
	}
	p := prev.State
	return Changes{
		Sticks:  !stickEq(p.Left, cur.Left) || !stickEq(p.Right, cur.Right),
		Buttons: p.Buttons != cur.Buttons,
		Touch:   !touchEq(p.Touch, cur.Touch),
		Battery: p.Battery != cur.Battery,
	}
}

func stickEq(a, b *Stick) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func touchEq(a, b []TouchPoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
