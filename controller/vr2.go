package controller

import (
	"context"
	"encoding/binary"
	"fmt"
)

// VR Sense controller. Single stick, no touchpad. Shares the DualSense
// feature report family but streams a shorter state block.

const (
	vrReportLen = 63

	vrFeatureVersionInfo = 0x20
)

type senseVR struct {
	dev  Device
	prev *Report
}

func newSenseVR(dev Device) Decoder {
	return &senseVR{dev: dev}
}

func (d *senseVR) Model() Model   { return ModelSenseVR }
func (d *senseVR) NumSticks() int { return 1 }

func (d *senseVR) GetInfo(ctx context.Context) (*Info, error) {
	buf := make([]byte, 64)
	buf[0] = vrFeatureVersionInfo
	n, err := d.dev.GetFeatureReport(buf)
	if err != nil {
		return nil, fmt.Errorf("version info query: %w", err)
	}
	if n < 48 {
		return &Info{Model: ModelSenseVR}, nil
	}

	fwVersion := binary.LittleEndian.Uint16(buf[44:46])
	info := &Info{OK: true, Model: ModelSenseVR}
	info.Items = append(info.Items,
		InfoItem{Key: "Firmware", Value: fmt.Sprintf("%#04x", fwVersion), Category: "firmware"},
	)
	if fwVersion == 0 {
		info.DisableBits |= DisableClone
		info.Items = append(info.Items, InfoItem{
			Key:      "Authenticity",
			Value:    "version info missing",
			Severity: SeverityError,
			Category: "device",
		})
	}
	return info, nil
}

func (d *senseVR) Decode(data []byte) (*Report, error) {
	if len(data) < vrReportLen {
		return nil, fmt.Errorf("short report: %d bytes", len(data))
	}

	st := State{
		Left:    &Stick{X: normByte(data[0]), Y: normByte(data[1])},
		Buttons: uint32(data[2]) | uint32(data[3])<<8,
	}

	batt := data[40]
	level := int(batt&0x0f) * 10
	if level > 100 {
		level = 100
	}
	st.Battery = BatteryStatus{Level: level, Charging: batt&0x10 != 0}

	rep := &Report{State: st, Changes: diffState(d.prev, st)}
	d.prev = rep
	return rep, nil
}
