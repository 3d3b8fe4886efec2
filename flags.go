package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dualshock-tools/calibd-go/hid"
)

type emulatorTouples []hid.PortTouple

func (i *emulatorTouples) String() string {
	res := ""
	for n, p := range *i {
		if n > 0 {
			res += ","
		}
		res = res + strconv.Itoa(p.Stream) + ":" + strconv.Itoa(p.Control)
	}
	return res
}

func (i *emulatorTouples) Set(value string) error {
	split := strings.Split(value, ":")
	if len(split) != 2 {
		return fmt.Errorf("expected stream:control, got %q", value)
	}
	s, err := strconv.Atoi(split[0])
	if err != nil {
		return err
	}
	c, err := strconv.Atoi(split[1])
	if err != nil {
		return err
	}
	*i = append(*i, hid.PortTouple{
		Stream:  s,
		Control: c,
	})
	return nil
}
