package export

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidDevice = errors.New("invalid device")

type DeviceKind int

const (
	CPU DeviceKind = iota
	Accelerator
)

// Device selects where export and engine builds run.
type Device struct {
	Kind  DeviceKind
	Index int
}

var DefaultDevice = Device{Kind: Accelerator, Index: 0}

// ParseDevice accepts "cpu", a bare accelerator index such as "0", or
// "cuda:N".
func ParseDevice(s string) (Device, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch {
	case key == "":
		return DefaultDevice, nil
	case key == "cpu":
		return Device{Kind: CPU}, nil
	case strings.HasPrefix(key, "cuda:"):
		key = strings.TrimPrefix(key, "cuda:")
	}
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 {
		return Device{}, fmt.Errorf("%w: %q", ErrInvalidDevice, s)
	}
	return Device{Kind: Accelerator, Index: idx}, nil
}

func (d Device) IsCPU() bool {
	return d.Kind == CPU
}

func (d Device) String() string {
	if d.Kind == CPU {
		return "cpu"
	}
	return fmt.Sprintf("cuda:%d", d.Index)
}

func (d Device) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Device) UnmarshalText(b []byte) error {
	v, err := ParseDevice(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
