package usbgateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/gousb"
	"github.com/jochenvg/go-udev"
	"github.com/pkg/errors"
)

// DeviceID is a USB vendor and product pair.
type DeviceID struct {
	Vendor  gousb.ID
	Product gousb.ID
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%s:%s", id.Vendor, id.Product)
}

// ParseDeviceID parses "vvvv:pppp" in hex, as printed by lsusb.
func ParseDeviceID(s string) (DeviceID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return DeviceID{}, errors.Errorf("invalid usb device id %q, expected vendor:product", s)
	}

	vendor, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return DeviceID{}, errors.Wrapf(err, "invalid vendor in %q", s)
	}
	product, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return DeviceID{}, errors.Wrapf(err, "invalid product in %q", s)
	}

	return DeviceID{Vendor: gousb.ID(vendor), Product: gousb.ID(product)}, nil
}

// deviceInfo locates an attached device.
type deviceInfo struct {
	Bus     int
	Address int
	ID      DeviceID
}

// key identifies the device while it stays attached.
func (d deviceInfo) key() string {
	return fmt.Sprintf("%d.%d", d.Bus, d.Address)
}

type usbBus interface {
	Devices() ([]deviceInfo, error)
	Open(info deviceInfo) (usbDevice, error)
	Close() error
}

type usbDevice interface {
	SerialNumber() (string, error)
	Product() (string, error)
	Close() error
}

type gousbBus struct {
	ctx *gousb.Context
}

func (b gousbBus) Devices() ([]deviceInfo, error) {
	var infos []deviceInfo
	_, err := b.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		infos = append(infos, deviceInfo{Bus: d.Bus, Address: d.Address, ID: DeviceID{Vendor: d.Vendor, Product: d.Product}})
		return false
	})
	return infos, err
}

func (b gousbBus) Open(info deviceInfo) (usbDevice, error) {
	devices, err := b.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return d.Bus == info.Bus && d.Address == info.Address
	})
	if err != nil {
		for _, d := range devices {
			d.Close()
		}
		return nil, err
	}
	if len(devices) == 0 {
		return nil, errors.Errorf("usb device %s is gone", info.key())
	}
	for _, d := range devices[1:] {
		d.Close()
	}
	return devices[0], nil
}

func (b gousbBus) Close() error {
	return b.ctx.Close()
}

// udevHotplug signals every usb add or remove event until ctx is done.
func udevHotplug(ctx context.Context) (<-chan struct{}, error) {
	u := udev.Udev{}
	m := u.NewMonitorFromNetlink("udev")
	if err := m.FilterAddMatchSubsystem("usb"); err != nil {
		return nil, errors.Wrap(err, "filtering udev events")
	}

	devices, err := m.DeviceChan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "monitoring udev")
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		for d := range devices {
			action := d.Action()
			if action != "add" && action != "remove" {
				continue
			}
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	}()
	return changes, nil
}
