package hackrf

import (
	"sync"

	"github.com/samuel/go-hackrf/hackrf"
)

// radio is the part of a libhackrf session the source drives. libhackrf
// has no getters, so the source caches what it sets.
type radio interface {
	SetFreq(freq uint64) error
	SetSampleRateManual(freqHz, divider int) error
	SetBasebandFilterBandwidth(hz int) error
	SetLNAGain(gain int) error
	SetVGAGain(gain int) error
	SetAmpEnable(enable bool) error
	SetAntennaEnable(enable bool) error
	StartRX(cb func([]byte) error) error
	StopRX() error
	Close() error
}

type libRadio struct {
	dev *hackrf.Device
}

func (r libRadio) SetFreq(freq uint64) error { return r.dev.SetFreq(freq) }
func (r libRadio) SetSampleRateManual(freqHz, divider int) error {
	return r.dev.SetSampleRateManual(freqHz, divider)
}
func (r libRadio) SetBasebandFilterBandwidth(hz int) error {
	return r.dev.SetBasebandFilterBandwidth(hz)
}
func (r libRadio) SetLNAGain(gain int) error          { return r.dev.SetLNAGain(gain) }
func (r libRadio) SetVGAGain(gain int) error          { return r.dev.SetVGAGain(gain) }
func (r libRadio) SetAmpEnable(enable bool) error     { return r.dev.SetAmpEnable(enable) }
func (r libRadio) SetAntennaEnable(enable bool) error { return r.dev.SetAntennaEnable(enable) }
func (r libRadio) StartRX(cb func([]byte) error) error {
	return r.dev.StartRX(cb)
}
func (r libRadio) StopRX() error { return r.dev.StopRX() }
func (r libRadio) Close() error  { return r.dev.Close() }

type deviceInfo struct {
	index  int
	serial string
	board  string
}

// libhackrf entry points, replaced in tests.
var (
	libInit   = hackrf.Init
	libExit   = hackrf.Exit
	openRadio = func() (radio, error) {
		dev, err := hackrf.Open()
		if err != nil {
			return nil, err
		}
		return libRadio{dev: dev}, nil
	}
	listDevices = func() ([]deviceInfo, error) {
		list, err := hackrf.DeviceList()
		if err != nil {
			return nil, err
		}
		out := make([]deviceInfo, 0, len(list))
		for _, d := range list {
			out = append(out, deviceInfo{
				index:  d.USBDeviceIndex,
				serial: d.SerialNumber,
				board:  d.USBBoardID.String(),
			})
		}
		return out, nil
	}
)

// hackrf_init and hackrf_exit are process wide; sessions share one init.
var lib struct {
	sync.Mutex
	refs int
}

func acquireLib() error {
	lib.Lock()
	defer lib.Unlock()
	if lib.refs == 0 {
		if err := libInit(); err != nil {
			return err
		}
	}
	lib.refs++
	return nil
}

func releaseLib() error {
	lib.Lock()
	defer lib.Unlock()
	if lib.refs == 0 {
		return nil
	}
	lib.refs--
	if lib.refs == 0 {
		return libExit()
	}
	return nil
}
