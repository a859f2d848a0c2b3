package rtlsdr

import (
	gsdr "github.com/jpoirier/gortlsdr"
)

// dongle is the part of a librtlsdr session the source drives.
type dongle interface {
	SetCenterFreq(freq int) error
	GetCenterFreq() int
	SetSampleRate(rate int) error
	GetSampleRate() int
	SetFreqCorrection(ppm int) error
	GetFreqCorrection() int
	GetTunerGains() ([]int, error)
	SetTunerGainMode(manual bool) error
	SetTunerGain(gain int) error
	GetTunerGain() int
	ResetBuffer() error
	ReadAsync(cb func([]byte), bufNum, bufLen int) error
	CancelAsync() error
	Close() error
}

type libDongle struct {
	dev *gsdr.Context
}

func (d libDongle) SetCenterFreq(freq int) error    { return d.dev.SetCenterFreq(freq) }
func (d libDongle) GetCenterFreq() int              { return d.dev.GetCenterFreq() }
func (d libDongle) SetSampleRate(rate int) error    { return d.dev.SetSampleRate(rate) }
func (d libDongle) GetSampleRate() int              { return d.dev.GetSampleRate() }
func (d libDongle) SetFreqCorrection(ppm int) error { return d.dev.SetFreqCorrection(ppm) }
func (d libDongle) GetFreqCorrection() int          { return d.dev.GetFreqCorrection() }
func (d libDongle) GetTunerGains() ([]int, error)   { return d.dev.GetTunerGains() }
func (d libDongle) SetTunerGainMode(manual bool) error {
	return d.dev.SetTunerGainMode(manual)
}
func (d libDongle) SetTunerGain(gain int) error { return d.dev.SetTunerGain(gain) }
func (d libDongle) GetTunerGain() int           { return d.dev.GetTunerGain() }
func (d libDongle) ResetBuffer() error          { return d.dev.ResetBuffer() }
func (d libDongle) ReadAsync(cb func([]byte), bufNum, bufLen int) error {
	return d.dev.ReadAsync(cb, nil, bufNum, bufLen)
}
func (d libDongle) CancelAsync() error { return d.dev.CancelAsync() }
func (d libDongle) Close() error       { return d.dev.Close() }

// librtlsdr entry points, replaced in tests.
var (
	openDongle = func(index int) (dongle, error) {
		dev, err := gsdr.Open(index)
		if err != nil {
			return nil, err
		}
		return libDongle{dev: dev}, nil
	}
	deviceCount      = gsdr.GetDeviceCount
	deviceUsbStrings = gsdr.GetDeviceUsbStrings
)
