package uhd

import (
	"errors"
	"time"

	"github.com/norasector/sdrsource/pkg/source"
)

// ErrOverflow reports samples dropped by the host between two Recv calls.
var ErrOverflow = errors.New("uhd: receive overflow")

// Device is the subset of the UHD multi-USRP API the source uses. Channel
// arguments are zero based. Gain calls with an empty name address the
// overall gain.
//
// Implementations: libuhd.go (build tag uhd) and test fakes.
type Device interface {
	MboardName() (string, error)
	NumRxChannels() (int, error)

	RxRates(ch int) (source.MetaRange, error)
	SetRxRate(rate float64, ch int) error
	RxRate(ch int) (float64, error)

	RxFreqRange(ch int) (source.MetaRange, error)
	SetRxFreq(freq float64, ch int) error
	RxFreq(ch int) (float64, error)

	RxGainNames(ch int) ([]string, error)
	RxGainRange(name string, ch int) (source.MetaRange, error)
	SetRxGain(gain float64, name string, ch int) error
	RxGain(name string, ch int) (float64, error)

	RxAntennas(ch int) ([]string, error)
	SetRxAntenna(name string, ch int) error
	RxAntenna(ch int) (string, error)

	// StartStream begins continuous complex float32 streaming of ch.
	StartStream(ch int) error
	// Recv fills buf and returns the number of samples read. A timeout
	// returns 0 and no error.
	Recv(buf []complex64, timeout time.Duration) (int, error)
	StopStream() error

	Close() error
}
