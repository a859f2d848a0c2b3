//go:build uhd
// +build uhd

package uhd

// #cgo pkg-config: uhd
// #include <stdlib.h>
// #include <stdbool.h>
// #include <uhd.h>
//
// static uhd_error go_uhd_recv(uhd_rx_streamer_handle h, void *buf, size_t n,
//                              uhd_rx_metadata_handle *md, double timeout, size_t *got) {
//     void *buffs[1] = { buf };
//     return uhd_rx_streamer_recv(h, buffs, n, md, timeout, false, got);
// }
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/norasector/sdrsource/pkg/source"
)

const strBufLen = 512

func lastError(op string, code C.uhd_error) error {
	if code == C.UHD_ERROR_NONE {
		return nil
	}
	buf := (*C.char)(C.malloc(strBufLen))
	defer C.free(unsafe.Pointer(buf))
	C.uhd_get_last_error(buf, strBufLen)
	if msg := C.GoString(buf); msg != "" {
		return fmt.Errorf("uhd: %s: %s (code %d)", op, msg, int(code))
	}
	return fmt.Errorf("uhd: %s: error code %d", op, int(code))
}

func stringVector(op string, fill func(h *C.uhd_string_vector_handle) C.uhd_error) ([]string, error) {
	var h C.uhd_string_vector_handle
	if err := lastError(op, C.uhd_string_vector_make(&h)); err != nil {
		return nil, err
	}
	defer C.uhd_string_vector_free(&h)

	if err := lastError(op, fill(&h)); err != nil {
		return nil, err
	}

	var size C.size_t
	if err := lastError(op, C.uhd_string_vector_size(h, &size)); err != nil {
		return nil, err
	}
	buf := (*C.char)(C.malloc(strBufLen))
	defer C.free(unsafe.Pointer(buf))

	out := make([]string, 0, int(size))
	for i := C.size_t(0); i < size; i++ {
		if err := lastError(op, C.uhd_string_vector_at(h, i, buf, strBufLen)); err != nil {
			return nil, err
		}
		out = append(out, C.GoString(buf))
	}
	return out, nil
}

func metaRange(op string, fill func(h C.uhd_meta_range_handle) C.uhd_error) (source.MetaRange, error) {
	var h C.uhd_meta_range_handle
	if err := lastError(op, C.uhd_meta_range_make(&h)); err != nil {
		return nil, err
	}
	defer C.uhd_meta_range_free(&h)

	if err := lastError(op, fill(h)); err != nil {
		return nil, err
	}

	var size C.size_t
	if err := lastError(op, C.uhd_meta_range_size(h, &size)); err != nil {
		return nil, err
	}
	out := make(source.MetaRange, 0, int(size))
	for i := C.size_t(0); i < size; i++ {
		var r C.uhd_range_t
		if err := lastError(op, C.uhd_meta_range_at(h, i, &r)); err != nil {
			return nil, err
		}
		out = append(out, source.NewRangeStep(float64(r.start), float64(r.stop), float64(r.step)))
	}
	return out, nil
}

type libDevice struct {
	mu   sync.Mutex
	usrp C.uhd_usrp_handle

	streamer  C.uhd_rx_streamer_handle
	md        C.uhd_rx_metadata_handle
	buf       unsafe.Pointer
	bufLen    int
	streaming bool
}

// Open creates a multi-USRP session for the device address addr, e.g.
// "type=b200,serial=30F1234".
func Open(addr string) (Device, error) {
	cAddr := C.CString(addr)
	defer C.free(unsafe.Pointer(cAddr))

	d := &libDevice{}
	if err := lastError("make", C.uhd_usrp_make(&d.usrp, cAddr)); err != nil {
		return nil, err
	}
	return d, nil
}

// Find lists the device addresses of every USRP matching hint.
func Find(hint string) ([]string, error) {
	cHint := C.CString(hint)
	defer C.free(unsafe.Pointer(cHint))
	return stringVector("find", func(h *C.uhd_string_vector_handle) C.uhd_error {
		return C.uhd_usrp_find(cHint, h)
	})
}

func (d *libDevice) MboardName() (string, error) {
	buf := (*C.char)(C.malloc(strBufLen))
	defer C.free(unsafe.Pointer(buf))
	if err := lastError("get mboard name", C.uhd_usrp_get_mboard_name(d.usrp, 0, buf, strBufLen)); err != nil {
		return "", err
	}
	return C.GoString(buf), nil
}

func (d *libDevice) NumRxChannels() (int, error) {
	var n C.size_t
	err := lastError("get rx num channels", C.uhd_usrp_get_rx_num_channels(d.usrp, &n))
	return int(n), err
}

func (d *libDevice) RxRates(ch int) (source.MetaRange, error) {
	return metaRange("get rx rates", func(h C.uhd_meta_range_handle) C.uhd_error {
		return C.uhd_usrp_get_rx_rates(d.usrp, C.size_t(ch), h)
	})
}

func (d *libDevice) SetRxRate(rate float64, ch int) error {
	return lastError("set rx rate", C.uhd_usrp_set_rx_rate(d.usrp, C.double(rate), C.size_t(ch)))
}

func (d *libDevice) RxRate(ch int) (float64, error) {
	var rate C.double
	err := lastError("get rx rate", C.uhd_usrp_get_rx_rate(d.usrp, C.size_t(ch), &rate))
	return float64(rate), err
}

func (d *libDevice) RxFreqRange(ch int) (source.MetaRange, error) {
	return metaRange("get rx freq range", func(h C.uhd_meta_range_handle) C.uhd_error {
		return C.uhd_usrp_get_rx_freq_range(d.usrp, C.size_t(ch), h)
	})
}

func (d *libDevice) SetRxFreq(freq float64, ch int) error {
	emptyArgs := C.CString("")
	defer C.free(unsafe.Pointer(emptyArgs))

	req := C.uhd_tune_request_t{
		target_freq:     C.double(freq),
		rf_freq_policy:  C.UHD_TUNE_REQUEST_POLICY_AUTO,
		dsp_freq_policy: C.UHD_TUNE_REQUEST_POLICY_AUTO,
		args:            emptyArgs,
	}
	var res C.uhd_tune_result_t
	return lastError("set rx freq", C.uhd_usrp_set_rx_freq(d.usrp, &req, C.size_t(ch), &res))
}

func (d *libDevice) RxFreq(ch int) (float64, error) {
	var freq C.double
	err := lastError("get rx freq", C.uhd_usrp_get_rx_freq(d.usrp, C.size_t(ch), &freq))
	return float64(freq), err
}

func (d *libDevice) RxGainNames(ch int) ([]string, error) {
	return stringVector("get rx gain names", func(h *C.uhd_string_vector_handle) C.uhd_error {
		return C.uhd_usrp_get_rx_gain_names(d.usrp, C.size_t(ch), h)
	})
}

func (d *libDevice) RxGainRange(name string, ch int) (source.MetaRange, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	return metaRange("get rx gain range", func(h C.uhd_meta_range_handle) C.uhd_error {
		return C.uhd_usrp_get_rx_gain_range(d.usrp, cName, C.size_t(ch), h)
	})
}

func (d *libDevice) SetRxGain(gain float64, name string, ch int) error {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	return lastError("set rx gain", C.uhd_usrp_set_rx_gain(d.usrp, C.double(gain), C.size_t(ch), cName))
}

func (d *libDevice) RxGain(name string, ch int) (float64, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	var gain C.double
	err := lastError("get rx gain", C.uhd_usrp_get_rx_gain(d.usrp, C.size_t(ch), cName, &gain))
	return float64(gain), err
}

func (d *libDevice) RxAntennas(ch int) ([]string, error) {
	return stringVector("get rx antennas", func(h *C.uhd_string_vector_handle) C.uhd_error {
		return C.uhd_usrp_get_rx_antennas(d.usrp, C.size_t(ch), h)
	})
}

func (d *libDevice) SetRxAntenna(name string, ch int) error {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	return lastError("set rx antenna", C.uhd_usrp_set_rx_antenna(d.usrp, cName, C.size_t(ch)))
}

func (d *libDevice) RxAntenna(ch int) (string, error) {
	buf := (*C.char)(C.malloc(strBufLen))
	defer C.free(unsafe.Pointer(buf))
	if err := lastError("get rx antenna", C.uhd_usrp_get_rx_antenna(d.usrp, C.size_t(ch), buf, strBufLen)); err != nil {
		return "", err
	}
	return C.GoString(buf), nil
}

func (d *libDevice) StartStream(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming {
		return errors.New("uhd: already streaming")
	}

	if err := lastError("make rx streamer", C.uhd_rx_streamer_make(&d.streamer)); err != nil {
		return err
	}
	if err := lastError("make rx metadata", C.uhd_rx_metadata_make(&d.md)); err != nil {
		C.uhd_rx_streamer_free(&d.streamer)
		return err
	}

	cpuFormat := C.CString("fc32")
	otwFormat := C.CString("sc16")
	streamArgs := C.CString("")
	channels := (*C.size_t)(C.malloc(C.size_t(unsafe.Sizeof(C.size_t(0)))))
	defer func() {
		C.free(unsafe.Pointer(cpuFormat))
		C.free(unsafe.Pointer(otwFormat))
		C.free(unsafe.Pointer(streamArgs))
		C.free(unsafe.Pointer(channels))
	}()
	*channels = C.size_t(ch)

	args := C.uhd_stream_args_t{
		cpu_format:   cpuFormat,
		otw_format:   otwFormat,
		args:         streamArgs,
		channel_list: channels,
		n_channels:   1,
	}
	if err := lastError("get rx stream", C.uhd_usrp_get_rx_stream(d.usrp, &args, d.streamer)); err != nil {
		d.freeStreamer()
		return err
	}

	var maxSamps C.size_t
	if err := lastError("max num samps", C.uhd_rx_streamer_max_num_samps(d.streamer, &maxSamps)); err != nil {
		d.freeStreamer()
		return err
	}
	d.bufLen = int(maxSamps)
	d.buf = C.malloc(maxSamps * 8)

	cmd := C.uhd_stream_cmd_t{
		stream_mode: C.UHD_STREAM_MODE_START_CONTINUOUS,
		stream_now:  C.bool(true),
	}
	if err := lastError("issue stream cmd", C.uhd_rx_streamer_issue_stream_cmd(d.streamer, &cmd)); err != nil {
		d.freeStreamer()
		return err
	}
	d.streaming = true
	return nil
}

func (d *libDevice) Recv(buf []complex64, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.streaming {
		return 0, errors.New("uhd: not streaming")
	}

	n := len(buf)
	if n > d.bufLen {
		n = d.bufLen
	}
	var got C.size_t
	if err := lastError("recv", C.go_uhd_recv(d.streamer, d.buf, C.size_t(n), &d.md, C.double(timeout.Seconds()), &got)); err != nil {
		return 0, err
	}
	copy(buf, unsafe.Slice((*complex64)(d.buf), int(got)))

	var code C.uhd_rx_metadata_error_code_t
	if err := lastError("rx metadata", C.uhd_rx_metadata_error_code(d.md, &code)); err != nil {
		return int(got), err
	}
	switch code {
	case C.UHD_RX_METADATA_ERROR_CODE_NONE, C.UHD_RX_METADATA_ERROR_CODE_TIMEOUT:
		return int(got), nil
	case C.UHD_RX_METADATA_ERROR_CODE_OVERFLOW:
		return int(got), ErrOverflow
	default:
		return int(got), fmt.Errorf("uhd: recv: metadata error code 0x%x", int(code))
	}
}

func (d *libDevice) StopStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *libDevice) stopLocked() error {
	if !d.streaming {
		return nil
	}
	d.streaming = false
	cmd := C.uhd_stream_cmd_t{
		stream_mode: C.UHD_STREAM_MODE_STOP_CONTINUOUS,
		stream_now:  C.bool(true),
	}
	err := lastError("issue stream cmd", C.uhd_rx_streamer_issue_stream_cmd(d.streamer, &cmd))
	d.freeStreamer()
	return err
}

func (d *libDevice) freeStreamer() {
	if d.buf != nil {
		C.free(d.buf)
		d.buf = nil
	}
	C.uhd_rx_metadata_free(&d.md)
	C.uhd_rx_streamer_free(&d.streamer)
}

func (d *libDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	stopErr := d.stopLocked()
	if err := lastError("free", C.uhd_usrp_free(&d.usrp)); err != nil {
		return err
	}
	return stopErr
}
