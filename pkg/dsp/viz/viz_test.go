package viz

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/norasector/sdrsource/pkg/util"
	"github.com/norasector/turbine-common/types"
)

// tone returns n samples of a unit tone at offset Hz.
func tone(n int, offset, sampleRate float64) []complex64 {
	out := make([]complex64, n)
	for i := range out {
		phase := 2 * math.Pi * offset * float64(i) / sampleRate
		out[i] = complex(float32(math.Cos(phase)), float32(math.Sin(phase)))
	}
	return out
}

func TestFindPeaks(t *testing.T) {
	const rate = 1e6
	samples := tone(4096, 125e3, rate)
	weak := tone(4096, -250e3, rate)
	for i := range samples {
		samples[i] += weak[i] * 0.1
	}

	peaks := FindPeaks(samples, rate, 851e6, 2)
	if len(peaks) != 2 {
		t.Fatalf("got %d peaks", len(peaks))
	}
	binWidth := rate / 4096
	if d := math.Abs(peaks[0].Freq - 851.125e6); d > binWidth {
		t.Errorf("strongest peak at %v", peaks[0].Freq)
	}
	if d := math.Abs(peaks[1].Freq - 850.75e6); d > binWidth {
		t.Errorf("second peak at %v", peaks[1].Freq)
	}
	if peaks[0].PowerDB < -1 || peaks[0].PowerDB > 1 {
		t.Errorf("unit tone power = %v dB", peaks[0].PowerDB)
	}
	if diff := peaks[0].PowerDB - peaks[1].PowerDB; diff < 19 || diff > 21 {
		t.Errorf("power difference = %v dB, want 20", diff)
	}

	if got := FindPeaks(samples[:4], rate, 0, 1); got != nil {
		t.Errorf("short input = %v", got)
	}
}

func TestSpectrumPower(t *testing.T) {
	s := NewSpectrum("test", 1024, 1024000)
	s.Append(tone(512, 0, 1024000))
	s.Append(tone(2048, 100e3, 1024000))

	offsets, db := s.Power()
	best := 0
	for i := range db {
		if db[i] > db[best] {
			best = i
		}
	}
	if math.Abs(offsets[best]-100e3) > 1000 {
		t.Errorf("spectrum peak at %v Hz", offsets[best])
	}
	if offsets[0] >= 0 || offsets[len(offsets)-1] <= 0 {
		t.Errorf("offsets not centered: %v .. %v", offsets[0], offsets[len(offsets)-1])
	}
}

func TestServer(t *testing.T) {
	s := NewServer(0, 10*time.Millisecond)
	spec := NewSpectrum("01. input", 256, 1e6)
	spec.Append(tone(256, 10e3, 1e6))
	s.Register("rx0", spec)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/view/rx0" {
		t.Errorf("GET / = %d to %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, err = client.Get(ts.URL + "/view/rx0")
	if err != nil {
		t.Fatal(err)
	}
	var body bytes.Buffer
	body.ReadFrom(resp.Body)
	resp.Body.Close()
	if !strings.Contains(body.String(), `/img/rx0/01.%20input`) {
		t.Errorf("view page missing plot:\n%s", body.String())
	}

	if resp, err := client.Get(ts.URL + "/view/nope"); err != nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown bucket = %v, %v", resp, err)
	}

	s.Render("rx0")
	resp, err = client.Get(ts.URL + "/img/rx0/01.%20input")
	if err != nil {
		t.Fatal(err)
	}
	body.Reset()
	body.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.HasPrefix(body.Bytes(), []byte("\x89PNG")) {
		t.Errorf("image = %d, %d bytes", resp.StatusCode, body.Len())
	}
}

func TestMonitor(t *testing.T) {
	metrics := &util.MockWriteAPI{}
	m := NewMonitor("rx0", 1e6, 100e6, WithReportInterval(time.Hour), WithMonitorMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Start(ctx)
	}()

	samples := tone(8192, -200e3, 1e6)
	m.Receive() <- &types.SegmentComplex64{SegmentNumber: 1, Data: samples[:4096]}
	m.Receive() <- &types.SegmentComplex64{SegmentNumber: 2, Data: samples[4096:]}

	var peaks []Peak
	for deadline := time.Now().Add(5 * time.Second); len(peaks) == 0; {
		if time.Now().After(deadline) {
			t.Fatal("monitor never saw samples")
		}
		time.Sleep(5 * time.Millisecond)
		peaks = m.Report()
	}
	if math.Abs(peaks[0].Freq-99.8e6) > 1e6/4096 {
		t.Errorf("strongest peak at %v", peaks[0].Freq)
	}
	if len(metrics.Points("viz.peak")) == 0 {
		t.Error("no viz.peak points written")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Start() = %v", err)
	}
}
