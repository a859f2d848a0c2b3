package file

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/sdrsource/pkg/dsp/iq"
	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/source/sourcetest"
	"github.com/norasector/turbine-common/types"
)

// writeCapture writes n cf32 samples whose real part counts up from 0.
func writeCapture(t *testing.T, n int) string {
	t.Helper()
	samples := make([]complex64, n)
	for i := range samples {
		samples[i] = complex(float32(i), -1)
	}
	path := filepath.Join(t.TempDir(), "capture.cf32")
	if err := os.WriteFile(path, iq.AppendCF32(nil, samples), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func captureArgs(path, extra string) source.Args {
	args := source.ParseArgs("file,rate=1e6,freq=851e6,format=cf32" + extra)
	return args.With("path", path)
}

func TestConformance(t *testing.T) {
	path := writeCapture(t, 16)
	sourcetest.RunConformance(t, func(t *testing.T) source.Source {
		src, err := NewFileSource(captureArgs(path, ""))
		if err != nil {
			t.Fatalf("NewFileSource() = %v", err)
		}
		return src
	}, sourcetest.Expectations{FreqCorrUnsupported: true})
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		args    string
		wantErr bool
	}{
		{"file,path=/tmp/x,rate=2e6", false},
		{"file,rate=2e6", true},
		{"file,path=/tmp/x", true},
		{"file,path=/tmp/x,rate=fast", true},
		{"file,path=/tmp/x,rate=2e6,format=sc64", true},
		{"file,path=/tmp/x,rate=2e6,repeat=maybe", true},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			_, err := parseConfig(source.ParseArgs(tt.args))
			if (err != nil) != tt.wantErr {
				t.Errorf("parseConfig() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	c, err := parseConfig(source.ParseArgs("file,path=/tmp/x,rate=2e6"))
	if err != nil {
		t.Fatal(err)
	}
	if c.format != iq.CS8 || !c.repeat || !c.throttle {
		t.Errorf("defaults = %+v", c)
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := NewFileSource(captureArgs(filepath.Join(t.TempDir(), "nope"), ""))
	var driverErr *source.DriverError
	if !errors.As(err, &driverErr) {
		t.Errorf("NewFileSource() = %v, want DriverError", err)
	}
}

func TestFixedSampleRate(t *testing.T) {
	src, err := NewFileSource(captureArgs(writeCapture(t, 4), ""))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if got, err := src.SetSampleRate(2.4e6); err != nil || got != 1e6 {
		t.Errorf("SetSampleRate(2.4e6) = %v, %v", got, err)
	}
	if got, err := src.CenterFreq(0); err != nil || got != 851e6 {
		t.Errorf("CenterFreq() = %v, %v", got, err)
	}
}

func TestPlayback(t *testing.T) {
	src, err := NewFileSource(captureArgs(writeCapture(t, 10), ",repeat=false,throttle=false"), source.WithSegmentSize(4))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	out := make(chan *types.SegmentComplex64, 8)
	if err := src.Start(context.Background(), out); !errors.Is(err, io.EOF) {
		t.Fatalf("Start() = %v, want io.EOF", err)
	}
	close(out)

	var lens []int
	next := float32(0)
	for seg := range out {
		if seg.SegmentNumber != len(lens)+1 {
			t.Errorf("SegmentNumber = %d, want %d", seg.SegmentNumber, len(lens)+1)
		}
		lens = append(lens, len(seg.Data))
		for _, s := range seg.Data {
			if real(s) != next || imag(s) != -1 {
				t.Fatalf("sample %v, want %v", s, complex(next, -1))
			}
			next++
		}
	}
	if len(lens) != 3 || lens[0] != 4 || lens[1] != 4 || lens[2] != 2 {
		t.Errorf("segment lengths = %v, want [4 4 2]", lens)
	}
}

func TestRepeat(t *testing.T) {
	src, err := NewFileSource(captureArgs(writeCapture(t, 4), ",throttle=false"), source.WithSegmentSize(4))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *types.SegmentComplex64)
	done := make(chan error, 1)
	go func() {
		done <- src.Start(ctx, out)
	}()

	for i := 0; i < 3; i++ {
		seg := <-out
		if len(seg.Data) != 4 || real(seg.Data[0]) != 0 {
			t.Errorf("pass %d = %v", i, seg.Data)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start() = %v", err)
	}
}

func TestThrottle(t *testing.T) {
	// 1000 samples at 10 ksps is 100ms per segment
	src, err := NewFileSource(
		captureArgs(writeCapture(t, 3000), ",repeat=false").With("rate", "10000"),
		source.WithSegmentSize(1000),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	out := make(chan *types.SegmentComplex64, 4)
	begin := time.Now()
	if err := src.Start(context.Background(), out); !errors.Is(err, io.EOF) {
		t.Fatalf("Start() = %v", err)
	}
	if elapsed := time.Since(begin); elapsed < 250*time.Millisecond {
		t.Errorf("played 3 segments in %v", elapsed)
	}
	if len(out) != 3 {
		t.Errorf("got %d segments", len(out))
	}
}

func TestEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := NewFileSource(captureArgs(path, ",throttle=false"))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if err := src.Start(context.Background(), make(chan *types.SegmentComplex64)); !errors.Is(err, io.EOF) {
		t.Errorf("Start() = %v, want io.EOF", err)
	}
}

func TestFinite(t *testing.T) {
	path := writeCapture(t, 8)
	tests := []struct {
		extra string
		want  bool
	}{
		{"", false},
		{",repeat=true", false},
		{",repeat=false", true},
	}
	for _, tt := range tests {
		src, err := NewFileSource(captureArgs(path, tt.extra))
		if err != nil {
			t.Fatalf("NewFileSource(%q) = %v", tt.extra, err)
		}
		if got := src.Finite(); got != tt.want {
			t.Errorf("Finite() with %q = %v, want %v", tt.extra, got, tt.want)
		}
		src.Close()
	}
}
