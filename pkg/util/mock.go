package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// MockWriteAPI is the api.WriteAPI used when no InfluxDB is configured. It
// keeps the points written to it so tests can inspect them.
type MockWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
}

func (m *MockWriteAPI) WriteRecord(line string) {}

func (m *MockWriteAPI) WritePoint(point *write.Point) {
	m.mu.Lock()
	m.points = append(m.points, point)
	// bounded so a long running process without InfluxDB does not grow
	if len(m.points) > 1024 {
		m.points = append(m.points[:0], m.points[len(m.points)-512:]...)
	}
	m.mu.Unlock()
}

// Points returns the retained points named measurement, or all of them when
// measurement is empty.
func (m *MockWriteAPI) Points(measurement string) []*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*write.Point
	for _, p := range m.points {
		if measurement == "" || p.Name() == measurement {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockWriteAPI) Flush() {}

func (m *MockWriteAPI) Close() {}

func (m *MockWriteAPI) Errors() <-chan error { return nil }
