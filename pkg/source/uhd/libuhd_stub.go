//go:build !uhd
// +build !uhd

package uhd

import (
	"fmt"

	"github.com/norasector/sdrsource/pkg/source"
)

// Open needs a build with the uhd tag and libuhd installed.
func Open(addr string) (Device, error) {
	return nil, fmt.Errorf("uhd: %w (rebuild with -tags uhd)", source.ErrNoDriver)
}

func Find(hint string) ([]string, error) {
	return nil, fmt.Errorf("uhd: %w", source.ErrNoDriver)
}
