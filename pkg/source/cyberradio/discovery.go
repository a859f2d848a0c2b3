package cyberradio

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/norasector/sdrsource/pkg/source"
	"github.com/rs/zerolog/log"
)

const probeTimeout = 500 * time.Millisecond

// Devices probes the hosts named by the hint ("host=a;b", default
// 192.168.0.10) and describes every radio that answers. Unreachable hosts
// are skipped.
func Devices(ctx context.Context, hint source.Args) ([]string, error) {
	radioType := hint.Get("type", DefaultType)
	if _, err := LookupModel(radioType); err != nil {
		return nil, err
	}
	port, err := hint.Int("port", DefaultControlPort)
	if err != nil {
		return nil, err
	}
	timeout, err := hint.Duration("timeout", probeTimeout)
	if err != nil {
		return nil, err
	}

	devices := make([]string, 0)
	for _, host := range strings.Split(hint.Get("host", DefaultHost), ";") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		desc, ok := probe(ctx, radioType, host, port, timeout)
		if ok {
			devices = append(devices, desc)
		}
	}
	return devices, nil
}

func probe(ctx context.Context, radioType, host string, port int, timeout time.Duration) (string, bool) {
	logger := log.With().Str("driver", DriverName).Str("host", host).Logger()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	radio, err := GetRadioObject(pctx, radioType, host, port, timeout, logger)
	if err != nil {
		logger.Debug().Err(err).Msg("no radio")
		return "", false
	}
	defer radio.Close()

	id, err := radio.Identity()
	if err != nil {
		logger.Debug().Err(err).Msg("radio did not identify")
		return "", false
	}

	model := radio.Model()
	label := "CyberRadio " + model.Name
	if id.Serial != "" {
		label += " " + id.Serial
	}
	args := source.ParseArgs(DriverName).
		With("host", host).
		With("type", model.Name).
		With("label", label)
	if port != DefaultControlPort {
		args = args.With("port", strconv.Itoa(port))
	}
	return args.String(), true
}
