package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/sdrsource/pkg/discovery"
	"github.com/norasector/sdrsource/pkg/dsp/viz"
	"github.com/norasector/sdrsource/pkg/sdrsource"
	"github.com/norasector/sdrsource/pkg/sdrsource/config"
	"github.com/norasector/sdrsource/pkg/sdrsource/control"
	"github.com/norasector/sdrsource/pkg/sdrsource/output"
	"github.com/norasector/sdrsource/pkg/source"
	"github.com/norasector/sdrsource/pkg/source/cyberradio"
	"github.com/norasector/sdrsource/pkg/source/file"
	"github.com/norasector/sdrsource/pkg/source/hackrf"
	"github.com/norasector/sdrsource/pkg/source/rtlsdr"
	"github.com/norasector/sdrsource/pkg/source/uhd"
	"github.com/norasector/sdrsource/pkg/util"
	"golang.org/x/sync/errgroup"
)

const probeTimeout = 3 * time.Second

func newRegistry() *source.Registry {
	return source.NewRegistry(
		cyberradio.Driver(),
		uhd.Driver(),
		rtlsdr.Driver(),
		hackrf.Driver(),
		file.Driver(),
	)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "sdrsource.yaml", "YAML config file")
	sourceArgs := flag.String("args", "", "source construction arguments, overrides the config file")
	probe := flag.Bool("probe", false, "print discovered devices and advertised servers, then exit")
	logLevel := flag.String("log-level", "", "log level, overrides the config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		// a bare -args run needs no config file
		if !errors.Is(err, fs.ErrNotExist) || *sourceArgs == "" {
			log.Fatal().Err(err).Str("file", *configFile).Msg("error loading config")
		}
		cfg, _ = config.Parse(nil)
	}
	if *sourceArgs != "" {
		cfg.Source = *sourceArgs
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := setupLogging(cfg); err != nil {
		log.Fatal().Err(err).Msg("error configuring logging")
	}

	registry := newRegistry()
	if *probe {
		runProbe(registry, cfg.Source)
		return
	}

	if err := run(cfg, registry); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		log.Fatal().Err(err).Msg("exited program")
	}
	log.Info().Msg("exited")
}

func setupLogging(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.Log.File != "" {
		w = zerolog.MultiLevelWriter(w, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   true,
		})
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger().Level(level)
	return nil
}

func runProbe(registry *source.Registry, hint string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*probeTimeout)
	defer cancel()

	fmt.Println("devices:")
	for _, d := range registry.Devices(ctx, hint) {
		fmt.Println("  " + d)
	}

	hosts, err := discovery.Browse(ctx, probeTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("mdns browse failed")
		return
	}
	fmt.Println("servers:")
	for _, h := range hosts {
		fmt.Printf("  %s driver=%s name=%q\n", h, h.Value("driver"), h.Value("name"))
	}
}

func run(cfg *config.Config, registry *source.Registry) error {
	if cfg.Source == "" {
		return errors.New("no source configured, set source in the config file or pass -args")
	}

	var writeAPI api.WriteAPI = &util.MockWriteAPI{}
	if cfg.InfluxDB.Host != "" {
		client := influxdb2.NewClient(cfg.InfluxDB.Host, cfg.InfluxDB.Token)
		defer client.Close()
		writeAPI = client.WriteAPI(cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
	}

	opts := []source.Option{source.WithLogger(log.Logger), source.WithMetrics(writeAPI)}
	if cfg.SegmentSize > 0 {
		opts = append(opts, source.WithSegmentSize(cfg.SegmentSize))
	}
	log.Info().Str("args", cfg.Source).Msg("initializing device...")
	src, err := registry.Open(cfg.Source, opts...)
	if err != nil {
		return err
	}

	var vizServer *viz.Server
	if cfg.VizServer.Port > 0 {
		vizServer = viz.NewServer(cfg.VizServer.Port, cfg.VizServer.UpdateInterval)
	}

	receiver, err := sdrsource.NewReceiver(src, cfg.ReceiverOptions(),
		sdrsource.WithInfluxDB(writeAPI),
		sdrsource.WithImageServer(vizServer),
		sdrsource.WithLogger(log.Logger))
	if err != nil {
		src.Close()
		return err
	}
	// sinks are sized from the settings the device actually accepted
	if err := receiver.Configure(); err != nil {
		src.Close()
		return err
	}
	sinks, err := buildSinks(cfg, src, receiver, vizServer, writeAPI)
	if err != nil {
		src.Close()
		return err
	}
	receiver.AddSinks(sinks...)

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		return receiver.Stop()
	})

	eg.Go(func() error {
		return receiver.Start(ctx)
	})

	if cfg.Control.Port > 0 {
		controlOpts := []control.Option{
			control.WithLogger(log.Logger),
			control.WithRegistry(registry),
			control.WithAuth(cfg.Control.JWTSecret),
		}
		if cfg.Control.Advertise {
			driver, _ := registry.Lookup(src.Args())
			controlOpts = append(controlOpts, control.WithAdvertise(cfg.Control.Instance, driver.Name))
		}
		server := control.NewServer(src, cfg.Control.Port, controlOpts...)
		eg.Go(func() error {
			return server.Run(ctx)
		})
	}

	return eg.Wait()
}

func buildSinks(cfg *config.Config, src source.Source, receiver *sdrsource.Receiver, vizServer *viz.Server, writeAPI api.WriteAPI) ([]sdrsource.Sink, error) {
	var sinks []sdrsource.Sink

	if cfg.RecordLocation != "" {
		recorder, err := output.NewFileRecorder(cfg.RecordLocation, writeAPI, log.Logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, recorder)
	}

	if len(cfg.OutputDestinations) > 0 {
		sinks = append(sinks, output.NewUDPStream(cfg.OutputDestinations, writeAPI, log.Logger))
	}

	if cfg.Monitor.Enabled {
		centerFreq, err := receiver.CenterFreq()
		if err != nil {
			return nil, err
		}
		opts := []viz.MonitorOption{
			viz.WithMonitorLogger(log.Logger),
			viz.WithMonitorMetrics(writeAPI),
			viz.WithReportInterval(cfg.Monitor.Interval),
			viz.WithPeaks(cfg.Monitor.Peaks),
		}
		if vizServer != nil {
			opts = append(opts, viz.WithMonitorServer(vizServer))
		}
		sinks = append(sinks, viz.NewMonitor(src.Name(), receiver.OutputRate(), centerFreq, opts...))
	}

	return sinks, nil
}
