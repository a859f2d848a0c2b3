package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/norasector/sdrsource/pkg/sdrsource"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// Source is the construction argument string, e.g. "rtlsdr=0,bias=1".
	Source             string              `yaml:"source"`
	CenterFreq         float64             `yaml:"center_freq"`
	SampleRate         float64             `yaml:"sample_rate"`
	Gain               float64             `yaml:"gain"`
	GainMode           string              `yaml:"gain_mode"`
	Antenna            string              `yaml:"antenna"`
	FreqCorr           float64             `yaml:"freq_corr"`
	Channel            int                 `yaml:"channel"`
	TuneOffset         float64             `yaml:"tune_offset"`
	Decimation         int                 `yaml:"decimation"`
	SegmentSize        int                 `yaml:"segment_size"`
	RecordLocation     string              `yaml:"record_location"`
	OutputDestinations []OutputDestination `yaml:"output_destinations"`
	Monitor            struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
		Peaks    int           `yaml:"peaks"`
	} `yaml:"monitor"`
	VizServer struct {
		Port           int           `yaml:"port"`
		UpdateInterval time.Duration `yaml:"update_interval"`
	} `yaml:"viz_server"`
	Control struct {
		Port      int    `yaml:"port"`
		JWTSecret string `yaml:"jwt_secret"`
		Advertise bool   `yaml:"advertise"`
		Instance  string `yaml:"instance"`
	} `yaml:"control"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Token        string `yaml:"token"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (d OutputDestination) String() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Load reads a YAML config file and fills in defaults.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(contents)
}

func Parse(contents []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(contents, &c); err != nil {
		return nil, fmt.Errorf("error unmarshaling yaml: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.GainMode == "" && c.Gain != 0 {
		c.GainMode = sdrsource.GainModeManual
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 5 * time.Second
	}
	if c.Monitor.Peaks == 0 {
		c.Monitor.Peaks = 3
	}
	if c.VizServer.UpdateInterval == 0 {
		c.VizServer.UpdateInterval = time.Second
	}
	if c.Control.Instance == "" {
		c.Control.Instance = "sdrsource"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
}

// Validate checks the fields that can be checked without a device. An empty
// Source is allowed since the command line may supply it.
func (c *Config) Validate() error {
	if err := c.ReceiverOptions().Validate(); err != nil {
		return err
	}
	if c.SegmentSize < 0 {
		return fmt.Errorf("invalid segment size %d", c.SegmentSize)
	}
	for _, d := range c.OutputDestinations {
		if d.Host == "" || d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("invalid output destination %q", d.String())
		}
	}
	if c.VizServer.Port < 0 || c.Control.Port < 0 {
		return errors.New("ports must not be negative")
	}
	if c.Control.Advertise && c.Control.Port == 0 {
		return errors.New("control.advertise requires control.port")
	}
	return nil
}

func (c *Config) ReceiverOptions() sdrsource.Options {
	return sdrsource.Options{
		CenterFreq: c.CenterFreq,
		SampleRate: c.SampleRate,
		Gain:       c.Gain,
		GainMode:   c.GainMode,
		Antenna:    c.Antenna,
		FreqCorr:   c.FreqCorr,
		Channel:    c.Channel,
		TuneOffset: c.TuneOffset,
		Decimation: c.Decimation,
	}
}
