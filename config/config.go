/*Package config loads the configuration of the acquisition server.

Defaults come from Default, are overlaid with a YAML file if it exists and
are unmarshaled into a Config.  Keys are the field names, e.g.

	Addr: ":8000"
	Device:
	  DevicePath: /dev/shm/golacq-ring
	  SamplingRate: 20000
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/golacq/device"
)

// FileName is the default configuration file
const FileName = "golacq.yml"

// Config is the configuration of cmd/acqsrv
type Config struct {
	// Addr is the HTTP listen address
	Addr string `koanf:"Addr" yaml:"Addr"`

	// PublishAddr is the ZeroMQ endpoint positions are published on.
	// Empty disables ZeroMQ
	PublishAddr string `koanf:"PublishAddr" yaml:"PublishAddr"`

	// ShmDir holds the shared stream buffers and their descriptors.
	// Empty keeps buffers in process memory
	ShmDir string `koanf:"ShmDir" yaml:"ShmDir"`

	// Mock runs against a simulated source
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// MockRate is the row rate of the simulated source
	MockRate float64 `koanf:"MockRate" yaml:"MockRate"`

	// LogLevel is a logrus level name
	LogLevel string `koanf:"LogLevel" yaml:"LogLevel"`

	// Device configures the acquisition session
	Device device.Options `koanf:"Device" yaml:"Device"`

	// Monitor configures the health sampler
	Monitor Monitor `koanf:"Monitor" yaml:"Monitor"`
}

// Monitor configures the health sampler
type Monitor struct {
	// Interval between samples, in seconds
	Interval float64 `koanf:"Interval" yaml:"Interval"`

	// History is the number of samples kept
	History int `koanf:"History" yaml:"History"`
}

// Default returns the built in configuration
func Default() Config {
	return Config{
		Addr:        ":8000",
		PublishAddr: "tcp://*:8001",
		ShmDir:      "/dev/shm",
		MockRate:    1000,
		LogLevel:    "info",
		Device:      device.DefaultOptions(),
		Monitor:     Monitor{Interval: 1, History: 600},
	}
}

// Load overlays the file at path, if it exists, on the defaults
func Load(path string) (Config, error) {
	k := koanf.New(".")
	c := Config{}
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, err
	}
	if path != "" {
		// a missing file leaves the defaults
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return c, fmt.Errorf("loading %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return c, err
		}
	}
	err := k.Unmarshal("", &c)
	return c, err
}

// Write encodes c as YAML
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

// WriteFile writes c to path
func WriteFile(path string, c Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, c)
}
