package device

import (
	"math"
	"time"

	"github.com/nasa-jpl/golacq/calib"
	"github.com/nasa-jpl/golacq/util"
)

const (
	// DefaultDevicePacket is the transfer size of the driver, in samples
	DefaultDevicePacket = 512

	// DefaultRange is the input range of channels without one, in volts
	DefaultRange = 10.
)

// ChannelOptions configures one input channel
type ChannelOptions struct {
	// Index is the hardware channel number
	Index int `koanf:"Index" yaml:"Index"`

	// Name defaults to "AI Channel <Index>"
	Name string `koanf:"Name" yaml:"Name"`

	// Min and Max are the input range in volts.  Both zero means ±10
	Min float64 `koanf:"Min" yaml:"Min"`
	Max float64 `koanf:"Max" yaml:"Max"`

	// Calibration replaces the linear range map when it has coefficients
	Calibration *calib.Polynomial `koanf:"Calibration" yaml:"Calibration,omitempty"`
}

// Options configure a Session
type Options struct {
	// DevicePath is handed to the opener, a shared ring file or "sim"
	DevicePath string `koanf:"DevicePath" yaml:"DevicePath"`

	// Board names the hardware in stream names
	Board string `koanf:"Board" yaml:"Board"`

	// SamplingRate is the requested rate in Hz per channel
	SamplingRate float64 `koanf:"SamplingRate" yaml:"SamplingRate"`

	// BufferLength is the requested history of the double buffer, in seconds
	BufferLength float64 `koanf:"BufferLength" yaml:"BufferLength"`

	// DevicePacket is the driver transfer size in samples over all channels
	DevicePacket int `koanf:"DevicePacket" yaml:"DevicePacket"`

	// Channels lists the channels of the device.  Empty means every channel
	// the source carries, with default names and ranges
	Channels []ChannelOptions `koanf:"Channels" yaml:"Channels"`

	// Selection is the list of indexes to acquire; empty acquires all
	Selection []int `koanf:"Selection" yaml:"Selection"`

	// SleepTime is how long the loop idles when the driver has nothing new
	SleepTime time.Duration `koanf:"SleepTime" yaml:"SleepTime"`
}

// DefaultOptions are sensible options for a simulated device
func DefaultOptions() Options {
	return Options{
		DevicePath:   "sim",
		Board:        "sim",
		SamplingRate: 1000,
		BufferLength: 10,
		DevicePacket: DefaultDevicePacket,
		SleepTime:    10 * time.Millisecond,
	}
}

// Channel is a configured channel, immutable once the session is initialized
type Channel struct {
	Index int         `json:"index"`
	Name  string      `json:"name"`
	Range calib.Range `json:"range"`

	poly *calib.Polynomial
}

// Converter returns the raw to volts converter of the channel
func (c Channel) Converter() calib.Converter {
	return calib.For(c.Range, calib.Domain16, c.poly)
}

// DefaultChannels describes n channels with default names and ranges
func DefaultChannels(n int) []ChannelOptions {
	out := make([]ChannelOptions, n)
	for i := range out {
		out[i] = ChannelOptions{Index: i}
	}
	return out
}

// RealizedRate is the rate a timed scan can actually run at.  The scan period
// is quantized to whole nanoseconds and split evenly into channel conversions,
// themselves whole nanoseconds
func RealizedRate(rate float64, channels int) float64 {
	scan := int64(1e9 / rate)
	convert := scan / int64(channels)
	return 1e9 / float64(convert) / float64(channels)
}

// PacketSize is the number of samples per channel in one driver packet
func PacketSize(devicePacket, channels int) int {
	return devicePacket / channels
}

// BufferRows is the length of the requested history in samples, truncated
// to whole packets
func BufferRows(rate, length float64, packet int) int {
	return util.AlignDown(int(rate*length), packet)
}

// validRate reports whether a rate can be scheduled at all
func validRate(rate float64, channels int) bool {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return false
	}
	return int64(1e9/rate)/int64(channels) > 0
}
