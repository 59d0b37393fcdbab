package main

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/golacq/config"
	"github.com/nasa-jpl/golacq/device"
)

func TestMockChannels(t *testing.T) {
	cases := []struct {
		name string
		o    device.Options
		want int
	}{
		{"default", device.Options{}, 2},
		{"channels", device.Options{Channels: make([]device.ChannelOptions, 3)}, 3},
		{"selection", device.Options{Channels: make([]device.ChannelOptions, 4), Selection: []int{1, 3}}, 2},
	}
	for _, c := range cases {
		if got := mockChannels(c.o); got != c.want {
			t.Errorf("%s: got %d channels, want %d", c.name, got, c.want)
		}
	}
}

func TestMockOpenerMatchesSelection(t *testing.T) {
	c := config.Default()
	c.Mock = true
	c.Device.Selection = []int{0, 2, 5}
	src, err := opener(c)("ignored")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if src.Channels() != 3 {
		t.Errorf("simulated source has %d channels, want 3", src.Channels())
	}
	if src.Capacity() != mockCapacity {
		t.Errorf("capacity %d, want %d", src.Capacity(), mockCapacity)
	}
}

func TestConfigPathFromEnvironment(t *testing.T) {
	t.Setenv("GOLACQ_CONFIG", "/tmp/other.yml")
	if got := configPath(); got != "/tmp/other.yml" {
		t.Errorf("got %q", got)
	}
	t.Setenv("GOLACQ_CONFIG", "")
	if got := configPath(); got != config.FileName {
		t.Errorf("got %q, want %q", got, config.FileName)
	}
}

func TestSetupLoggingSetsStandardLevel(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	logrus.SetLevel(logrus.InfoLevel)
	setupLogging("warn")
	if got := logrus.GetLevel(); got != logrus.WarnLevel {
		t.Errorf("expected warn, got %s", got)
	}
	setupLogging("nonsense")
	if got := logrus.GetLevel(); got != logrus.InfoLevel {
		t.Errorf("expected an unknown level to fall back to info, got %s", got)
	}

	// a level raised to debug by DEBUG_GOLACQ is kept
	logrus.SetLevel(logrus.DebugLevel)
	setupLogging("info")
	if got := logrus.GetLevel(); got != logrus.DebugLevel {
		t.Errorf("expected debug to be kept, got %s", got)
	}
}
