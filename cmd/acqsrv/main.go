package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/golacq/config"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is read from the working directory unless
	// GOLACQ_CONFIG names another file
	ConfigFileName = config.FileName

	log = logrus.WithField("logger", "golacq/acqsrv")
)

func configPath() string {
	if p := os.Getenv("GOLACQ_CONFIG"); p != "" {
		return p
	}
	return ConfigFileName
}

func loadconfig() config.Config {
	c, err := config.Load(configPath())
	if err != nil {
		log.WithError(err).Fatal("error loading config")
	}
	return c
}

func root() {
	str := `acqsrv runs a continuous acquisition from a ring buffer driver into a
shared double buffer and exposes an HTTP interface to control it.

Usage:
	acqsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `acqsrv is amenable to configuration via its .yml file, golacq.yml in the
working directory or the file named by $GOLACQ_CONFIG.  For a primer on YAML,
see https://yaml.org/start.html

Device.DevicePath names a shared ring file written by a producer such as
ringsim.  With Mock: true a simulated driver producing sine waves at MockRate
rows per second is used instead.

Samples are written to a double buffer file in ShmDir with a YAML descriptor
next to it.  The absolute write position is published as a msgpack integer on
PublishAddr (ZeroMQ PUB) and pushed to websocket clients of /position/ws.

Routes:
	POST /start, POST /stop
	GET /status, GET /info, GET /position, GET /position/ws
	GET /snapshot.fits?n=<samples>
	GET /monitor, GET /metrics
	GET|POST /lock
	GET /route-list`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	if err := config.WriteFile(configPath(), c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	if err := config.Write(os.Stdout, c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("acqsrv version %v\n", Version)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		if err := run(loadconfig()); err != nil {
			log.Fatal(err)
		}
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
