/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opentimed/ptpd/ptp/daemon"
	"github.com/opentimed/ptpd/timestamp"
)

func main() {
	c := daemon.DefaultConfig()

	var configFile string
	var pprofaddr string
	var iface string

	flag.StringVar(&configFile, "config", "", "Path to the config file")
	flag.StringVar(&iface, "iface", "", "Shortcut for a single-port E2E setup on this interface, used when no config file is given")
	flag.StringVar(&c.LogLevel, "loglevel", c.LogLevel, "Set a log level. Can be: debug, info, warning, error")
	flag.IntVar(&c.MonitoringPort, "monitoringport", c.MonitoringPort, "Port to run monitoring server on")
	flag.DurationVar(&c.MetricInterval, "metricinterval", c.MetricInterval, "Interval of updating system metrics")
	flag.StringVar(&c.TimestampType, "timestamptype", c.TimestampType, fmt.Sprintf("Timestamp type. Can be: %s, %s", timestamp.HWTIMESTAMP, timestamp.SWTIMESTAMP))
	flag.DurationVar(&c.UTCOffset, "utcoffset", c.UTCOffset, "Set the UTC offset")
	flag.BoolVar(&c.SlaveOnly, "slaveonly", false, "Never act as a master")
	flag.StringVar(&pprofaddr, "pprofaddr", "", "host:port for the pprof to bind")

	flag.Parse()

	if configFile != "" {
		loaded, err := daemon.ReadConfig(configFile)
		if err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
		c = loaded
	} else if iface != "" {
		c.Ports = []daemon.PortConfig{{Iface: iface}}
		if err := c.Validate(); err != nil {
			log.Fatal(err)
		}
	} else {
		log.Fatal("Either -config or -iface must be provided")
	}

	switch c.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", c.LogLevel)
	}

	switch c.TimestampType {
	case timestamp.SWTIMESTAMP:
		log.Warning("Software timestamps greatly reduce the precision")
	case timestamp.HWTIMESTAMP:
		log.Debugf("Using %s timestamps", c.TimestampType)
	default:
		log.Fatalf("Unrecognized timestamp type: %s", c.TimestampType)
	}

	if pprofaddr != "" {
		log.Warningf("Starting profiler on %s", pprofaddr)
		go func() {
			log.Println(http.ListenAndServe(pprofaddr, nil))
		}()
	}

	d, err := daemon.New(c)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer cancel()
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
	// give the sockets a moment to wind down
	time.Sleep(100 * time.Millisecond)
}
