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

/*
Package daemon is the OS binding of the PTP instance: sockets and
timestamping, timers, the system clock, configuration and the monitoring
endpoint. Everything that blocks lives here; the instance itself stays
synchronous and is driven from a single goroutine.
*/
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/opentimed/ptpd/ptp/datasets"
	"github.com/opentimed/ptpd/ptp/instance"
	"github.com/opentimed/ptpd/ptp/port"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
	"github.com/opentimed/ptpd/timestamp"
)

// Supported transport names
const (
	TransportUDPv4    = "udp4"
	TransportUDPv6    = "udp6"
	TransportEthernet = "ethernet"
)

var errInsaneUTCoffset = errors.New("UTC offset is outside of sane range")

// dcMux guards the dynamic part of the config during SIGHUP reloads
var dcMux = sync.Mutex{}

// PortConfig is the static configuration of one port
type PortConfig struct {
	Iface                   string        `yaml:"iface"`
	Transport               string        `yaml:"transport"`
	DelayMechanism          string        `yaml:"delaymechanism"`
	MasterOnly              bool          `yaml:"masteronly"`
	TwoStep                 bool          `yaml:"twostep"`
	LogAnnounceInterval     int8          `yaml:"logannounceinterval"`
	AnnounceReceiptTimeout  uint8         `yaml:"announcereceipttimeout"`
	LogSyncInterval         int8          `yaml:"logsyncinterval"`
	LogMinDelayReqInterval  int8          `yaml:"logmindelayreqinterval"`
	LogMinPdelayReqInterval int8          `yaml:"logminpdelayreqinterval"`
	DelayAsymmetry          time.Duration `yaml:"delayasymmetry"`
	AcceptableMasters       []string      `yaml:"acceptablemasters"`
}

// StaticConfig is a set of static options which require a daemon restart
type StaticConfig struct {
	ConfigFile     string
	LogLevel       string        `yaml:"loglevel"`
	DSCP           int           `yaml:"dscp"`
	MonitoringPort int           `yaml:"monitoringport"`
	MetricInterval time.Duration `yaml:"metricinterval"`
	TimestampType  string        `yaml:"timestamptype"`
	DomainNumber   uint8         `yaml:"domainnumber"`
	SdoID          uint16        `yaml:"sdoid"`
	SlaveOnly      bool          `yaml:"slaveonly"`
	ClockIdentity  string        `yaml:"clockidentity"`
	Ports          []PortConfig  `yaml:"ports"`
}

// DynamicConfig is a set of dynamic options which don't need a daemon restart
type DynamicConfig struct {
	// Priority1 of the local clock in the BMCA
	Priority1 uint8 `yaml:"priority1"`
	// Priority2 of the local clock in the BMCA
	Priority2 uint8 `yaml:"priority2"`
	// ClockClass to advertise while we are the grandmaster
	ClockClass ptp.ClockClass `yaml:"clockclass"`
	// ClockAccuracy to advertise while we are the grandmaster
	ClockAccuracy ptp.ClockAccuracy `yaml:"clockaccuracy"`
	// UTCOffset is the current TAI-UTC offset
	UTCOffset time.Duration `yaml:"utcoffset"`
	// StepThreshold above which the servo steps the clock instead of steering
	StepThreshold time.Duration `yaml:"stepthreshold"`
}

// Config is a daemon config structure
type Config struct {
	StaticConfig
	DynamicConfig

	clockIdentity ptp.ClockIdentity
}

// UTCOffsetSanity checks if the UTC offset has an adequate value.
// As of 2024 the TAI-UTC offset is 37 seconds.
func (dc *DynamicConfig) UTCOffsetSanity() error {
	if dc.UTCOffset < 30*time.Second || dc.UTCOffset > 50*time.Second {
		return errInsaneUTCoffset
	}
	return nil
}

// DefaultConfig returns the config defaults
func DefaultConfig() *Config {
	return &Config{
		StaticConfig: StaticConfig{
			LogLevel:       "warning",
			MonitoringPort: 8889,
			MetricInterval: time.Minute,
			TimestampType:  timestamp.HWTIMESTAMP,
		},
		DynamicConfig: DynamicConfig{
			Priority1:     128,
			Priority2:     128,
			ClockClass:    ptp.ClockClassDefault,
			ClockAccuracy: ptp.ClockAccuracyUnknown,
			UTCOffset:     37 * time.Second,
			StepThreshold: time.Millisecond,
		},
	}
}

// ReadConfig loads the config from a yaml file on top of the defaults
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, &c.StaticConfig); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, &c.DynamicConfig); err != nil {
		return nil, err
	}
	c.ConfigFile = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReloadDynamicConfig re-reads the dynamic part of the config file
func (c *Config) ReloadDynamicConfig() (*DynamicConfig, error) {
	dcMux.Lock()
	defer dcMux.Unlock()
	cData, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return nil, err
	}
	dc := c.DynamicConfig
	if err := yaml.Unmarshal(cData, &dc); err != nil {
		return nil, err
	}
	if err := dc.UTCOffsetSanity(); err != nil {
		return nil, err
	}
	c.DynamicConfig = dc
	return &dc, nil
}

// Validate checks the config makes sense
func (c *Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("no ports configured")
	}
	for n, pc := range c.Ports {
		if pc.Iface == "" {
			return fmt.Errorf("port %d has no iface", n+1)
		}
		switch pc.Transport {
		case "", TransportUDPv4, TransportUDPv6, TransportEthernet:
		default:
			return fmt.Errorf("port %d has unsupported transport %q", n+1, pc.Transport)
		}
		switch pc.DelayMechanism {
		case "", "e2e", "E2E", "p2p", "P2P":
		default:
			return fmt.Errorf("port %d has unsupported delay mechanism %q", n+1, pc.DelayMechanism)
		}
		if pc.MasterOnly && c.SlaveOnly {
			return fmt.Errorf("port %d is masteronly on a slaveonly instance", n+1)
		}
	}
	switch c.TimestampType {
	case timestamp.HWTIMESTAMP, timestamp.SWTIMESTAMP:
	default:
		return fmt.Errorf("unsupported timestamp type %q", c.TimestampType)
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("unsupported DSCP value %d", c.DSCP)
	}
	return c.UTCOffsetSanity()
}

// ParseClockIdentity parses a clock identity from hex, with or without the
// ptp4l-style dot separators
func ParseClockIdentity(s string) (ptp.ClockIdentity, error) {
	clean := strings.NewReplacer(".", "", ":", "", "0x", "").Replace(strings.ToLower(s))
	v, err := strconv.ParseUint(clean, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing clock identity %q: %w", s, err)
	}
	return ptp.ClockIdentity(v), nil
}

// EnsureClockIdentity determines the clock identity: an explicit config
// value wins, otherwise it is derived from the MAC address of the first
// port's interface
func (c *Config) EnsureClockIdentity() error {
	if c.ClockIdentity != "" {
		ci, err := ParseClockIdentity(c.ClockIdentity)
		if err != nil {
			return err
		}
		c.clockIdentity = ci
		return nil
	}
	iface, err := net.InterfaceByName(c.Ports[0].Iface)
	if err != nil {
		return err
	}
	ci, err := ptp.NewClockIdentity(iface.HardwareAddr)
	if err != nil {
		return err
	}
	c.clockIdentity = ci
	return nil
}

func (pc *PortConfig) delayMechanism() datasets.DelayMechanism {
	switch pc.DelayMechanism {
	case "p2p", "P2P":
		return datasets.DelayMechanismP2P
	default:
		return datasets.DelayMechanismE2E
	}
}

// InstanceConfig converts the daemon config into the core instance config
func (c *Config) InstanceConfig() (*instance.Config, error) {
	ic := &instance.Config{
		ClockIdentity: c.clockIdentity,
		Priority1:     c.Priority1,
		Priority2:     c.Priority2,
		DomainNumber:  c.DomainNumber,
		SlaveOnly:     c.SlaveOnly,
		SdoID:         c.SdoID,
		TimeProperties: datasets.TimePropertiesDS{
			CurrentUTCOffset:      int16(c.UTCOffset / time.Second),
			CurrentUTCOffsetValid: true,
			PTPTimescale:          true,
			TimeSource:            ptp.TimeSourceInternalOscillator,
		},
	}
	for n, pc := range c.Ports {
		acceptable := []ptp.ClockIdentity{}
		for _, s := range pc.AcceptableMasters {
			ci, err := ParseClockIdentity(s)
			if err != nil {
				return nil, err
			}
			acceptable = append(acceptable, ci)
		}
		ic.Ports = append(ic.Ports, &port.Config{
			PortNumber:              uint16(n + 1),
			LogAnnounceInterval:     ptp.LogInterval(pc.LogAnnounceInterval),
			AnnounceReceiptTimeout:  pc.AnnounceReceiptTimeout,
			LogSyncInterval:         ptp.LogInterval(pc.LogSyncInterval),
			LogMinDelayReqInterval:  ptp.LogInterval(pc.LogMinDelayReqInterval),
			LogMinPdelayReqInterval: ptp.LogInterval(pc.LogMinPdelayReqInterval),
			DelayMechanism:          pc.delayMechanism(),
			MasterOnly:              pc.MasterOnly,
			TwoStep:                 pc.TwoStep,
			DelayAsymmetry:          pc.DelayAsymmetry,
			AcceptableMasters:       acceptable,
		})
	}
	return ic, nil
}
