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

package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jsimonetti/rtnetlink"
	log "github.com/sirupsen/logrus"
)

// linkEvent reports an interface going up or down
type linkEvent struct {
	portNumber uint16
	up         bool
}

// linkMonitor polls interface operational state over rtnetlink and reports
// transitions, so ports whose interface died can go Faulty without waiting
// for a socket error
type linkMonitor struct {
	conn     *rtnetlink.Conn
	interval time.Duration
	// iface index per port number
	watched map[uint16]uint32
	state   map[uint16]bool
}

func newLinkMonitor(ports []PortConfig, interval time.Duration) (*linkMonitor, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, err
	}
	m := &linkMonitor{
		conn:     conn,
		interval: interval,
		watched:  map[uint16]uint32{},
		state:    map[uint16]bool{},
	}
	for n, pc := range ports {
		iface, err := net.InterfaceByName(pc.Iface)
		if err != nil {
			conn.Close()
			return nil, err
		}
		m.watched[uint16(n+1)] = uint32(iface.Index)
		m.state[uint16(n+1)] = true
	}
	return m, nil
}

func (m *linkMonitor) up(index uint32) (bool, error) {
	msg, err := m.conn.Link.Get(index)
	if err != nil {
		return false, err
	}
	if msg.Attributes == nil {
		return false, fmt.Errorf("link %d has no attributes", index)
	}
	return msg.Attributes.OperationalState == rtnetlink.OperStateUp, nil
}

// Run polls until the context is done, sending transitions into events
func (m *linkMonitor) Run(ctx context.Context, events chan<- linkEvent) error {
	defer m.conn.Close()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for portNumber, index := range m.watched {
				up, err := m.up(index)
				if err != nil {
					log.Warningf("failed to read link state of port %d: %v", portNumber, err)
					continue
				}
				if up != m.state[portNumber] {
					m.state[portNumber] = up
					events <- linkEvent{portNumber: portNumber, up: up}
				}
			}
		}
	}
}
