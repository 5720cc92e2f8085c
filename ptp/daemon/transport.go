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
	"time"

	"github.com/opentimed/ptpd/ptp/port"
)

// inPacket is one received packet with its receive timestamp, as delivered
// to the daemon run loop
type inPacket struct {
	portNumber uint16
	data       []byte
	ts         time.Time
}

// Transport moves PTP packets in and out of one network interface. Send
// returns the transmit timestamp when the message class requires one and
// the hardware (or the software fallback) could produce it; a zero
// timestamp means the core should fall back to its own clock reading.
type Transport interface {
	// Send transmits a message of the given class
	Send(b []byte, class port.MessageClass) (time.Time, error)
	// Run receives packets into rx until the context is done
	Run(ctx context.Context, rx chan<- *inPacket) error
	// Close releases the sockets
	Close() error
}

// NewTransport opens the transport described by the port config
func NewTransport(portNumber uint16, pc *PortConfig, timestampType string, dscpValue int) (Transport, error) {
	switch pc.Transport {
	case "", TransportUDPv4:
		return newUDPTransport(portNumber, pc.Iface, false, timestampType, dscpValue)
	case TransportUDPv6:
		return newUDPTransport(portNumber, pc.Iface, true, timestampType, dscpValue)
	case TransportEthernet:
		return newEthTransport(portNumber, pc.Iface, timestampType)
	}
	return nil, fmt.Errorf("unsupported transport %q", pc.Transport)
}
