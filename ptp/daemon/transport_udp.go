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

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/opentimed/ptpd/dscp"
	"github.com/opentimed/ptpd/ptp/port"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
	"github.com/opentimed/ptpd/timestamp"
)

// PTP multicast groups, Annex C and D
var (
	mcastV4 = net.ParseIP("224.0.1.129")
	mcastV6 = net.ParseIP("ff0e::181")
)

// udpTransport is PTP over UDP/IPv4 or UDP/IPv6: event messages on port
// 319 with timestamping enabled, general messages on port 320
type udpTransport struct {
	portNumber uint16
	iface      *net.Interface
	v6         bool

	eventConn   *net.UDPConn
	generalConn *net.UDPConn
	eventSock   *timestamp.Sock
	eventDst    *net.UDPAddr
	generalDst  *net.UDPAddr
}

func newUDPTransport(portNumber uint16, ifname string, v6 bool, timestampType string, dscpValue int) (*udpTransport, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, err
	}
	t := &udpTransport{
		portNumber: portNumber,
		iface:      iface,
		v6:         v6,
	}
	group := mcastV4
	bindIP := net.IPv4zero
	if v6 {
		group = mcastV6
		bindIP = net.IPv6zero
	}
	t.eventDst = &net.UDPAddr{IP: group, Port: ptp.PortEvent}
	t.generalDst = &net.UDPAddr{IP: group, Port: ptp.PortGeneral}

	if t.eventConn, err = net.ListenUDP(t.network(), &net.UDPAddr{IP: bindIP, Port: ptp.PortEvent}); err != nil {
		return nil, err
	}
	if t.generalConn, err = net.ListenUDP(t.network(), &net.UDPAddr{IP: bindIP, Port: ptp.PortGeneral}); err != nil {
		t.eventConn.Close()
		return nil, err
	}
	if err := t.joinGroups(); err != nil {
		t.Close()
		return nil, err
	}

	eventFd, err := timestamp.ConnFd(t.eventConn)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.eventSock = timestamp.NewSock(eventFd)
	if dscpValue > 0 {
		generalFd, err := timestamp.ConnFd(t.generalConn)
		if err != nil {
			t.Close()
			return nil, err
		}
		for _, fd := range []int{eventFd, generalFd} {
			if err := dscp.Enable(fd, bindIP, dscpValue); err != nil {
				t.Close()
				return nil, fmt.Errorf("failed to set DSCP on %s: %w", ifname, err)
			}
		}
	}
	if err := t.eventSock.Enable(timestampType, ifname); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to enable %s timestamps on %s: %w", timestampType, ifname, err)
	}
	return t, nil
}

func (t *udpTransport) network() string {
	if t.v6 {
		return "udp6"
	}
	return "udp4"
}

func (t *udpTransport) joinGroups() error {
	if t.v6 {
		for _, conn := range []*net.UDPConn{t.eventConn, t.generalConn} {
			p := ipv6.NewPacketConn(conn)
			if err := p.JoinGroup(t.iface, &net.UDPAddr{IP: mcastV6}); err != nil {
				return err
			}
			if err := p.SetMulticastHopLimit(1); err != nil {
				return err
			}
			if err := p.SetMulticastLoopback(false); err != nil {
				return err
			}
		}
		return nil
	}
	for _, conn := range []*net.UDPConn{t.eventConn, t.generalConn} {
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(t.iface, &net.UDPAddr{IP: mcastV4}); err != nil {
			return err
		}
		if err := p.SetMulticastTTL(1); err != nil {
			return err
		}
		if err := p.SetMulticastLoopback(false); err != nil {
			return err
		}
	}
	return nil
}

// Send transmits the message and, for event messages, fishes the TX
// timestamp out of the socket error queue
func (t *udpTransport) Send(b []byte, class port.MessageClass) (time.Time, error) {
	if class == port.ClassGeneral {
		_, err := t.generalConn.WriteToUDP(b, t.generalDst)
		return time.Time{}, err
	}
	if _, err := t.eventConn.WriteToUDP(b, t.eventDst); err != nil {
		return time.Time{}, err
	}
	ts, attempts, err := t.eventSock.TXTimestamp()
	if err != nil {
		// a lost TX timestamp degrades the measurement, it doesn't kill the port
		log.Debugf("port %d: no TX timestamp after %d attempts: %v", t.portNumber, attempts, err)
		return time.Time{}, nil
	}
	return ts, nil
}

// Run receives packets from both sockets until the context is done
func (t *udpTransport) Run(ctx context.Context, rx chan<- *inPacket) error {
	doneChan := make(chan error, 2)
	go func() {
		for {
			data, _, ts, err := t.eventSock.Read()
			if err != nil {
				doneChan <- err
				return
			}
			rx <- &inPacket{portNumber: t.portNumber, data: data, ts: ts}
		}
	}()
	go func() {
		for {
			buf := make([]byte, 1024)
			n, _, err := t.generalConn.ReadFromUDP(buf)
			if err != nil {
				doneChan <- err
				return
			}
			rx <- &inPacket{portNumber: t.portNumber, data: buf[:n]}
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-doneChan:
		return err
	}
}

// Close releases the sockets
func (t *udpTransport) Close() error {
	if t.eventConn != nil {
		t.eventConn.Close()
	}
	if t.generalConn != nil {
		t.generalConn.Close()
	}
	return nil
}
