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
Package timestamp provides SW and HW packet timestamping support: enabling
timestamp generation on sockets and reading RX/TX timestamps alongside the
packets. Timestamps captured close to the wire are what makes
sub-microsecond synchronization possible at all; the software fallbacks are
kept for NICs that cannot do better.
*/
package timestamp

import (
	"net"

	"golang.org/x/sys/unix"
)

const (
	// ControlSizeBytes is the size of the control message buffer. If a read
	// fails we may end up with multiple timestamps in the buffer, which is
	// best to read right away.
	ControlSizeBytes = 128
	// PayloadSizeBytes fits any PTP packet
	PayloadSizeBytes = 128
	// maxTXTS limits how many queued TX timestamps we'll look through
	maxTXTS = 100
)

// Supported timestamping types
const (
	// HWTIMESTAMP is a hardware timestamp
	HWTIMESTAMP = "hardware"
	// SWTIMESTAMP is a software timestamp
	SWTIMESTAMP = "software"
)

// ConnFd returns the file descriptor of a UDP connection
func ConnFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var intfd int
	err = sc.Control(func(fd uintptr) {
		intfd = int(fd)
	})
	if err != nil {
		return -1, err
	}
	return intfd, nil
}

// IPToSockaddr converts IP + port into a socket address
func IPToSockaddr(ip net.IP, port int) unix.Sockaddr {
	if ip.To4() != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip.To4())
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// SockaddrToIP converts a socket address to an IP
func SockaddrToIP(sa unix.Sockaddr) net.IP {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Addr[0:]
	case *unix.SockaddrInet6:
		return sa.Addr[0:]
	}
	return nil
}
