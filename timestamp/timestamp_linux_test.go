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

package timestamp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func timespecBytes(sec, nsec int64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], uint64(sec))
	binary.LittleEndian.PutUint64(b[8:16], uint64(nsec))
	return b
}

func scmPayload(slots ...[]byte) []byte {
	data := []byte{}
	for _, s := range slots {
		data = append(data, s...)
	}
	return data
}

func TestTimespecAt(t *testing.T) {
	data := scmPayload(
		timespecBytes(500, 100),
		timespecBytes(0, 0),
		timespecBytes(1676053492, 123456789),
	)
	assert.Equal(t, time.Unix(500, 100), timespecAt(data, 0))
	assert.Equal(t, time.Unix(1676053492, 123456789), timespecAt(data, 2))
	// out of bounds reads as empty
	assert.True(t, timespecAt(data, 3).IsZero())
}

func TestTimestampFromPayloadPrefersHardware(t *testing.T) {
	data := scmPayload(
		timespecBytes(500, 100), // software
		timespecBytes(0, 0),
		timespecBytes(1000, 200), // hardware
	)
	ts, err := timestampFromPayload(data)
	require.Nil(t, err)
	assert.Equal(t, time.Unix(1000, 200), ts)
}

func TestTimestampFromPayloadSoftwareFallback(t *testing.T) {
	data := scmPayload(
		timespecBytes(500, 100),
		timespecBytes(0, 0),
		timespecBytes(0, 0),
	)
	ts, err := timestampFromPayload(data)
	require.Nil(t, err)
	assert.Equal(t, time.Unix(500, 100), ts)
}

func TestTimestampFromPayloadAllZero(t *testing.T) {
	_, err := timestampFromPayload(make([]byte, 48))
	assert.Error(t, err)
}

func TestCmsgTimestampNoMessages(t *testing.T) {
	_, err := cmsgTimestamp([]byte{})
	assert.Error(t, err)
}

func TestSockOwnsBuffers(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	fd, err := ConnFd(conn)
	require.NoError(t, err)

	s := NewSock(fd)
	assert.Equal(t, fd, s.Fd())
	assert.Len(t, s.buf, PayloadSizeBytes)
	assert.Len(t, s.oob, ControlSizeBytes)

	// software timestamping works on any UDP socket
	require.NoError(t, s.Enable(SWTIMESTAMP, ""))
	assert.Error(t, s.Enable("avian-carrier", ""))
}

func TestSockaddrRoundTrip(t *testing.T) {
	ip4 := net.ParseIP("192.168.0.42")
	sa := IPToSockaddr(ip4, 319)
	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, 319, sa4.Port)
	assert.True(t, SockaddrToIP(sa).Equal(ip4))

	ip6 := net.ParseIP("2401:db00::1")
	sa = IPToSockaddr(ip6, 320)
	sa6, ok := sa.(*unix.SockaddrInet6)
	require.True(t, ok)
	assert.Equal(t, 320, sa6.Port)
	assert.True(t, SockaddrToIP(sa).Equal(ip6))
}
