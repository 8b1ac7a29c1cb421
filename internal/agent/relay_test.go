// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sentryproxy.dev/sentryproxy/internal/logging"
)

func TestRelayManagerStartsAndStopsJavaRelay(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()
	go func() {
		for {
			c, err := origin.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	front, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	frontAddr := front.Addr().(*net.TCPAddr)
	front.Close()

	rm := newRelayManager(logging.Default())
	ctx := context.Background()

	v := EndpointView{
		ID: "ep-1", FrontIP: "127.0.0.1", FrontPort: uint16(frontAddr.Port), Kind: "java",
		OriginIP: originHost(t, origin), OriginPort: originPort(t, origin), Active: true,
	}

	require.NoError(t, rm.apply(ctx, "add", endpointID(v.ID), v))
	require.Len(t, rm.active, 1)
	require.Equal(t, []string{"ep-1"}, rm.activeEndpoints())

	conn, err := net.DialTimeout("tcp", frontAddr.String(), time.Second)
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, rm.apply(ctx, "remove", endpointID(v.ID), v))
	require.Len(t, rm.active, 0)
}

func TestRelayManagerSkipsMaintenanceEndpoints(t *testing.T) {
	rm := newRelayManager(logging.Default())
	v := EndpointView{ID: "ep-2", FrontIP: "127.0.0.1", FrontPort: 25566, Kind: "java", Maintenance: true, Active: true}
	require.NoError(t, rm.apply(context.Background(), "add", endpointID(v.ID), v))
	require.Len(t, rm.active, 0)
}

func originHost(t *testing.T, ln net.Listener) string {
	t.Helper()
	return ln.Addr().(*net.TCPAddr).IP.String()
}

func originPort(t *testing.T, ln net.Listener) uint16 {
	t.Helper()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}
