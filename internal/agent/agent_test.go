// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package agent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sentryproxy.dev/sentryproxy/internal/ebpf/types"
)

func TestIPToUint32RoundTrips(t *testing.T) {
	v, err := ipToUint32("10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, uint32(0x0a000001), v)
}

func TestIPToUint32RejectsInvalid(t *testing.T) {
	_, err := ipToUint32("not-an-ip")
	require.Error(t, err)

	_, err = ipToUint32("::1")
	require.Error(t, err)
}

func TestEndpointIDIsDeterministic(t *testing.T) {
	a := endpointID("ep-1234")
	b := endpointID("ep-1234")
	c := endpointID("ep-5678")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestParseKind(t *testing.T) {
	k, err := parseKind("java")
	require.NoError(t, err)
	require.Equal(t, types.KindJava, k)

	k, err = parseKind("bedrock")
	require.NoError(t, err)
	require.Equal(t, types.KindBedrock, k)

	_, err = parseKind("unknown")
	require.Error(t, err)
}

func TestEndpointViewToSyncEndpoint(t *testing.T) {
	v := EndpointView{
		ID: "ep-1", FrontIP: "1.2.3.4", FrontPort: 25565, Kind: "java",
		OriginIP: "10.0.0.1", OriginPort: 25566, RateLimit: 100, BurstLimit: 200, Active: true,
	}
	ep, err := v.toSyncEndpoint()
	require.NoError(t, err)
	require.Equal(t, endpointID("ep-1"), ep.ID)
	require.Equal(t, types.KindJava, ep.Kind)
	require.True(t, ep.Active)
}

func TestEndpointViewToSyncEndpointRejectsBadKind(t *testing.T) {
	v := EndpointView{ID: "ep-1", FrontIP: "1.2.3.4", OriginIP: "1.2.3.5", Kind: "carrier-pigeon"}
	_, err := v.toSyncEndpoint()
	require.Error(t, err)
}
