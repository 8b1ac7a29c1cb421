// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedLocks_SameKeySerializes(t *testing.T) {
	kl := newKeyedLocks()
	var active int32
	var sawOverlap bool

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			unlock := kl.lock(42)
			defer unlock()
			if atomic.AddInt32(&active, 1) > 1 {
				sawOverlap = true
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	require.False(t, sawOverlap)
}

func TestKeyedLocks_DifferentKeysConcurrent(t *testing.T) {
	kl := newKeyedLocks()
	start := time.Now()

	done := make(chan struct{})
	for i := uint64(0); i < 4; i++ {
		go func(key uint64) {
			unlock := kl.lock(key)
			defer unlock()
			time.Sleep(20 * time.Millisecond)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	require.Less(t, time.Since(start), 80*time.Millisecond)
}

func TestEndpoint_RecordCarriesIDAndFlags(t *testing.T) {
	ep := Endpoint{
		ID:          7,
		FrontIP:     0xC6336401,
		FrontPort:   25565,
		Kind:        0,
		OriginIP:    0xCB007105,
		OriginPort:  25565,
		RateLimit:   1000,
		BurstLimit:  5000,
		Maintenance: false,
		Active:      true,
	}
	rec := ep.record()
	require.Equal(t, ep.ID, rec.EndpointID)
	require.Equal(t, uint8(1), rec.Active)
	require.Equal(t, uint8(0), rec.Maintenance)
}
