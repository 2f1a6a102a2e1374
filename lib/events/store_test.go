/*
Copyright 2024 Patze, Inc.

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

package events

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze/lib/telemetry"
	"github.com/patzehq/patze/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func makeEvent(t *testing.T, machineID, id string) *telemetry.Envelope {
	t.Helper()
	env, err := telemetry.NewEnvelope(
		time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		telemetry.EventRunLog, telemetry.SeverityInfo, machineID,
		telemetry.LogPayload{Message: "line"},
	)
	require.NoError(t, err)
	env.ID = id
	return env
}

func TestStoreFanOutOrder(t *testing.T) {
	store, err := NewStore(StoreConfig{Capacity: 100})
	require.NoError(t, err)

	var first, second []string
	unsubFirst := store.Subscribe(func(env *telemetry.Envelope) {
		first = append(first, env.ID)
	})
	defer unsubFirst()
	unsubSecond := store.Subscribe(func(env *telemetry.Envelope) {
		second = append(second, env.ID)
	})
	defer unsubSecond()

	var want []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("e-%d", i)
		want = append(want, id)
		require.True(t, store.Append(makeEvent(t, "m-1", id)))
	}

	require.Equal(t, want, first)
	require.Equal(t, want, second)
}

func TestStoreDeduplicates(t *testing.T) {
	store, err := NewStore(StoreConfig{Capacity: 100})
	require.NoError(t, err)

	delivered := 0
	unsub := store.Subscribe(func(*telemetry.Envelope) { delivered++ })
	defer unsub()

	require.True(t, store.Append(makeEvent(t, "m-1", "e-1")))
	require.False(t, store.Append(makeEvent(t, "m-1", "e-1")))
	// same id from another machine is a different event
	require.True(t, store.Append(makeEvent(t, "m-2", "e-1")))

	require.Equal(t, 2, delivered)
	require.Equal(t, 2, store.Len())

	stats := store.Stats()
	require.Equal(t, uint64(2), stats.Appended)
	require.Equal(t, uint64(1), stats.Duplicates)
}

func TestStoreAppendMany(t *testing.T) {
	store, err := NewStore(StoreConfig{Capacity: 100})
	require.NoError(t, err)

	var got []string
	unsub := store.Subscribe(func(env *telemetry.Envelope) {
		got = append(got, env.ID)
	})
	defer unsub()

	batch := []*telemetry.Envelope{
		makeEvent(t, "m-1", "a"),
		makeEvent(t, "m-1", "b"),
		makeEvent(t, "m-1", "a"), // duplicate inside the batch
		makeEvent(t, "m-1", "c"),
	}
	require.Equal(t, 3, store.AppendMany(batch))
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestStoreBulkEviction(t *testing.T) {
	store, err := NewStore(StoreConfig{Capacity: 10, EvictChunk: 4})
	require.NoError(t, err)

	for i := 0; i < 11; i++ {
		store.Append(makeEvent(t, "m-1", fmt.Sprintf("e-%d", i)))
	}

	// crossing the bound drops a whole chunk, not a single event
	require.Equal(t, 7, store.Len())
	recent := store.Recent(0)
	require.Equal(t, "e-4", recent[0].ID)
	require.Equal(t, "e-10", recent[len(recent)-1].ID)
	require.Equal(t, uint64(4), store.Stats().Evicted)
}

func TestStoreListenerPanicDoesNotBlockOthers(t *testing.T) {
	store, err := NewStore(StoreConfig{Capacity: 100})
	require.NoError(t, err)

	unsubPanic := store.Subscribe(func(*telemetry.Envelope) {
		panic("listener bug")
	})
	defer unsubPanic()

	delivered := 0
	unsub := store.Subscribe(func(*telemetry.Envelope) { delivered++ })
	defer unsub()

	require.True(t, store.Append(makeEvent(t, "m-1", "e-1")))
	require.Equal(t, 1, delivered)
}

func TestStoreUnsubscribeStopsDelivery(t *testing.T) {
	store, err := NewStore(StoreConfig{Capacity: 100})
	require.NoError(t, err)

	delivered := 0
	unsub := store.Subscribe(func(*telemetry.Envelope) { delivered++ })

	store.Append(makeEvent(t, "m-1", "e-1"))
	unsub()
	store.Append(makeEvent(t, "m-1", "e-2"))

	require.Equal(t, 1, delivered)
}

func TestStoreSinceResume(t *testing.T) {
	store, err := NewStore(StoreConfig{Capacity: 100})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		store.Append(makeEvent(t, "m-1", fmt.Sprintf("e-%d", i)))
	}

	tail, ok := store.Since("e-2")
	require.True(t, ok)
	require.Len(t, tail, 2)
	require.Equal(t, "e-3", tail[0].ID)
	require.Equal(t, "e-4", tail[1].ID)

	// newest id resumes to an empty tail
	tail, ok = store.Since("e-4")
	require.True(t, ok)
	require.Empty(t, tail)

	// unknown id means the gap is not recoverable
	_, ok = store.Since("evicted-long-ago")
	require.False(t, ok)
}

func TestStoreRecentBounds(t *testing.T) {
	store, err := NewStore(StoreConfig{Capacity: 100})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		store.Append(makeEvent(t, "m-1", fmt.Sprintf("e-%d", i)))
	}

	require.Len(t, store.Recent(3), 3)
	require.Equal(t, "e-2", store.Recent(3)[0].ID)
	require.Len(t, store.Recent(50), 5)
	require.Len(t, store.Recent(0), 5)
}
