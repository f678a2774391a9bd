package broker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestProducerIDWrapAroundSkipsInUse(t *testing.T) {
	b := New(1000, LockdownClear, zerolog.Nop())

	var ids []ProducerID
	for i := 0; i < 4; i++ {
		ep, ok := b.ConnectProducer(1000)
		require.True(t, ok)
		ids = append(ids, ep.ProducerID)
	}
	require.Equal(t, []ProducerID{1, 2, 3, 4}, ids)

	b.DisconnectProducer(1)
	b.DisconnectProducer(3)

	b.ids.setNext(ProducerID(0xFFFF) - 1)

	var wrapped []ProducerID
	for i := 0; i < 5; i++ {
		ep, ok := b.ConnectProducer(1000)
		require.True(t, ok)
		wrapped = append(wrapped, ep.ProducerID)
	}
	require.Equal(t, []ProducerID{0xFFFF, 1, 3, 5, 6}, wrapped)
}

func TestLockdownRejectsDifferentUID(t *testing.T) {
	const brokerUID = 1000
	b := New(brokerUID, LockdownSet, zerolog.Nop())

	_, ok := b.ConnectProducer(brokerUID + 1)
	require.False(t, ok)

	ep, ok := b.ConnectProducer(brokerUID)
	require.True(t, ok)
	require.Equal(t, ProducerID(1), ep.ProducerID)
}

func TestLockdownClearAcceptsAnyUID(t *testing.T) {
	b := New(1000, LockdownClear, zerolog.Nop())
	_, ok := b.ConnectProducer(2000)
	require.True(t, ok)
}

func TestConnectConsumerAssignsDistinctFingerprints(t *testing.T) {
	b := New(1000, LockdownClear, zerolog.Nop())
	first := b.ConnectConsumer(LockdownClear)
	second := b.ConnectConsumer(LockdownClear)

	require.NotEqual(t, uuid.Nil, first.Fingerprint)
	require.NotEqual(t, first.Fingerprint, second.Fingerprint)
}

func TestConsumerDisconnectTearsDownWholeSession(t *testing.T) {
	b := New(1000, LockdownClear, zerolog.Nop())
	p1, _ := b.ConnectProducer(1000)
	p2, _ := b.ConnectProducer(1000)
	cons := b.ConnectConsumer(LockdownClear)

	insts, err := b.EnableTracing(cons.ConsumerID, DataSourceConfig{Name: "heapprofd"})
	require.NoError(t, err)
	require.Len(t, insts, 2)

	b.DisconnectConsumer(cons.ConsumerID)
	_, err = b.EnableTracing(cons.ConsumerID, DataSourceConfig{Name: "heapprofd"})
	require.Error(t, err)

	require.Equal(t, 2, b.NumProducers())
	_ = p1
	_ = p2
}

func TestProducerDisconnectTearsDownOnlyItsInstances(t *testing.T) {
	b := New(1000, LockdownClear, zerolog.Nop())
	p1, _ := b.ConnectProducer(1000)
	p2, _ := b.ConnectProducer(1000)
	cons := b.ConnectConsumer(LockdownClear)

	_, err := b.EnableTracing(cons.ConsumerID, DataSourceConfig{Name: "heapprofd"})
	require.NoError(t, err)

	b.DisconnectProducer(p1.ProducerID)

	b.mu.Lock()
	sess := b.sessions[cons.ConsumerID]
	b.mu.Unlock()
	require.Empty(t, sess.instancesFor(p1.ProducerID))
	require.Len(t, sess.instancesFor(p2.ProducerID), 1)
}

func TestInstancesForReportsPerProducerView(t *testing.T) {
	b := New(1000, LockdownClear, zerolog.Nop())
	p1, _ := b.ConnectProducer(1000)
	p2, _ := b.ConnectProducer(1000)
	cons := b.ConnectConsumer(LockdownClear)

	_, err := b.EnableTracing(cons.ConsumerID, DataSourceConfig{Name: "heapprofd"})
	require.NoError(t, err)

	insts, err := b.InstancesFor(cons.ConsumerID, p1.ProducerID)
	require.NoError(t, err)
	require.Len(t, insts, 1)
	require.Equal(t, p1.ProducerID, insts[0].Producer)

	insts, err = b.InstancesFor(cons.ConsumerID, p2.ProducerID)
	require.NoError(t, err)
	require.Len(t, insts, 1)

	_, err = b.InstancesFor(ConsumerID(999), p1.ProducerID)
	require.Error(t, err)
}
