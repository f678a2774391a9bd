// Package broker implements the service broker from §4.6: it accepts
// producer and consumer connections, allocates producer ids, enforces
// lockdown policy, and owns the registry of tracing sessions and
// data-source instances spread across producers.
package broker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Endpoint is the broker-side handle returned to a connected producer
// or consumer. ok is false when the connection was rejected (lockdown)
// or failed otherwise; Endpoint is the zero value in that case.
type Endpoint struct {
	ProducerID  ProducerID
	ConsumerID  ConsumerID
	Fingerprint uuid.UUID
}

// Broker is the top-level registry. It is not safe for concurrent use
// from multiple goroutines without the caller's own locking above it in
// general, but per §5 the broker executes only on the event-loop
// thread; the mutex here exists to let tests and cmd/traced's
// per-connection goroutines call into it from goroutines other than
// the event loop's; the mu struct is a defensive grouping even
// though broker state is normally single-threaded.
type Broker struct {
	log zerolog.Logger

	mu         sync.Mutex
	brokerUID  uint32
	lockdown   LockdownMode
	ids        *producerIDAllocator
	producers  map[ProducerID]*producerUID
	sessions   map[ConsumerID]*TracingSession
	shm        map[ProducerID]*SharedMemoryRegion
	nextConsID ConsumerID
}

type producerUID struct {
	uid uint32
}

// New constructs a Broker running with effective uid brokerUID under
// the given lockdown mode.
func New(brokerUID uint32, lockdown LockdownMode, log zerolog.Logger) *Broker {
	return &Broker{
		log:       log.With().Str("component", "broker").Logger(),
		brokerUID: brokerUID,
		lockdown:  lockdown,
		ids:       newProducerIDAllocator(),
		producers: make(map[ProducerID]*producerUID),
		sessions:  make(map[ConsumerID]*TracingSession),
		shm:       make(map[ProducerID]*SharedMemoryRegion),
	}
}

// ConnectProducer allocates a ProducerID for a newly connecting
// producer with the given peer uid and registers it, unless lockdown
// policy rejects the peer uid, per §4.6: "producer connections whose
// peer uid differs from the broker's effective uid receive no
// on_connect and the endpoint remains unregistered."
func (b *Broker) ConnectProducer(peerUID uint32) (Endpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.lockdown.allowed(b.brokerUID, peerUID) {
		b.log.Debug().Uint32("peer_uid", peerUID).Msg("broker: producer rejected by lockdown policy")
		return Endpoint{}, false
	}

	inUse := make(map[ProducerID]struct{}, len(b.producers))
	for id := range b.producers {
		inUse[id] = struct{}{}
	}
	id := b.ids.allocate(inUse)
	b.producers[id] = &producerUID{uid: peerUID}
	return Endpoint{ProducerID: id}, true
}

// DisconnectProducer tears down a producer's registration and every
// data-source instance it hosts across every session, per §4.6
// "Producer disconnect tears down only its instances."
func (b *Broker) DisconnectProducer(id ProducerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.producers, id)
	delete(b.shm, id)
	for _, sess := range b.sessions {
		sess.removeProducer(id)
	}
}

// ConnectConsumer registers a new consumer and its TracingSession.
func (b *Broker) ConnectConsumer(lockdown LockdownMode) Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextConsID++
	id := b.nextConsID
	sess := newTracingSession(id)
	sess.Lockdown = lockdown
	b.sessions[id] = sess
	return Endpoint{ConsumerID: id, Fingerprint: sess.Fingerprint}
}

// DisconnectConsumer tears down the consumer's whole TracingSession,
// per §4.6 "consumer disconnect tears down the whole session."
func (b *Broker) DisconnectConsumer(id ConsumerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[id]
	if ok {
		b.log.Debug().Uint32("consumer_id", uint32(id)).Int("instances_torn_down", len(sess.allInstances())).Msg("broker: consumer disconnected")
	}
	delete(b.sessions, id)
}

// InstancesFor reports consumer's live data-source instances on a single
// producer, for callers that need a per-producer view of session state
// rather than the whole session.
func (b *Broker) InstancesFor(consumer ConsumerID, producer ProducerID) ([]*DataSourceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[consumer]
	if !ok {
		return nil, fmt.Errorf("broker: no session for consumer %d", consumer)
	}
	return sess.instancesFor(producer), nil
}

// NumProducers returns the count of currently connected producers.
func (b *Broker) NumProducers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.producers)
}

// GetProducer reverse-looks-up whether a ProducerID is currently
// registered.
func (b *Broker) GetProducer(id ProducerID) (uid uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.producers[id]
	if !ok {
		return 0, false
	}
	return p.uid, true
}

// EnableTracing instantiates cfg on every producer currently connected,
// recording the resulting instances under consumer's session, per §4.6
// "EnableTracing(config) instantiates matching data sources on all
// eligible producers."
func (b *Broker) EnableTracing(consumer ConsumerID, cfg DataSourceConfig) ([]*DataSourceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[consumer]
	if !ok {
		return nil, fmt.Errorf("broker: no session for consumer %d", consumer)
	}

	var created []*DataSourceInstance
	for id := range b.producers {
		region, ok := b.shm[id]
		if !ok {
			region = NewSharedMemoryRegion(id, defaultRegionSize)
			b.shm[id] = region
		}
		inst := &DataSourceInstance{Config: cfg, Producer: id, Region: region}
		sess.addInstance(inst)
		created = append(created, inst)
	}
	return created, nil
}

// DisableTracing tears down every instance whose config is named name
// within the consumer's session.
func (b *Broker) DisableTracing(consumer ConsumerID, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sess, ok := b.sessions[consumer]
	if !ok {
		return fmt.Errorf("broker: no session for consumer %d", consumer)
	}
	for producer, insts := range sess.instances {
		kept := insts[:0]
		for _, inst := range insts {
			if inst.Config.Name != name {
				kept = append(kept, inst)
			}
		}
		sess.instances[producer] = kept
	}
	return nil
}

const defaultRegionSize = 4 << 20
