package broker

import "github.com/google/uuid"

// DataSourceConfig names one data source a tracing session wants
// instantiated on every eligible producer, per §4.6's
// "EnableTracing(config) instantiates matching data sources on all
// eligible producers."
type DataSourceConfig struct {
	Name       string
	TargetName string // the producer-side data source type this config matches against
	Config     []byte // opaque, producer-interpreted configuration blob
}

// DataSourceInstance is one producer's live instantiation of a
// DataSourceConfig.
type DataSourceInstance struct {
	Config   DataSourceConfig
	Producer ProducerID
	Region   *SharedMemoryRegion
}

// TracingSession is one consumer-owned collection of data source
// instances spread across producers. Producer disconnect tears down
// only its instances within the session; consumer disconnect tears
// down the whole session, per §4.6.
type TracingSession struct {
	Consumer    ConsumerID
	Fingerprint uuid.UUID
	Lockdown    LockdownMode
	instances   map[ProducerID][]*DataSourceInstance
}

// newTracingSession assigns the session a random fingerprint: a stable
// identity for this session's lifetime that survives across log lines
// and dump files without leaking the consumer's own connection
// details.
func newTracingSession(consumer ConsumerID) *TracingSession {
	return &TracingSession{
		Consumer:    consumer,
		Fingerprint: uuid.New(),
		instances:   make(map[ProducerID][]*DataSourceInstance),
	}
}

func (s *TracingSession) addInstance(inst *DataSourceInstance) {
	s.instances[inst.Producer] = append(s.instances[inst.Producer], inst)
}

// instancesFor returns this session's instances on a given producer.
func (s *TracingSession) instancesFor(producer ProducerID) []*DataSourceInstance {
	return s.instances[producer]
}

// removeProducer drops every instance this session holds on producer,
// per producer-disconnect teardown scope.
func (s *TracingSession) removeProducer(producer ProducerID) {
	delete(s.instances, producer)
}

// allInstances returns every instance across every producer, used when
// the consumer disconnects and the whole session tears down.
func (s *TracingSession) allInstances() []*DataSourceInstance {
	var all []*DataSourceInstance
	for _, insts := range s.instances {
		all = append(all, insts...)
	}
	return all
}
