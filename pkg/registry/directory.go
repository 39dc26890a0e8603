package registry

import (
	"sync"

	"github.com/mediagrid/dispatch/pkg/core"
)

// ProducerDirectory maps (serviceType, host) pairs to the live
// JobProducer that can accept work for them. Local producers register
// directly; remote hosts are reached through producers backed by the
// HTTP client.
type ProducerDirectory struct {
	mu        sync.RWMutex
	producers map[string]core.JobProducer
}

// NewProducerDirectory returns an empty directory.
func NewProducerDirectory() *ProducerDirectory {
	return &ProducerDirectory{producers: make(map[string]core.JobProducer)}
}

func producerKey(serviceType, host string) string {
	return serviceType + "@" + host
}

// Add registers a producer, replacing any previous one for the same
// service type and host.
func (d *ProducerDirectory) Add(p core.JobProducer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.producers[producerKey(p.ServiceType(), p.Host())] = p
}

// Remove drops the producer for a (serviceType, host) pair.
func (d *ProducerDirectory) Remove(serviceType, host string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.producers, producerKey(serviceType, host))
}

// Lookup returns the producer for a (serviceType, host) pair, or nil.
func (d *ProducerDirectory) Lookup(serviceType, host string) core.JobProducer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.producers[producerKey(serviceType, host)]
}

// Len reports the number of registered producers.
func (d *ProducerDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.producers)
}
