// Package classifier implements the optional Classifier the Attribution
// Engine may consult to extend a process metric's label set with virtual
// machine or container/pod identity (spec §4.4 "Optional classifier
// labels"). Grounded in style on the teacher's cgroup hierarchy detection
// (pkg/system/cgroup/cgroup.go), generalized from "which cgroup API
// version" to "which container, if any, owns this process".
package classifier

import (
	"time"

	"github.com/hubblo-org/scaphandre/pkg/topology"
)

// Classifier extends a process's label set with VM or container/pod
// identity, or returns nil if the process matches neither. Implementations
// must be safe to call once per process per Sampler pass; Caching wraps
// one to honor spec §4.4's "cached by process identifier, invalidated if
// start time changes" requirement.
type Classifier interface {
	Classify(pid int, meta topology.ProcessMetadata) []topology.Label
}

// Chain runs classifiers in order and returns the first non-empty label
// set, matching the spec's "(a) ... or (b) ..." phrasing: a process is
// classified as a VM worker or a container, not both.
type Chain []Classifier

func (c Chain) Classify(pid int, meta topology.ProcessMetadata) []topology.Label {
	for _, classifier := range c {
		if labels := classifier.Classify(pid, meta); len(labels) > 0 {
			return labels
		}
	}
	return nil
}

type cacheEntry struct {
	startTime time.Time
	labels    []topology.Label
}

// Caching wraps a Classifier with a (pid, start-time) keyed cache, so the
// Attribution Engine pays the classification cost once per process
// lifetime rather than once per pass. A process id reused by a new process
// after the old one exits gets reclassified, since its start time differs
// (spec §4.4).
type Caching struct {
	inner Classifier
	cache map[int]cacheEntry
}

// NewCaching wraps inner with a process-identity cache.
func NewCaching(inner Classifier) *Caching {
	return &Caching{inner: inner, cache: map[int]cacheEntry{}}
}

func (c *Caching) Classify(pid int, meta topology.ProcessMetadata) []topology.Label {
	if entry, ok := c.cache[pid]; ok && entry.startTime.Equal(meta.StartTime) {
		return entry.labels
	}
	labels := c.inner.Classify(pid, meta)
	c.cache[pid] = cacheEntry{startTime: meta.StartTime, labels: labels}
	return labels
}
