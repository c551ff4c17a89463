package statcache

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/opentransit/avlcast/business/data/refmodel"
)

const lockStripes = 64

// keyLocks stripes per-key update locks so vehicles sharing a stop path across trips
// never race on the same running mean, without one lock serializing every key.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (kl *keyLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &kl.stripes[h.Sum32()%lockStripes]
}

// AverageKey identifies a running travel time mean. Bucket is BucketAllDays when
// service period bucketing is disabled.
type AverageKey struct {
	TripId        string
	StopPathIndex int
	Bucket        refmodel.ServiceBucket
}

func (k AverageKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.TripId, k.StopPathIndex, k.Bucket)
}

// AverageValue is a running mean with its sample count.
type AverageValue struct {
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// AverageCache holds running mean travel times keyed by trip and stop path. Schedule
// based and frequency based service use separate instances since frequency trips have
// no schedule anchor.
type AverageCache struct {
	revisionId int64
	calendar   *refmodel.ServiceCalendar
	bucketed   bool

	mu      sync.RWMutex
	entries map[AverageKey]*AverageValue
	locks   keyLocks
}

// MakeAverageCache builds an empty cache for revisionId. calendar may be nil, which
// disables service period bucketing.
func MakeAverageCache(revisionId int64, calendar *refmodel.ServiceCalendar) *AverageCache {
	return &AverageCache{
		revisionId: revisionId,
		calendar:   calendar,
		bucketed:   calendar != nil,
		entries:    make(map[AverageKey]*AverageValue),
	}
}

func (c *AverageCache) RevisionId() int64 {
	return c.revisionId
}

// checkRevision guards against mixing statistics across configuration revisions.
func (c *AverageCache) checkRevision(revisionId int64) error {
	if revisionId != c.revisionId {
		return &refmodel.StaleRevisionError{Expected: c.revisionId, Got: revisionId}
	}
	return nil
}

// Get returns the running mean for key, or false when no samples exist yet.
func (c *AverageCache) Get(revisionId int64, key AverageKey) (AverageValue, bool, error) {
	if err := c.checkRevision(revisionId); err != nil {
		return AverageValue{}, false, err
	}
	c.mu.RLock()
	entry, present := c.entries[key]
	c.mu.RUnlock()
	if !present {
		return AverageValue{}, false, nil
	}
	lock := c.locks.lock(key.String())
	lock.Lock()
	defer lock.Unlock()
	return *entry, true, nil
}

// Update folds one observation into the running mean for key.
func (c *AverageCache) Update(revisionId int64, key AverageKey, seconds float64) error {
	if err := c.checkRevision(revisionId); err != nil {
		return err
	}
	entry := c.entry(key)
	lock := c.locks.lock(key.String())
	lock.Lock()
	defer lock.Unlock()
	entry.Count++
	entry.Mean += (seconds - entry.Mean) / float64(entry.Count)
	return nil
}

func (c *AverageCache) entry(key AverageKey) *AverageValue {
	c.mu.RLock()
	entry, present := c.entries[key]
	c.mu.RUnlock()
	if present {
		return entry
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, present = c.entries[key]; present {
		return entry
	}
	entry = &AverageValue{}
	c.entries[key] = entry
	return entry
}

// ObserveTravel maps a travel observation to this cache's key shape and updates it.
func (c *AverageCache) ObserveTravel(revisionId int64, obs *TravelObservation) error {
	return c.Update(revisionId, c.keyFor(obs), obs.Seconds)
}

func (c *AverageCache) keyFor(obs *TravelObservation) AverageKey {
	key := AverageKey{TripId: obs.TripId, StopPathIndex: obs.StopPathIndex, Bucket: refmodel.BucketAllDays}
	if c.bucketed {
		key.Bucket = c.calendar.BucketFor(obs.ServiceDate)
	}
	return key
}

// Keys enumerates every populated key for the diagnostics API.
func (c *AverageCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	results := make([]string, 0, len(c.entries))
	for key := range c.entries {
		results = append(results, key.String())
	}
	return results
}

// ValueForKey resolves a key produced by Keys back to its value, for diagnostics.
func (c *AverageCache) ValueForKey(keyString string) (AverageValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, entry := range c.entries {
		if key.String() == keyString {
			return *entry, true
		}
	}
	return AverageValue{}, false
}

// Len returns the number of populated entries.
func (c *AverageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
