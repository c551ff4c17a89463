package statcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/opentransit/avlcast/business/data/refmodel"
)

// HoldingKey identifies a recommended hold for one vehicle at one stop.
type HoldingKey struct {
	StopId    string
	VehicleId string
}

func (k HoldingKey) String() string {
	return fmt.Sprintf("%s:%s", k.StopId, k.VehicleId)
}

// HoldingValue is a recommended hold duration with its expiry.
type HoldingValue struct {
	Hold   time.Duration `json:"hold"`
	Expiry time.Time     `json:"expiry"`
}

// HoldingTimeCache keeps recent dwell derived hold recommendations. Keys are written
// by a single vehicle's serialized worker, so a plain mutex suffices here.
type HoldingTimeCache struct {
	revisionId int64
	//ttl bounds how long a recommendation stays actionable
	ttl time.Duration

	mu      sync.Mutex
	entries map[HoldingKey]HoldingValue
}

func MakeHoldingTimeCache(revisionId int64, ttl time.Duration) *HoldingTimeCache {
	return &HoldingTimeCache{
		revisionId: revisionId,
		ttl:        ttl,
		entries:    make(map[HoldingKey]HoldingValue),
	}
}

func (c *HoldingTimeCache) RevisionId() int64 {
	return c.revisionId
}

func (c *HoldingTimeCache) checkRevision(revisionId int64) error {
	if revisionId != c.revisionId {
		return &refmodel.StaleRevisionError{Expected: c.revisionId, Got: revisionId}
	}
	return nil
}

// Get returns the current recommendation for key, or false when absent or expired.
func (c *HoldingTimeCache) Get(revisionId int64, key HoldingKey, now time.Time) (HoldingValue, bool, error) {
	if err := c.checkRevision(revisionId); err != nil {
		return HoldingValue{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	value, present := c.entries[key]
	if !present || now.After(value.Expiry) {
		return HoldingValue{}, false, nil
	}
	return value, true, nil
}

// Update records an observed dwell as the new recommendation for key.
func (c *HoldingTimeCache) Update(revisionId int64, key HoldingKey, hold time.Duration, at time.Time) error {
	if err := c.checkRevision(revisionId); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = HoldingValue{Hold: hold, Expiry: at.Add(c.ttl)}
	return nil
}

// ObserveDwell maps a dwell observation to this cache's key shape and updates it.
func (c *HoldingTimeCache) ObserveDwell(revisionId int64, obs *DwellObservation) error {
	key := HoldingKey{StopId: obs.StopId, VehicleId: obs.VehicleId}
	return c.Update(revisionId, key, time.Duration(obs.Seconds*float64(time.Second)), obs.At)
}

// Keys enumerates every populated key for the diagnostics API.
func (c *HoldingTimeCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	results := make([]string, 0, len(c.entries))
	for key := range c.entries {
		results = append(results, key.String())
	}
	return results
}

// ValueForKey resolves a key produced by Keys back to its value, for diagnostics.
func (c *HoldingTimeCache) ValueForKey(keyString string) (HoldingValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range c.entries {
		if key.String() == keyString {
			return value, true
		}
	}
	return HoldingValue{}, false
}

// Len returns the number of populated entries.
func (c *HoldingTimeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
