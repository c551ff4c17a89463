package statcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/opentransit/avlcast/business/data/refmodel"
)

// KalmanKey identifies the filter state for one stop path traversal.
type KalmanKey struct {
	TripId        string
	StopPathIndex int
}

func (k KalmanKey) String() string {
	return fmt.Sprintf("%s:%d", k.TripId, k.StopPathIndex)
}

// KalmanEntry is the filter state for one key: the travel time estimate, its error
// variance and when the last observation arrived.
type KalmanEntry struct {
	Estimate     float64   `json:"estimate"`
	Variance     float64   `json:"variance"`
	Count        int       `json:"count"`
	LastObserved time.Time `json:"last_observed"`
}

// KalmanSettings tune the filter.
type KalmanSettings struct {
	//InitialVariance seeds a new key's error variance
	InitialVariance float64
	//ObservationVariance models the noise of a single observed travel time
	ObservationVariance float64
	//DecayAfter is how long without observations before the variance re-widens
	DecayAfter time.Duration
	//DecayVariance is added to the variance per DecayAfter elapsed without observations
	DecayVariance float64
}

// KalmanErrorCache holds travel time filter state keyed by (tripId, stopPathIndex).
// Consistent observations shrink the variance monotonically; silence re-widens it so
// stale estimates stop looking confident.
type KalmanErrorCache struct {
	revisionId int64
	settings   KalmanSettings

	mu      sync.RWMutex
	entries map[KalmanKey]*KalmanEntry
	locks   keyLocks
}

func MakeKalmanErrorCache(revisionId int64, settings KalmanSettings) *KalmanErrorCache {
	return &KalmanErrorCache{
		revisionId: revisionId,
		settings:   settings,
		entries:    make(map[KalmanKey]*KalmanEntry),
	}
}

func (c *KalmanErrorCache) RevisionId() int64 {
	return c.revisionId
}

func (c *KalmanErrorCache) checkRevision(revisionId int64) error {
	if revisionId != c.revisionId {
		return &refmodel.StaleRevisionError{Expected: c.revisionId, Got: revisionId}
	}
	return nil
}

// Get returns the filter state for key as of "now", with decay re-widening applied to
// the returned variance. False when the key has never been observed.
func (c *KalmanErrorCache) Get(revisionId int64, key KalmanKey, now time.Time) (KalmanEntry, bool, error) {
	if err := c.checkRevision(revisionId); err != nil {
		return KalmanEntry{}, false, err
	}
	c.mu.RLock()
	entry, present := c.entries[key]
	c.mu.RUnlock()
	if !present {
		return KalmanEntry{}, false, nil
	}
	lock := c.locks.lock(key.String())
	lock.Lock()
	result := *entry
	lock.Unlock()

	if c.settings.DecayAfter > 0 && now.After(result.LastObserved) {
		elapsed := now.Sub(result.LastObserved)
		periods := float64(elapsed / c.settings.DecayAfter)
		result.Variance += periods * c.settings.DecayVariance
	}
	return result, true, nil
}

// Observe folds one observed travel time into the filter state for key using
// gain = priorVariance / (priorVariance + observationVariance).
func (c *KalmanErrorCache) Observe(revisionId int64, key KalmanKey, seconds float64, at time.Time) error {
	if err := c.checkRevision(revisionId); err != nil {
		return err
	}
	entry := c.entry(key)
	lock := c.locks.lock(key.String())
	lock.Lock()
	defer lock.Unlock()

	if entry.Count == 0 {
		entry.Estimate = seconds
		entry.Variance = c.settings.InitialVariance
	} else {
		gain := entry.Variance / (entry.Variance + c.settings.ObservationVariance)
		entry.Estimate += gain * (seconds - entry.Estimate)
		entry.Variance = (1 - gain) * entry.Variance
	}
	entry.Count++
	entry.LastObserved = at
	return nil
}

func (c *KalmanErrorCache) entry(key KalmanKey) *KalmanEntry {
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
	entry = &KalmanEntry{}
	c.entries[key] = entry
	return entry
}

// ObserveTravel maps a travel observation to this cache's key shape and updates it.
func (c *KalmanErrorCache) ObserveTravel(revisionId int64, obs *TravelObservation) error {
	key := KalmanKey{TripId: obs.TripId, StopPathIndex: obs.StopPathIndex}
	return c.Observe(revisionId, key, obs.Seconds, obs.At)
}

// Keys enumerates every populated key for the diagnostics API.
func (c *KalmanErrorCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	results := make([]string, 0, len(c.entries))
	for key := range c.entries {
		results = append(results, key.String())
	}
	return results
}

// ValueForKey resolves a key produced by Keys back to its value, for diagnostics.
func (c *KalmanErrorCache) ValueForKey(keyString string) (KalmanEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, entry := range c.entries {
		if key.String() == keyString {
			return *entry, true
		}
	}
	return KalmanEntry{}, false
}

// Len returns the number of populated entries.
func (c *KalmanErrorCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
