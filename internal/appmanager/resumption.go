package appmanager

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// resumptionStore parks the identifiers of applications lost to a transport
// drop. A re-registration inside the TTL inherits its previous HMI app id;
// entries expire on their own after that.
type resumptionStore struct {
	cache *gocache.Cache
}

// resumptionEntry is what survives an unexpected disconnect.
type resumptionEntry struct {
	HMIAppID uint32
	HMILevel HMILevel
}

func newResumptionStore(ttl time.Duration) *resumptionStore {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &resumptionStore{
		cache: gocache.New(ttl, ttl/2),
	}
}

func resumptionKey(policyAppID, deviceMAC string) string {
	return policyAppID + "|" + deviceMAC
}

func (s *resumptionStore) park(policyAppID, deviceMAC string, entry resumptionEntry) {
	s.cache.SetDefault(resumptionKey(policyAppID, deviceMAC), entry)
}

// take removes and returns the parked entry, if any.
func (s *resumptionStore) take(policyAppID, deviceMAC string) (resumptionEntry, bool) {
	key := resumptionKey(policyAppID, deviceMAC)
	raw, found := s.cache.Get(key)
	if !found {
		return resumptionEntry{}, false
	}
	s.cache.Delete(key)
	return raw.(resumptionEntry), true
}

// hmiAppIDInUse reports whether any parked entry holds the id; fresh id
// generation must not collide with a resumable app.
func (s *resumptionStore) hmiAppIDInUse(id uint32) bool {
	for _, item := range s.cache.Items() {
		if entry, ok := item.Object.(resumptionEntry); ok && entry.HMIAppID == id {
			return true
		}
	}
	return false
}
