package bridge

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/riverine/headwater/pkg/metrics"
)

// Registry is the shared table of known bridges. Reads vastly outnumber
// writes (every allocation consults it, stats arrive every few seconds), so
// it is guarded by a read-mostly lock rather than a queue.
type Registry struct {
	logger *logrus.Entry

	lock    sync.RWMutex
	bridges map[string]*Bridge
}

func NewRegistry() *Registry {
	return &Registry{
		logger:  logrus.WithField("component", "bridge-registry"),
		bridges: make(map[string]*Bridge),
	}
}

// Upsert installs or refreshes a bridge record from its latest stats.
func (r *Registry) Upsert(bridge Bridge) {
	r.lock.Lock()
	defer r.lock.Unlock()

	existing, known := r.bridges[bridge.JID]
	if !known {
		r.logger.Infof("Bridge %s added (region=%s relay=%s)", bridge.JID, bridge.Region, bridge.RelayID)
		copied := bridge
		r.bridges[bridge.JID] = &copied
		r.updateGaugeLocked()
		return
	}
	if existing.Operational != bridge.Operational {
		r.logger.Infof("Bridge %s operational: %t -> %t", bridge.JID, existing.Operational, bridge.Operational)
	}
	*existing = bridge
	r.updateGaugeLocked()
}

// Remove forgets a bridge entirely (it left the infrastructure).
func (r *Registry) Remove(jid string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, known := r.bridges[jid]; !known {
		return
	}
	delete(r.bridges, jid)
	r.logger.Infof("Bridge %s removed", jid)
	r.updateGaugeLocked()
}

// MarkNonOperational flags a bridge after a failed request. It stays in the
// registry and may recover through a later stats report.
func (r *Registry) MarkNonOperational(jid string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	bridge, known := r.bridges[jid]
	if !known || !bridge.Operational {
		return
	}
	bridge.Operational = false
	r.logger.Warnf("Bridge %s marked non-operational", jid)
	metrics.BridgeFailures.Inc()
	r.updateGaugeLocked()
}

// Get returns a copy of the bridge record.
func (r *Registry) Get(jid string) (Bridge, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	bridge, known := r.bridges[jid]
	if !known {
		return Bridge{}, false
	}
	return *bridge, true
}

// Candidates lists the bridges eligible for new allocations: operational and
// not draining. Graceful-shutdown bridges are included; the selector keeps
// them only for conferences they already host. Sorted by JID so selection is
// deterministic.
func (r *Registry) Candidates() []Bridge {
	r.lock.RLock()
	defer r.lock.RUnlock()
	candidates := make([]Bridge, 0, len(r.bridges))
	for _, bridge := range r.bridges {
		if bridge.Operational && !bridge.Draining {
			candidates = append(candidates, *bridge)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].JID < candidates[j].JID })
	return candidates
}

// All lists every known bridge, operational or not, sorted by JID.
func (r *Registry) All() []Bridge {
	r.lock.RLock()
	defer r.lock.RUnlock()
	bridges := make([]Bridge, 0, len(r.bridges))
	for _, bridge := range r.bridges {
		bridges = append(bridges, *bridge)
	}
	sort.Slice(bridges, func(i, j int) bool { return bridges[i].JID < bridges[j].JID })
	return bridges
}

// OperationalCount is the number of bridges currently taking traffic.
func (r *Registry) OperationalCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.operationalCountLocked()
}

func (r *Registry) operationalCountLocked() int {
	count := 0
	for _, bridge := range r.bridges {
		if bridge.Operational {
			count++
		}
	}
	return count
}

func (r *Registry) updateGaugeLocked() {
	metrics.OperationalBridges.Set(float64(r.operationalCountLocked()))
}
