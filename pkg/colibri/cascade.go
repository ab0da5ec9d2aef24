package colibri

import (
	"sort"

	"golang.org/x/exp/maps"
)

// DefaultMeshID is the single global mesh every bridge joins unless a
// topology strategy says otherwise.
const DefaultMeshID = "0"

// Cascade is the relay topology of one conference: a graph over bridges
// (identified by relay id) whose edges carry a mesh id. Within one mesh the
// graph is a clique, so the cascade stores meshes as node sets and derives
// the edges. A node disappears when it leaves its last mesh.
type Cascade struct {
	meshes map[string]map[string]bool
}

func NewCascade() *Cascade {
	return &Cascade{meshes: make(map[string]map[string]bool)}
}

// Add puts a bridge into a mesh and returns the relay ids it must now pair
// with (the other members of that mesh, sorted). Adding an existing member is
// a no-op returning nothing.
func (c *Cascade) Add(meshID, relayID string) []string {
	mesh, ok := c.meshes[meshID]
	if !ok {
		mesh = make(map[string]bool)
		c.meshes[meshID] = mesh
	}
	if mesh[relayID] {
		return nil
	}

	peers := maps.Keys(mesh)
	sort.Strings(peers)
	mesh[relayID] = true
	return peers
}

// Remove drops a bridge from every mesh and returns the relay ids it was
// paired with. Empty meshes are forgotten.
func (c *Cascade) Remove(relayID string) []string {
	peerSet := make(map[string]bool)
	for meshID, mesh := range c.meshes {
		if !mesh[relayID] {
			continue
		}
		delete(mesh, relayID)
		for peer := range mesh {
			peerSet[peer] = true
		}
		if len(mesh) == 0 {
			delete(c.meshes, meshID)
		}
	}

	peers := maps.Keys(peerSet)
	sort.Strings(peers)
	return peers
}

// Contains reports whether the bridge is part of any mesh.
func (c *Cascade) Contains(relayID string) bool {
	for _, mesh := range c.meshes {
		if mesh[relayID] {
			return true
		}
	}
	return false
}

// Peers lists the relay ids sharing at least one mesh with the bridge,
// sorted.
func (c *Cascade) Peers(relayID string) []string {
	peerSet := make(map[string]bool)
	for _, mesh := range c.meshes {
		if !mesh[relayID] {
			continue
		}
		for peer := range mesh {
			if peer != relayID {
				peerSet[peer] = true
			}
		}
	}
	peers := maps.Keys(peerSet)
	sort.Strings(peers)
	return peers
}

// PathExists reports whether media can travel between two bridges through
// the relays, hopping across meshes where they overlap.
func (c *Cascade) PathExists(from, to string) bool {
	if from == to {
		return c.Contains(from)
	}
	visited := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		for _, peer := range c.Peers(node) {
			if peer == to {
				return true
			}
			if !visited[peer] {
				visited[peer] = true
				frontier = append(frontier, peer)
			}
		}
	}
	return false
}
