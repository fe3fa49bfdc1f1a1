package call

import "sort"

// registry maps a remote identity to its pending Incoming. Loop-owned.
type registry struct {
	byPeer map[string]*Incoming
}

func newRegistry() *registry {
	return &registry{byPeer: make(map[string]*Incoming)}
}

// add registers in unless its peer already has a pending Incoming.
func (r *registry) add(in *Incoming) bool {
	if _, ok := r.byPeer[in.remote]; ok {
		return false
	}
	r.byPeer[in.remote] = in
	return true
}

func (r *registry) get(peerID string) *Incoming {
	return r.byPeer[peerID]
}

// remove deletes in, leaving a newer Incoming for the same peer untouched.
func (r *registry) remove(in *Incoming) {
	if cur, ok := r.byPeer[in.remote]; ok && cur == in {
		delete(r.byPeer, in.remote)
	}
}

func (r *registry) len() int { return len(r.byPeer) }

func (r *registry) peers() []string {
	ids := make([]string, 0, len(r.byPeer))
	for id := range r.byPeer {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *registry) all() []*Incoming {
	out := make([]*Incoming, 0, len(r.byPeer))
	for _, id := range r.peers() {
		out = append(out, r.byPeer[id])
	}
	return out
}
