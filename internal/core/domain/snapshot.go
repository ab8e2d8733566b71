package domain

// Snapshot is an immutable, ordered view of the upstream pool at a point in
// time. Only the Pool Registry constructs snapshots; every reader — Selector,
// Health Prober, admin surface — holds a reference to one and never observes
// a partial update (§3, §5).
type Snapshot struct {
	Version   uint64
	Upstreams []*UpstreamRecord
}

// Find returns the record with the given identity string, if present.
func (s *Snapshot) Find(identity string) (*UpstreamRecord, bool) {
	if s == nil {
		return nil, false
	}
	for _, u := range s.Upstreams {
		if u.Identity.String() == identity {
			return u, true
		}
	}
	return nil, false
}

// Eligible returns the subset of upstreams currently selectable.
func (s *Snapshot) Eligible() []*UpstreamRecord {
	if s == nil {
		return nil
	}
	out := make([]*UpstreamRecord, 0, len(s.Upstreams))
	for _, u := range s.Upstreams {
		if u.Eligible() {
			out = append(out, u)
		}
	}
	return out
}
