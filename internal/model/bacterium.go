package model

// Position is a point in the continuous arena plane.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bacterium is a single organism.
//
// ParentID is a lineage key, not an owning reference: the parent may be
// removed from later populations without invalidating it.
type Bacterium struct {
	ID          string   `json:"id"`
	Position    Position `json:"position"`
	IsResistant bool     `json:"is_resistant"`
	Fitness     float64  `json:"fitness"`
	Age         int      `json:"age"`
	Generation  int      `json:"generation"`
	ParentID    string   `json:"parent_id,omitempty"`
	Color       string   `json:"color"`
	Size        float64  `json:"size"`
}

// Population is an ordered collection of bacteria. An empty population is a
// valid state (extinction).
type Population []Bacterium

// Clone returns a copy of p that shares no backing array with it.
func (p Population) Clone() Population {
	if p == nil {
		return nil
	}
	out := make(Population, len(p))
	copy(out, p)
	return out
}

// Index returns a lookup of bacteria by id.
func (p Population) Index() map[string]Bacterium {
	idx := make(map[string]Bacterium, len(p))
	for _, b := range p {
		idx[b.ID] = b
	}
	return idx
}

// MaxGeneration returns the deepest lineage depth present, or 0 for an empty
// population.
func (p Population) MaxGeneration() int {
	max := 0
	for _, b := range p {
		if b.Generation > max {
			max = b.Generation
		}
	}
	return max
}
