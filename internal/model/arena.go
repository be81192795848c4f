package model

import "math"

// Arena is the circular region that bounds every bacterium position. It is
// centred in a square of side Size, so the centre sits at (Size/2, Size/2).
type Arena struct {
	Size float64
}

// Center returns the arena centre.
func (a Arena) Center() Position {
	return Position{X: a.Size / 2, Y: a.Size / 2}
}

// Radius returns the arena radius.
func (a Arena) Radius() float64 {
	return a.Size / 2
}

// Distance returns the distance of p from the arena centre.
func (a Arena) Distance(p Position) float64 {
	c := a.Center()
	return math.Hypot(p.X-c.X, p.Y-c.Y)
}

// Contains reports whether p lies inside the arena circle.
func (a Arena) Contains(p Position) bool {
	return a.Distance(p) <= a.Radius()
}
