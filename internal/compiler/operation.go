package compiler

import (
	"fmt"

	"craftarchitect.ai/internal/blueprint"
)

type OpKind string

const (
	OpFill     OpKind = "fill"
	OpSetblock OpKind = "setblock"
)

// Operation is one remote placement command. For setblock, To equals From.
// Sources lists the oracle indices of the elements the operation came from.
type Operation struct {
	Seq        int             `json:"seq"`
	Kind       OpKind          `json:"kind"`
	Phase      string          `json:"phase"`
	PhaseIndex int             `json:"phase_index"`
	From       blueprint.Vec3i `json:"from"`
	To         blueprint.Vec3i `json:"to"`
	Material   string          `json:"material"`
	Facing     string          `json:"facing,omitempty"`
	Sources    []int           `json:"sources"`
	Command    string          `json:"command"`
}

// Volume is the number of blocks the operation places.
func (op Operation) Volume() int {
	return box{min: op.From, max: op.To}.volume()
}

func fillCommand(b box, material string) string {
	return fmt.Sprintf("fill %d %d %d %d %d %d %s",
		b.min.X, b.min.Y, b.min.Z, b.max.X, b.max.Y, b.max.Z, material)
}

func setblockCommand(p blueprint.Vec3i, block string) string {
	return fmt.Sprintf("setblock %d %d %d %s", p.X, p.Y, p.Z, block)
}

// box is an inclusive axis-aligned block range.
type box struct {
	min, max blueprint.Vec3i
}

func boxOf(a, b blueprint.Vec3i) box {
	return box{
		min: blueprint.Vec3i{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)},
		max: blueprint.Vec3i{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)},
	}
}

func (b box) volume() int {
	return (b.max.X - b.min.X + 1) * (b.max.Y - b.min.Y + 1) * (b.max.Z - b.min.Z + 1)
}

func (b box) overlaps(o box) bool {
	return b.min.X <= o.max.X && o.min.X <= b.max.X &&
		b.min.Y <= o.max.Y && o.min.Y <= b.max.Y &&
		b.min.Z <= o.max.Z && o.min.Z <= b.max.Z
}

func (b box) intersect(o box) (box, bool) {
	if !b.overlaps(o) {
		return box{}, false
	}
	return box{
		min: blueprint.Vec3i{X: max(b.min.X, o.min.X), Y: max(b.min.Y, o.min.Y), Z: max(b.min.Z, o.min.Z)},
		max: blueprint.Vec3i{X: min(b.max.X, o.max.X), Y: min(b.max.Y, o.max.Y), Z: min(b.max.Z, o.max.Z)},
	}, true
}

func (b box) bounds(o box) box {
	return box{
		min: blueprint.Vec3i{X: min(b.min.X, o.min.X), Y: min(b.min.Y, o.min.Y), Z: min(b.min.Z, o.min.Z)},
		max: blueprint.Vec3i{X: max(b.max.X, o.max.X), Y: max(b.max.Y, o.max.Y), Z: max(b.max.Z, o.max.Z)},
	}
}

// union returns the combined box when a and b together cover exactly their bounding box.
func union(a, b box) (box, bool) {
	bb := a.bounds(b)
	covered := a.volume() + b.volume()
	if in, ok := a.intersect(b); ok {
		covered -= in.volume()
	}
	return bb, covered == bb.volume()
}

// split cuts b into pieces of at most limit blocks: whole y layers first,
// then z rows within a layer, then x segments within a row.
func split(b box, limit int) []box {
	if limit <= 0 || b.volume() <= limit {
		return []box{b}
	}
	w := b.max.X - b.min.X + 1
	d := b.max.Z - b.min.Z + 1
	var out []box
	if layer := w * d; layer <= limit {
		step := limit / layer
		for y := b.min.Y; y <= b.max.Y; y += step {
			hi := min(y+step-1, b.max.Y)
			out = append(out, box{
				min: blueprint.Vec3i{X: b.min.X, Y: y, Z: b.min.Z},
				max: blueprint.Vec3i{X: b.max.X, Y: hi, Z: b.max.Z},
			})
		}
		return out
	}
	for y := b.min.Y; y <= b.max.Y; y++ {
		if w <= limit {
			step := limit / w
			for z := b.min.Z; z <= b.max.Z; z += step {
				hi := min(z+step-1, b.max.Z)
				out = append(out, box{
					min: blueprint.Vec3i{X: b.min.X, Y: y, Z: z},
					max: blueprint.Vec3i{X: b.max.X, Y: y, Z: hi},
				})
			}
			continue
		}
		for z := b.min.Z; z <= b.max.Z; z++ {
			for x := b.min.X; x <= b.max.X; x += limit {
				hi := min(x+limit-1, b.max.X)
				out = append(out, box{
					min: blueprint.Vec3i{X: x, Y: y, Z: z},
					max: blueprint.Vec3i{X: hi, Y: y, Z: z},
				})
			}
		}
	}
	return out
}
