package blueprint

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Vec3i is an integer world or offset coordinate. It encodes as [x,y,z].
type Vec3i struct {
	X, Y, Z int
}

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }

func (v Vec3i) Array() [3]int { return [3]int{v.X, v.Y, v.Z} }

func (v Vec3i) String() string { return fmt.Sprintf("%d,%d,%d", v.X, v.Y, v.Z) }

func FromArray(a [3]int) Vec3i { return Vec3i{X: a[0], Y: a[1], Z: a[2]} }

func (v Vec3i) MarshalJSON() ([]byte, error) { return json.Marshal(v.Array()) }

func (v *Vec3i) UnmarshalJSON(b []byte) error {
	var a [3]int
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*v = FromArray(a)
	return nil
}

// ParseVec3i parses "x,y,z" (spaces allowed).
func ParseVec3i(s string) (Vec3i, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Vec3i{}, fmt.Errorf("bad coordinate %q: want x,y,z", s)
	}
	var out [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Vec3i{}, fmt.Errorf("bad coordinate %q: %w", s, err)
		}
		out[i] = n
	}
	return FromArray(out), nil
}

type Kind string

const (
	KindRegion   Kind = "region"
	KindPoint    Kind = "point"
	KindPointSet Kind = "point_set"
)

type Structure struct {
	Width        int    `json:"width"`
	Depth        int    `json:"depth"`
	Height       int    `json:"height"`
	BaseMaterial string `json:"base_material,omitempty"`
	RoofMaterial string `json:"roof_material,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Element is one construction unit. Which fields are meaningful depends on Kind:
// region uses Position and Dimensions, point uses Position and Facing, point_set
// uses Positions and Facing. All coordinates are relative to the build anchor.
type Element struct {
	Index      int     `json:"index"`
	ID         string  `json:"id,omitempty"`
	Kind       Kind    `json:"kind"`
	Phase      string  `json:"phase"`
	Material   string  `json:"material"`
	Position   Vec3i   `json:"position"`
	Dimensions Vec3i   `json:"dimensions,omitzero"` // X width, Y height, Z depth
	Positions  []Vec3i `json:"positions,omitempty"`
	Facing     string  `json:"facing,omitempty"`
}

// Label names the element in errors and reports.
func (e Element) Label() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("element[%d]", e.Index)
}

type Blueprint struct {
	Structure  Structure `json:"structure"`
	Elements   []Element `json:"elements"`
	BuildOrder []string  `json:"build_order"`
}

func (b *Blueprint) PhaseIndex(tag string) int {
	for i, p := range b.BuildOrder {
		if p == tag {
			return i
		}
	}
	return -1
}

// Restrict returns a copy holding only the elements whose Index is in keep.
// Element indices and the build order are preserved.
func (b *Blueprint) Restrict(keep map[int]bool) *Blueprint {
	out := &Blueprint{
		Structure:  b.Structure,
		BuildOrder: append([]string(nil), b.BuildOrder...),
	}
	for _, e := range b.Elements {
		if keep[e.Index] {
			e.Positions = append([]Vec3i(nil), e.Positions...)
			out.Elements = append(out.Elements, e)
		}
	}
	return out
}
