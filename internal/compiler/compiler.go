package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"craftarchitect.ai/internal/blueprint"
	"craftarchitect.ai/internal/protocol"
)

// Defaults match a vanilla Java Edition server reached over RCON.
const (
	DefaultMaxCommandLen = 1000
	DefaultMaxFillVolume = 32768
)

var (
	DefaultMin = blueprint.Vec3i{X: -30000000, Y: -64, Z: -30000000}
	DefaultMax = blueprint.Vec3i{X: 29999999, Y: 319, Z: 29999999}
)

type Options struct {
	// Min and Max bound every absolute coordinate (inclusive).
	Min blueprint.Vec3i
	Max blueprint.Vec3i

	MaxCommandLen int
	// MaxFillVolume is the per-command fill limit; larger fills are split.
	MaxFillVolume int
	DisableMerge  bool
}

func DefaultOptions() Options {
	return Options{
		Min:           DefaultMin,
		Max:           DefaultMax,
		MaxCommandLen: DefaultMaxCommandLen,
		MaxFillVolume: DefaultMaxFillVolume,
	}
}

func (o *Options) Normalize() {
	if o.Min == (blueprint.Vec3i{}) && o.Max == (blueprint.Vec3i{}) {
		o.Min, o.Max = DefaultMin, DefaultMax
	}
	if o.MaxCommandLen <= 0 {
		o.MaxCommandLen = DefaultMaxCommandLen
	}
	if o.MaxFillVolume <= 0 {
		o.MaxFillVolume = DefaultMaxFillVolume
	}
}

func (o Options) Validate() error {
	if o.Min.X > o.Max.X || o.Min.Y > o.Max.Y || o.Min.Z > o.Max.Z {
		return fmt.Errorf("compiler: min %s exceeds max %s", o.Min, o.Max)
	}
	return nil
}

// CompileError rejects a blueprint that cannot be lowered to commands.
type CompileError struct {
	Code      string
	Element   int
	ElementID string
	Message   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Code, e.ElementID, e.Message)
}

var (
	materialRe = regexp.MustCompile(`^(?:[a-z0-9_.-]+:)?[a-z0-9_./-]+(?:\[(?:[a-z0-9_]+=[a-z0-9_.-]+(?:,[a-z0-9_]+=[a-z0-9_.-]+)*)?\])?$`)

	facings = map[string]bool{
		"north": true, "south": true, "east": true, "west": true, "up": true, "down": true,
	}
)

type Compiler struct {
	opts Options
}

func New(opts Options) *Compiler {
	opts.Normalize()
	return &Compiler{opts: opts}
}

func (c *Compiler) Options() Options { return c.opts }

// Compile lowers bp into placement operations anchored at anchor.
func (c *Compiler) Compile(bp *blueprint.Blueprint, anchor blueprint.Vec3i) ([]Operation, error) {
	return c.CompileRotated(bp, anchor, 0)
}

// CompileRotated is Compile with the build turned by rotation (quarter turns or
// degrees) around the anchor. The output is a pure function of its inputs.
func (c *Compiler) CompileRotated(bp *blueprint.Blueprint, anchor blueprint.Vec3i, rotation int) ([]Operation, error) {
	if bp == nil {
		return nil, &CompileError{Code: protocol.ErrCompileFailed, Element: -1, Message: "nil blueprint"}
	}
	s := &session{c: c, anchor: anchor, rot: blueprint.NormalizeRotation(rotation)}
	for pi, phase := range bp.BuildOrder {
		s.phase, s.phaseIndex = phase, pi
		for _, e := range bp.Elements {
			if e.Phase != phase {
				continue
			}
			if err := s.element(e); err != nil {
				return nil, err
			}
		}
		if err := s.flush(); err != nil {
			return nil, err
		}
	}
	return s.ops, nil
}

type group struct {
	b        box
	material string
	sources  []int
	first    blueprint.Element
}

type session struct {
	c          *Compiler
	anchor     blueprint.Vec3i
	rot        int
	phase      string
	phaseIndex int

	ops        []Operation
	footprints []box
	pending    *group
}

func (s *session) fail(code string, e blueprint.Element, format string, args ...any) error {
	return &CompileError{Code: code, Element: e.Index, ElementID: e.Label(), Message: fmt.Sprintf(format, args...)}
}

func (s *session) resolve(rel blueprint.Vec3i) blueprint.Vec3i {
	return s.anchor.Add(blueprint.RotateOffset(rel, s.rot))
}

func (s *session) inRange(p blueprint.Vec3i) bool {
	o := s.c.opts
	return p.X >= o.Min.X && p.X <= o.Max.X &&
		p.Y >= o.Min.Y && p.Y <= o.Max.Y &&
		p.Z >= o.Min.Z && p.Z <= o.Max.Z
}

func (s *session) checkMaterial(e blueprint.Element) error {
	if e.Material == "" {
		return s.fail(protocol.ErrInvalidOperation, e, "empty material")
	}
	if !materialRe.MatchString(e.Material) {
		return s.fail(protocol.ErrInvalidOperation, e, "material %q is not a block identifier", e.Material)
	}
	return nil
}

func (s *session) element(e blueprint.Element) error {
	if err := s.checkMaterial(e); err != nil {
		return err
	}
	switch e.Kind {
	case blueprint.KindRegion:
		return s.region(e)
	case blueprint.KindPoint:
		if err := s.flush(); err != nil {
			return err
		}
		return s.setblock(e, e.Position)
	case blueprint.KindPointSet:
		if err := s.flush(); err != nil {
			return err
		}
		for _, p := range e.Positions {
			if err := s.setblock(e, p); err != nil {
				return err
			}
		}
		return nil
	default:
		return s.fail(protocol.ErrInvalidOperation, e, "unknown element kind %q", e.Kind)
	}
}

func (s *session) region(e blueprint.Element) error {
	d := e.Dimensions
	if d.X <= 0 || d.Y <= 0 || d.Z <= 0 {
		return s.fail(protocol.ErrInvalidOperation, e, "dimensions %s must be positive", d)
	}
	far := e.Position.Add(blueprint.Vec3i{X: d.X - 1, Y: d.Y - 1, Z: d.Z - 1})
	b := boxOf(s.resolve(e.Position), s.resolve(far))
	if !s.inRange(b.min) || !s.inRange(b.max) {
		return s.fail(protocol.ErrInvalidOperation, e, "box %s..%s outside %s..%s", b.min, b.max, s.c.opts.Min, s.c.opts.Max)
	}

	if g := s.pending; g != nil && !s.c.opts.DisableMerge && g.material == e.Material {
		if u, ok := union(g.b, b); ok && !s.overlapsScheduled(u) {
			g.b = u
			g.sources = append(g.sources, e.Index)
			return nil
		}
	}
	if err := s.flush(); err != nil {
		return err
	}
	s.pending = &group{b: b, material: e.Material, sources: []int{e.Index}, first: e}
	return nil
}

func (s *session) overlapsScheduled(b box) bool {
	for _, f := range s.footprints {
		if f.overlaps(b) {
			return true
		}
	}
	return false
}

func (s *session) flush() error {
	g := s.pending
	if g == nil {
		return nil
	}
	s.pending = nil
	for _, piece := range split(g.b, s.c.opts.MaxFillVolume) {
		op := Operation{
			Kind:     OpFill,
			From:     piece.min,
			To:       piece.max,
			Material: g.material,
			Sources:  append([]int(nil), g.sources...),
			Command:  fillCommand(piece, g.material),
		}
		if err := s.emit(g.first, op); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) setblock(e blueprint.Element, rel blueprint.Vec3i) error {
	p := s.resolve(rel)
	if !s.inRange(p) {
		return s.fail(protocol.ErrInvalidOperation, e, "position %s outside %s..%s", p, s.c.opts.Min, s.c.opts.Max)
	}
	block := e.Material
	facing := ""
	if e.Facing != "" {
		if !facings[e.Facing] {
			return s.fail(protocol.ErrInvalidOperation, e, "unknown facing %q", e.Facing)
		}
		facing = blueprint.RotateFacing(e.Facing, s.rot)
		var err error
		if block, err = withFacing(block, facing); err != nil {
			return s.fail(protocol.ErrInvalidOperation, e, "%v", err)
		}
	}
	return s.emit(e, Operation{
		Kind:     OpSetblock,
		From:     p,
		To:       p,
		Material: e.Material,
		Facing:   facing,
		Sources:  []int{e.Index},
		Command:  setblockCommand(p, block),
	})
}

func (s *session) emit(e blueprint.Element, op Operation) error {
	if n := len(op.Command); n > s.c.opts.MaxCommandLen {
		return s.fail(protocol.ErrCommandTooLarge, e, "%s command is %d bytes, limit %d", op.Kind, n, s.c.opts.MaxCommandLen)
	}
	op.Seq = len(s.ops)
	op.Phase = s.phase
	op.PhaseIndex = s.phaseIndex
	s.ops = append(s.ops, op)
	s.footprints = append(s.footprints, box{min: op.From, max: op.To})
	return nil
}

// withFacing adds a facing block state to a material identifier.
func withFacing(material, facing string) (string, error) {
	i := strings.IndexByte(material, '[')
	if i < 0 {
		return material + "[facing=" + facing + "]", nil
	}
	states := strings.TrimSuffix(material[i+1:], "]")
	if states == "" {
		return material[:i] + "[facing=" + facing + "]", nil
	}
	for _, kv := range strings.Split(states, ",") {
		if strings.HasPrefix(kv, "facing=") {
			return "", fmt.Errorf("material %q already sets facing", material)
		}
	}
	return material[:i] + "[" + states + ",facing=" + facing + "]", nil
}
