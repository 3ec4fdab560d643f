package compiler

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"craftarchitect.ai/internal/blueprint"
	"craftarchitect.ai/internal/protocol"
)

func ingest(t *testing.T, raw string) *blueprint.Blueprint {
	t.Helper()
	bp, err := blueprint.Ingest([]byte(raw))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return bp
}

func commands(ops []Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Command
	}
	return out
}

const cottage = `{
  "structure":{"width":7,"depth":7,"height":5,"base_material":"cobblestone","roof_material":"oak_planks"},
  "elements":[
    {"id":"roof","phase":"roof","position":[0,4,0],"dimensions":[7,1,7]},
    {"id":"floor","phase":"foundation","position":[0,0,0],"dimensions":[7,1,7]},
    {"id":"wall-s","phase":"walls","material":"oak_log","position":[0,1,0],"dimensions":[7,3,1]},
    {"id":"wall-n","phase":"walls","material":"oak_log","position":[0,1,6],"dimensions":[7,3,1]},
    {"id":"door","phase":"door","material":"oak_door","position":[3,1,0],"facing":"south"},
    {"id":"windows","phase":"windows","material":"glass_pane","positions":[[1,2,0],[5,2,0]]}
  ],
  "build_order":["foundation","walls","door","windows","roof"]
}`

func TestCompile_ScenarioSingleFill(t *testing.T) {
	bp := ingest(t, `{
	  "structure":{"width":10,"depth":10,"height":4,"base_material":"oak_planks"},
	  "elements":[{"kind":"region","phase":"walls","material":"oak_planks","position":[0,0,0],"dimensions":[10,4,10]}],
	  "build_order":["walls"]
	}`)
	ops, err := New(DefaultOptions()).Compile(bp, blueprint.Vec3i{Y: 64})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("ops=%d want 1", len(ops))
	}
	op := ops[0]
	if op.Kind != OpFill || op.From != (blueprint.Vec3i{Y: 64}) || op.To != (blueprint.Vec3i{X: 9, Y: 67, Z: 9}) {
		t.Fatalf("op: %+v", op)
	}
	if op.Command != "fill 0 64 0 9 67 9 oak_planks" {
		t.Fatalf("command: %q", op.Command)
	}
	if op.Volume() != 400 {
		t.Fatalf("volume: %d", op.Volume())
	}
}

func TestCompile_PhaseOrderAndOverwrite(t *testing.T) {
	ops, err := New(DefaultOptions()).Compile(ingest(t, cottage), blueprint.Vec3i{X: 100, Y: 70, Z: -20})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []string{
		"fill 100 70 -20 106 70 -14 cobblestone",
		"fill 100 71 -20 106 73 -20 oak_log",
		"fill 100 71 -14 106 73 -14 oak_log",
		"setblock 103 71 -20 oak_door[facing=south]",
		"setblock 101 72 -20 glass_pane",
		"setblock 105 72 -20 glass_pane",
		"fill 100 74 -20 106 74 -14 oak_planks",
	}
	if got := commands(ops); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
	for i := 1; i < len(ops); i++ {
		if ops[i].PhaseIndex < ops[i-1].PhaseIndex {
			t.Fatalf("op %d phase %s precedes op %d phase %s", i, ops[i].Phase, i-1, ops[i-1].Phase)
		}
		if ops[i].Seq != i {
			t.Fatalf("seq %d at %d", ops[i].Seq, i)
		}
	}
	// The window cut into the south wall comes after the wall fill.
	if ops[4].Sources[0] != 5 || ops[1].Sources[0] != 2 {
		t.Fatalf("sources: %v %v", ops[1].Sources, ops[4].Sources)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	c := New(DefaultOptions())
	a, err := c.CompileRotated(ingest(t, cottage), blueprint.Vec3i{Y: 64}, 90)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, err := c.CompileRotated(ingest(t, cottage), blueprint.Vec3i{Y: 64}, 90)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("compile not deterministic")
	}
}

func TestCompile_MergesAdjacentRegions(t *testing.T) {
	bp := ingest(t, `{
	  "structure":{"width":8,"depth":1,"height":1},
	  "elements":[
	    {"phase":"walls","material":"stone","position":[0,0,0],"dimensions":[4,1,1]},
	    {"phase":"walls","material":"stone","position":[4,0,0],"dimensions":[4,1,1]},
	    {"phase":"walls","material":"stone","position":[0,1,0],"dimensions":[3,1,1]},
	    {"phase":"walls","material":"stone","position":[0,2,0],"dimensions":[3,1,1]}
	  ],
	  "build_order":["walls"]
	}`)
	ops, err := New(DefaultOptions()).Compile(bp, blueprint.Vec3i{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []string{
		"fill 0 0 0 7 0 0 stone",
		"fill 0 1 0 2 2 0 stone",
	}
	if got := commands(ops); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands: %v", got)
	}
	if !reflect.DeepEqual(ops[0].Sources, []int{0, 1}) || !reflect.DeepEqual(ops[1].Sources, []int{2, 3}) {
		t.Fatalf("sources: %v %v", ops[0].Sources, ops[1].Sources)
	}

	opts := DefaultOptions()
	opts.DisableMerge = true
	ops, err = New(opts).Compile(bp, blueprint.Vec3i{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("merge disabled: ops=%d", len(ops))
	}
}

func TestCompile_NoMergeAcrossPhasesOrOverScheduled(t *testing.T) {
	bp := ingest(t, `{
	  "structure":{"width":4,"depth":1,"height":2},
	  "elements":[
	    {"phase":"walls","material":"stone","position":[0,0,0],"dimensions":[2,1,1]},
	    {"phase":"trim","material":"stone","position":[2,0,0],"dimensions":[2,1,1]},
	    {"phase":"trim","material":"glass","position":[0,1,0],"dimensions":[2,1,1]},
	    {"phase":"trim","material":"glass","position":[0,0,0],"dimensions":[2,1,1]}
	  ],
	  "build_order":["walls","trim"]
	}`)
	ops, err := New(DefaultOptions()).Compile(bp, blueprint.Vec3i{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []string{
		"fill 0 0 0 1 0 0 stone",
		"fill 2 0 0 3 0 0 stone",
		"fill 0 1 0 1 1 0 glass",
		"fill 0 0 0 1 0 0 glass",
	}
	if got := commands(ops); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands: %v", got)
	}
}

func TestCompile_SplitsLargeFills(t *testing.T) {
	bp := ingest(t, `{
	  "structure":{"width":64,"depth":64,"height":10},
	  "elements":[{"phase":"foundation","material":"stone","position":[0,0,0],"dimensions":[64,10,64]}],
	  "build_order":["foundation"]
	}`)
	ops, err := New(DefaultOptions()).Compile(bp, blueprint.Vec3i{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	total := 0
	for _, op := range ops {
		if op.Volume() > DefaultMaxFillVolume {
			t.Fatalf("piece %s too large", op.Command)
		}
		total += op.Volume()
	}
	if total != 64*10*64 {
		t.Fatalf("volume=%d", total)
	}
	if len(ops) != 2 || ops[0].Command != "fill 0 0 0 63 7 63 stone" || ops[1].Command != "fill 0 8 0 63 9 63 stone" {
		t.Fatalf("split: %v", commands(ops))
	}

	pieces := split(box{max: blueprint.Vec3i{X: 9, Y: 1, Z: 2}}, 4)
	sum := 0
	for _, p := range pieces {
		if p.volume() > 4 {
			t.Fatalf("piece %+v exceeds limit", p)
		}
		sum += p.volume()
	}
	if sum != 60 {
		t.Fatalf("segments cover %d blocks", sum)
	}
}

func TestCompile_Rotation(t *testing.T) {
	bp := ingest(t, `{
	  "structure":{"width":3,"depth":1,"height":1},
	  "elements":[
	    {"phase":"a","material":"stone","position":[0,0,0],"dimensions":[3,1,1]},
	    {"phase":"a","material":"chest","position":[2,0,0],"facing":"east"}
	  ],
	  "build_order":["a"]
	}`)
	ops, err := New(DefaultOptions()).CompileRotated(bp, blueprint.Vec3i{X: 10, Y: 64, Z: 10}, 1)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []string{
		"fill 10 64 8 10 64 10 stone",
		"setblock 10 64 8 chest[facing=north]",
	}
	if got := commands(ops); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands: %v", got)
	}
}

func TestCompile_Errors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		opts func(*Options)
		code string
		id   string
	}{
		{
			name: "bad facing",
			raw:  `{"structure":{"width":1,"depth":1,"height":1},"elements":[{"id":"d","phase":"a","material":"oak_door","position":[0,0,0],"facing":"sideways"}],"build_order":["a"]}`,
			code: protocol.ErrInvalidOperation, id: "d",
		},
		{
			name: "empty material",
			raw:  `{"structure":{"width":1,"depth":1,"height":1},"elements":[{"phase":"a","position":[0,0,0]}],"build_order":["a"]}`,
			code: protocol.ErrInvalidOperation, id: "element[0]",
		},
		{
			name: "material with spaces",
			raw:  `{"structure":{"width":1,"depth":1,"height":1},"elements":[{"phase":"a","material":"oak planks","position":[0,0,0]}],"build_order":["a"]}`,
			code: protocol.ErrInvalidOperation, id: "element[0]",
		},
		{
			name: "below world",
			raw:  `{"structure":{"width":1,"depth":1,"height":1},"elements":[{"id":"pit","phase":"a","material":"stone","position":[0,-200,0],"dimensions":[1,1,1]}],"build_order":["a"]}`,
			code: protocol.ErrInvalidOperation, id: "pit",
		},
		{
			name: "command too large",
			raw:  `{"structure":{"width":1,"depth":1,"height":1},"elements":[{"phase":"a","material":"minecraft:stone","position":[0,0,0]}],"build_order":["a"]}`,
			opts: func(o *Options) { o.MaxCommandLen = 20 },
			code: protocol.ErrCommandTooLarge, id: "element[0]",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opts := DefaultOptions()
			if c.opts != nil {
				c.opts(&opts)
			}
			ops, err := New(opts).Compile(ingest(t, c.raw), blueprint.Vec3i{Y: 64})
			if err == nil {
				t.Fatalf("expected error, got %v", commands(ops))
			}
			if ops != nil {
				t.Fatalf("partial output on error: %v", commands(ops))
			}
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CompileError, got %T", err)
			}
			if ce.Code != c.code || ce.ElementID != c.id {
				t.Fatalf("got %s/%s want %s/%s", ce.Code, ce.ElementID, c.code, c.id)
			}
		})
	}
}

func TestWithFacing(t *testing.T) {
	cases := map[string]string{
		"oak_stairs":               "oak_stairs[facing=west]",
		"oak_stairs[]":             "oak_stairs[facing=west]",
		"oak_stairs[half=top]":     "oak_stairs[half=top,facing=west]",
		"minecraft:furnace[lit=0]": "minecraft:furnace[lit=0,facing=west]",
	}
	for in, want := range cases {
		got, err := withFacing(in, "west")
		if err != nil || got != want {
			t.Fatalf("withFacing(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := withFacing("oak_stairs[facing=east]", "west"); err == nil {
		t.Fatalf("expected duplicate facing error")
	}
}
