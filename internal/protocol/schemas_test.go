package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"craftarchitect.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	s, err := jsonschema.CompileString(protocol.BlueprintSchemaURL, protocol.BlueprintSchema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	decode := func(raw string) any {
		t.Helper()
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return v
	}

	valid := []string{
		`{
		  "structure":{"width":10,"depth":10,"height":4,"base_material":"oak_planks"},
		  "elements":[{"kind":"region","phase":"walls","material":"oak_planks","position":[0,0,0],"dimensions":[10,4,10]}],
		  "build_order":["walls"]
		}`,
		`{
		  "structure":{"width":5,"depth":5,"height":3},
		  "elements":[
		    {"type":"windows","material":"glass_pane","position":[[1,1,0],[3,1,0]]},
		    {"kind":"point","phase":"door","material":"oak_door","position":[2,0,0],"facing":"south"},
		    {"kind":"point_set","phase":"windows","material":"glass","positions":[[0,1,2]]}
		  ],
		  "build_order":["door","windows"]
		}`,
	}
	for i, raw := range valid {
		if err := s.Validate(decode(raw)); err != nil {
			t.Fatalf("valid[%d]: %v", i, err)
		}
	}

	invalid := []string{
		`{"structure":{},"elements":[]}`,
		`{"structure":{},"elements":[{"position":[0,0]}],"build_order":[]}`,
		`{"structure":{},"elements":[{"position":[0,0.5,1]}],"build_order":[]}`,
		`{"structure":{},"elements":[{"kind":"cone"}],"build_order":[]}`,
		`{"structure":{},"elements":[],"build_order":[""]}`,
		`{"structure":[],"elements":[],"build_order":[]}`,
	}
	for i, raw := range invalid {
		if err := s.Validate(decode(raw)); err == nil {
			t.Fatalf("invalid[%d]: expected validation error", i)
		}
	}
}

func TestCommandRequest_Shape(t *testing.T) {
	msg := protocol.NewCommandRequest("req-1", "setblock 0 64 0 stone")
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	base, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if base.Header.RequestID != "req-1" || base.Header.MessagePurpose != protocol.PurposeCommandRequest {
		t.Fatalf("header: %+v", base.Header)
	}
	if base.Header.Version != protocol.Version {
		t.Fatalf("version: %d", base.Header.Version)
	}
}
