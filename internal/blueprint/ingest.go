package blueprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"craftarchitect.ai/internal/protocol"
)

var blueprintSchema = jsonschema.MustCompileString(protocol.BlueprintSchemaURL, protocol.BlueprintSchema)

// IngestError rejects a blueprint before anything is compiled.
// Element is the oracle index of the offending element, or -1 for the blueprint as a whole.
type IngestError struct {
	Code    string
	Element int
	Message string
}

func (e *IngestError) Error() string {
	if e.Element >= 0 {
		return fmt.Sprintf("%s: element %d: %s", e.Code, e.Element, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func ingestErr(code string, elem int, format string, args ...any) *IngestError {
	return &IngestError{Code: code, Element: elem, Message: fmt.Sprintf(format, args...)}
}

type rawStructure struct {
	Width        json.RawMessage `json:"width"`
	Depth        json.RawMessage `json:"depth"`
	Height       json.RawMessage `json:"height"`
	BaseMaterial string          `json:"base_material"`
	RoofMaterial string          `json:"roof_material"`
	Description  string          `json:"description"`
}

type rawElement struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Phase       string          `json:"phase"`
	Type        string          `json:"type"`
	Material    string          `json:"material"`
	Facing      string          `json:"facing"`
	Orientation string          `json:"orientation"`
	Position    json.RawMessage `json:"position"`
	Positions   [][3]int        `json:"positions"`
	Dimensions  *[3]int         `json:"dimensions"`
}

type rawBlueprint struct {
	Structure  rawStructure `json:"structure"`
	Elements   []rawElement `json:"elements"`
	BuildOrder []string     `json:"build_order"`
}

// Ingest validates oracle output and normalizes it into a Blueprint.
// It performs no I/O and is deterministic for a given input.
func Ingest(raw []byte) (*Blueprint, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, ingestErr(protocol.ErrMalformed, -1, "decode: %v", err)
	}
	if err := blueprintSchema.Validate(doc); err != nil {
		return nil, ingestErr(protocol.ErrMalformed, -1, "schema: %v", err)
	}

	var rb rawBlueprint
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, ingestErr(protocol.ErrMalformed, -1, "decode: %v", err)
	}

	st := Structure{
		BaseMaterial: strings.TrimSpace(rb.Structure.BaseMaterial),
		RoofMaterial: strings.TrimSpace(rb.Structure.RoofMaterial),
		Description:  rb.Structure.Description,
	}
	for _, d := range []struct {
		name string
		raw  json.RawMessage
		dst  *int
	}{
		{"width", rb.Structure.Width, &st.Width},
		{"depth", rb.Structure.Depth, &st.Depth},
		{"height", rb.Structure.Height, &st.Height},
	} {
		n, ok := positiveInt(d.raw)
		if !ok {
			return nil, ingestErr(protocol.ErrInvalidDimensions, -1, "structure.%s must be a positive integer, got %s", d.name, describeRaw(d.raw))
		}
		*d.dst = n
	}

	if len(rb.Elements) == 0 {
		return nil, ingestErr(protocol.ErrNoElements, -1, "blueprint has no elements")
	}

	order := make([]string, 0, len(rb.BuildOrder))
	phases := map[string]bool{}
	for _, p := range rb.BuildOrder {
		if phases[p] {
			continue
		}
		phases[p] = true
		order = append(order, p)
	}

	bp := &Blueprint{Structure: st, BuildOrder: order, Elements: make([]Element, 0, len(rb.Elements))}
	for i, re := range rb.Elements {
		e, err := normalizeElement(i, re, st)
		if err != nil {
			return nil, err
		}
		if !phases[e.Phase] {
			return nil, ingestErr(protocol.ErrUnknownPhase, i, "phase %q is not in build_order %v", e.Phase, order)
		}
		bp.Elements = append(bp.Elements, e)
	}
	return bp, nil
}

func normalizeElement(i int, re rawElement, st Structure) (Element, error) {
	e := Element{
		Index:    i,
		ID:       strings.TrimSpace(re.ID),
		Phase:    re.Phase,
		Material: strings.TrimSpace(re.Material),
		Facing:   strings.ToLower(strings.TrimSpace(re.Facing)),
	}
	if e.Phase == "" {
		e.Phase = re.Type
	}
	if e.Facing == "" {
		e.Facing = strings.ToLower(strings.TrimSpace(re.Orientation))
	}
	if e.Material == "" {
		if e.Phase == "roof" && st.RoofMaterial != "" {
			e.Material = st.RoofMaterial
		} else {
			e.Material = st.BaseMaterial
		}
	}

	var single *[3]int
	var list [][3]int
	if len(re.Position) > 0 && string(re.Position) != "null" {
		if err := json.Unmarshal(re.Position, &list); err != nil {
			var p [3]int
			if err := json.Unmarshal(re.Position, &p); err != nil {
				return Element{}, ingestErr(protocol.ErrMalformed, i, "position: %v", err)
			}
			single = &p
			list = nil
		} else if list == nil {
			list = [][3]int{}
		}
	}

	switch Kind(re.Kind) {
	case KindRegion, KindPoint, KindPointSet:
		e.Kind = Kind(re.Kind)
	case "":
		switch {
		case re.Positions != nil || list != nil:
			e.Kind = KindPointSet
		case re.Dimensions != nil:
			e.Kind = KindRegion
		default:
			e.Kind = KindPoint
		}
	default:
		return Element{}, ingestErr(protocol.ErrMalformed, i, "unknown kind %q", re.Kind)
	}

	switch e.Kind {
	case KindRegion:
		if single == nil {
			return Element{}, ingestErr(protocol.ErrMalformed, i, "region needs a single position")
		}
		if re.Dimensions == nil {
			return Element{}, ingestErr(protocol.ErrInvalidDimensions, i, "region has no dimensions")
		}
		d := *re.Dimensions
		if d[0] <= 0 || d[1] <= 0 || d[2] <= 0 {
			return Element{}, ingestErr(protocol.ErrInvalidDimensions, i, "dimensions %v must be positive", d)
		}
		e.Position = FromArray(*single)
		e.Dimensions = FromArray(d)
	case KindPoint:
		if single == nil {
			return Element{}, ingestErr(protocol.ErrMalformed, i, "point needs a single position")
		}
		e.Position = FromArray(*single)
	case KindPointSet:
		all := append(list, re.Positions...)
		if single != nil {
			all = append([][3]int{*single}, all...)
		}
		if len(all) == 0 {
			return Element{}, ingestErr(protocol.ErrEmptyPositions, i, "point_set has no positions")
		}
		e.Positions = make([]Vec3i, len(all))
		for k, p := range all {
			e.Positions[k] = FromArray(p)
		}
	}
	return e, nil
}

func positiveInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil || i <= 0 {
		return 0, false
	}
	return int(i), true
}

func describeRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "nothing"
	}
	return string(raw)
}
