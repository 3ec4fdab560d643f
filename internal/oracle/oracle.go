// Package oracle obtains blueprint JSON for a free-text description.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/jsonc"

	"craftarchitect.ai/internal/blueprint"
)

var (
	// ErrUnresolvable means the service answered but could not turn the
	// description into a spatial plan.
	ErrUnresolvable = errors.New("oracle: description could not be spatially resolved")
	// ErrNoMatch lets a Chain move on to its next oracle.
	ErrNoMatch = errors.New("oracle: no match")
)

type Request struct {
	Description        string
	Anchor             blueprint.Vec3i
	AvailableMaterials []string
}

// Oracle returns raw blueprint JSON for a request. Implementations may be slow
// and non-deterministic and must honor ctx.
type Oracle interface {
	Analyze(ctx context.Context, req Request) ([]byte, error)
}

// Chain asks each oracle in turn until one returns something other than ErrNoMatch.
type Chain []Oracle

func (c Chain) Analyze(ctx context.Context, req Request) ([]byte, error) {
	for _, o := range c {
		b, err := o.Analyze(ctx, req)
		if errors.Is(err, ErrNoMatch) {
			continue
		}
		return b, err
	}
	return nil, ErrNoMatch
}

// Clean turns a model response into plain JSON: a surrounding markdown fence
// is dropped, comments and trailing commas are stripped, and an
// {"error": "..."} reply becomes ErrUnresolvable.
func Clean(raw []byte) ([]byte, error) {
	b := stripFence(bytes.TrimSpace(raw))
	b = bytes.TrimSpace(jsonc.ToJSON(b))
	if !json.Valid(b) {
		return nil, fmt.Errorf("oracle: response is not JSON (%d bytes)", len(raw))
	}
	var probe struct {
		Error    *string         `json:"error"`
		Elements json.RawMessage `json:"elements"`
	}
	if err := json.Unmarshal(b, &probe); err == nil && probe.Error != nil && probe.Elements == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvable, *probe.Error)
	}
	return b, nil
}

func stripFence(b []byte) []byte {
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = b[3:]
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		// Language tag such as "json".
		b = b[i+1:]
	}
	if i := bytes.LastIndex(b, []byte("```")); i >= 0 {
		b = b[:i]
	}
	return bytes.TrimSpace(b)
}
