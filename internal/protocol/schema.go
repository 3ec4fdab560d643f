package protocol

// BlueprintSchemaURL names the embedded blueprint schema when compiling it.
const BlueprintSchemaURL = "blueprint.schema.json"

// BlueprintSchema checks the shape of oracle output. Dimension values and phase
// membership are checked by the ingestor so they get their own error codes.
const BlueprintSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["structure", "elements", "build_order"],
  "properties": {
    "structure": {
      "type": "object",
      "properties": {
        "base_material": {"type": "string"},
        "roof_material": {"type": "string"},
        "description": {"type": "string"}
      }
    },
    "elements": {
      "type": "array",
      "items": {"$ref": "#/$defs/element"}
    },
    "build_order": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  },
  "$defs": {
    "triple": {
      "type": "array",
      "minItems": 3,
      "maxItems": 3,
      "items": {"type": "integer"}
    },
    "element": {
      "type": "object",
      "properties": {
        "id": {"type": "string"},
        "kind": {"enum": ["region", "point", "point_set"]},
        "phase": {"type": "string"},
        "type": {"type": "string"},
        "material": {"type": "string"},
        "facing": {"type": "string"},
        "orientation": {"type": "string"},
        "position": {
          "oneOf": [
            {"$ref": "#/$defs/triple"},
            {"type": "array", "items": {"$ref": "#/$defs/triple"}}
          ]
        },
        "positions": {"type": "array", "items": {"$ref": "#/$defs/triple"}},
        "dimensions": {"$ref": "#/$defs/triple"}
      }
    }
  }
}`
