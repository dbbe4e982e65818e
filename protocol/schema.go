package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 入站帧的结构约束；服务端在解码前先校验
var frameSchemas = map[string]string{
	TypeRegister: `{
	  "type": "object",
	  "required": ["type", "public_key"],
	  "properties": {
	    "type": {"const": "register"},
	    "public_key": {"type": "string", "minLength": 1}
	  }
	}`,
	TypeRequest: `{
	  "type": "object",
	  "required": ["type", "id", "kind", "public_key"],
	  "properties": {
	    "type": {"const": "request"},
	    "id": {"type": "integer", "minimum": 0},
	    "kind": {"enum": ["image", "tileset", "map_metadata", "chunks", "player"]},
	    "public_key": {"type": "string", "minLength": 1},
	    "fields": {
	      "type": "object",
	      "additionalProperties": {"type": "string"}
	    }
	  }
	}`,
	TypePositions: `{
	  "type": "object",
	  "required": ["type", "positions"],
	  "properties": {
	    "type": {"const": "positions"},
	    "positions": {
	      "type": "array",
	      "maxItems": 512,
	      "items": {
	        "type": "object",
	        "required": ["x", "y"],
	        "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
	      }
	    }
	  }
	}`,
	TypeRotations: `{
	  "type": "object",
	  "required": ["type", "rotations"],
	  "properties": {
	    "type": {"const": "rotations"},
	    "rotations": {"type": "array", "maxItems": 512, "items": {"type": "number"}}
	  }
	}`,
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = make(map[string]*jsonschema.Schema, len(frameSchemas))
		for typ, src := range frameSchemas {
			s, err := jsonschema.CompileString(typ+".schema.json", src)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s schema: %w", typ, err)
				return
			}
			schemas[typ] = s
		}
	})
	return schemas, schemasErr
}

// ValidateFrame 校验入站帧并返回其类型；未知类型视为非法
func ValidateFrame(raw []byte) (string, error) {
	all, err := compiledSchemas()
	if err != nil {
		return "", err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return "", fmt.Errorf("frame is not an object")
	}
	typ, _ := obj["type"].(string)
	s, ok := all[typ]
	if !ok {
		return "", fmt.Errorf("unexpected frame type %q", typ)
	}
	if err := s.Validate(doc); err != nil {
		return typ, err
	}
	return typ, nil
}
