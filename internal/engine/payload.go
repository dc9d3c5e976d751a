package engine

import (
	"encoding/json"
	"fmt"

	"github.com/arkhive/meridian/pkg/types"
)

// memoryToPayload flattens a Memory into the map[string]interface{}
// payload a storage.VectorStore upserts. Grounded on the teacher's
// postgres memory_store.go, which round-trips struct fields through
// json.Marshal/Unmarshal against JSONB columns (metadata, tags,
// source_context) rather than hand-mapping each field — the same
// round-trip is used here for the whole struct since Qdrant's payload
// is itself just typed JSON.
func memoryToPayload(mem types.Memory) (map[string]interface{}, error) {
	raw, err := json.Marshal(mem)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal memory: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("engine: unmarshal memory to payload: %w", err)
	}
	return payload, nil
}

// memoryFromPayload reverses memoryToPayload.
func memoryFromPayload(payload map[string]interface{}) (types.Memory, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Memory{}, fmt.Errorf("engine: marshal payload: %w", err)
	}
	var mem types.Memory
	if err := json.Unmarshal(raw, &mem); err != nil {
		return types.Memory{}, fmt.Errorf("engine: unmarshal payload to memory: %w", err)
	}
	return mem, nil
}

// structToPayload and payloadToStruct generalize the same round-trip
// for other typed records the engine persists through a VectorStore,
// such as audit entries, without duplicating the marshal/unmarshal
// pair for every type.
func structToPayload(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal struct: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("engine: unmarshal struct to payload: %w", err)
	}
	return payload, nil
}

func payloadToStruct(payload map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("engine: marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("engine: unmarshal payload to struct: %w", err)
	}
	return nil
}
