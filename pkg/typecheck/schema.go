package typecheck

import (
	"sync"

	"github.com/verisimdb/verisimdb/pkg/types"
)

// SchemaRegistry holds the declared field types per modality. Unknown
// fields synthesize as String in permissive mode and fail in strict mode.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[types.Modality]map[string]Type
}

// NewSchemaRegistry creates a registry seeded with the built-in fields
// every modality carries.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[types.Modality]map[string]Type)}

	for _, m := range types.CoreModalities() {
		r.schemas[m] = map[string]Type{}
	}
	r.Declare(types.ModalityDocument, "title", Type{Kind: KindString})
	r.Declare(types.ModalityDocument, "name", Type{Kind: KindString})
	r.Declare(types.ModalityDocument, "text", Type{Kind: KindString})
	r.Declare(types.ModalityDocument, "severity", Type{Kind: KindInt})
	r.Declare(types.ModalityVector, "embedding", Type{Kind: KindVector})
	r.Declare(types.ModalityVector, "dimension", Type{Kind: KindInt})
	r.Declare(types.ModalityTensor, "shape", Type{Kind: KindTensor})
	r.Declare(types.ModalityTemporal, "version", Type{Kind: KindInt})
	r.Declare(types.ModalityTemporal, "timestamp", Type{Kind: KindString})
	return r
}

// Declare registers (or overrides) a field type.
func (r *SchemaRegistry) Declare(m types.Modality, field string, t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields, ok := r.schemas[m]
	if !ok {
		fields = make(map[string]Type)
		r.schemas[m] = fields
	}
	fields[field] = t
}

// Field looks up a declared field type.
func (r *SchemaRegistry) Field(m types.Modality, field string) (Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fields, ok := r.schemas[m]
	if !ok {
		return Type{}, false
	}
	t, ok := fields[field]
	return t, ok
}
