// Package tracking assigns process-unique identifiers to schedulable objects
// and keeps the registry the remote control plane reads. Tracking IDs are
// assigned at construction and survive Update: reconfiguration swaps an
// object's parameters, never its identity.
package tracking

import (
	"sync"

	"github.com/google/uuid"
)

// ID is embedded by every schedulable object.
type ID struct {
	id uuid.UUID
}

// NewID allocates a fresh tracking identifier.
func NewID() ID {
	return ID{id: uuid.New()}
}

// TrackingID returns the stable identifier.
func (t ID) TrackingID() uuid.UUID { return t.id }

// Object is anything carrying a tracking identifier.
type Object interface {
	TrackingID() uuid.UUID
}

// Ref is the semi-serialized form of a schedulable object: enough to
// reconstruct or diff it remotely.
type Ref struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Parameters map[string]any `json:"parameters"`
}

// Describable objects can produce their own Ref.
type Describable interface {
	Object
	Describe() Ref
}

// Registry indexes live objects by tracking ID for the control plane.
type Registry struct {
	mu      sync.RWMutex
	objects map[uuid.UUID]Describable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{objects: make(map[uuid.UUID]Describable)}
}

// Register records obj. Re-registering the same ID replaces the entry, which
// is what Update relies on.
func (r *Registry) Register(obj Describable) {
	r.mu.Lock()
	r.objects[obj.TrackingID()] = obj
	r.mu.Unlock()
}

// Unregister drops obj. Unknown objects are a no-op.
func (r *Registry) Unregister(obj Object) {
	r.mu.Lock()
	delete(r.objects, obj.TrackingID())
	r.mu.Unlock()
}

// Get looks an object up by ID.
func (r *Registry) Get(id uuid.UUID) (Describable, bool) {
	r.mu.RLock()
	obj, ok := r.objects[id]
	r.mu.RUnlock()
	return obj, ok
}

// Refs returns the semi-serialized view of every registered object.
func (r *Registry) Refs() []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]Ref, 0, len(r.objects))
	for _, obj := range r.objects {
		refs = append(refs, obj.Describe())
	}
	return refs
}
