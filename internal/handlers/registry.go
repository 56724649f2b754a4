package handlers

import (
	"sort"
	"sync"

	"github.com/rendis/tabula/pkg/schema"
)

// Registry is the thread-safe handler registry. Handler lists are immutable
// once published: every mutation builds a fresh sorted slice and swaps it in
// under the lock, so a pipeline run that already resolved its list completes
// with that list while new runs see the updated registry. Readers never
// observe a partially updated list.
type Registry struct {
	mu     sync.RWMutex
	byType map[string][]*Registration
	seq    uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[string][]*Registration),
	}
}

// Register adds a handler registration. Registering the same
// (actionType, originID) pair again replaces the existing entry in place,
// never duplicates; the replacement keeps the original registration order so
// unrelated handlers are not reordered.
func (r *Registry) Register(reg Registration) error {
	if reg.Handler == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	if reg.ActionType == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}
	if !hasCapability(reg.Handler) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"handler %q has no validate, execute, or approval capability", reg.Handler.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.byType[reg.ActionType]
	next := make([]*Registration, 0, len(existing)+1)
	replaced := false
	for _, e := range existing {
		if e.OriginID == reg.OriginID {
			reg.seq = e.seq
			next = append(next, &reg)
			replaced = true
			continue
		}
		next = append(next, e)
	}
	if !replaced {
		r.seq++
		reg.seq = r.seq
		next = append(next, &reg)
	}

	sortRegistrations(next)
	r.byType[reg.ActionType] = next
	return nil
}

// Unregister removes the handler registered by originID for the given action
// type. Removing a handler that was never registered is a no-op.
func (r *Registry) Unregister(actionType, originID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.byType[actionType]
	next := make([]*Registration, 0, len(existing))
	for _, e := range existing {
		if e.OriginID != originID {
			next = append(next, e)
		}
	}
	r.publish(actionType, next)
}

// UnregisterAll removes every handler tagged with originID across all action
// types. Atomic with respect to in-flight resolution: each action type's
// list is swapped whole.
func (r *Registry) UnregisterAll(originID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for actionType, existing := range r.byType {
		next := make([]*Registration, 0, len(existing))
		for _, e := range existing {
			if e.OriginID != originID {
				next = append(next, e)
			}
		}
		r.publish(actionType, next)
	}
}

// Resolve returns the ordered handler list for an action type: ascending
// priority, ties broken by registration order. The returned slice is an
// immutable snapshot; callers must not modify it.
func (r *Registry) Resolve(actionType string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[actionType]
}

// ActionTypes returns all action types with at least one handler, sorted.
func (r *Registry) ActionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count returns the total number of registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, regs := range r.byType {
		n += len(regs)
	}
	return n
}

// publish installs a rebuilt list, dropping the key when it empties.
func (r *Registry) publish(actionType string, regs []*Registration) {
	if len(regs) == 0 {
		delete(r.byType, actionType)
		return
	}
	r.byType[actionType] = regs
}

func sortRegistrations(regs []*Registration) {
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority < regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})
}

func hasCapability(h Handler) bool {
	if _, ok := h.(Validator); ok {
		return true
	}
	if _, ok := h.(Executor); ok {
		return true
	}
	if _, ok := h.(ApprovalMessenger); ok {
		return true
	}
	return false
}
