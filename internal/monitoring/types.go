// internal/monitoring/types.go - Merged table of static and registered alert types
package monitoring

import (
	"context"
	"fmt"
	"sort"

	"alertd/internal/config"
	"alertd/internal/database"
)

// TypeTable maps alert type names to ids. Static types come from the
// configuration, registered types from the store. Refresh rebuilds the
// registered half; nothing else mutates the table.
type TypeTable struct {
	static map[string]uint32
	byName map[string]uint32
	byID   map[uint32]string
}

func NewTypeTable(static []config.TypeConfig) *TypeTable {
	t := &TypeTable{
		static: make(map[string]uint32, len(static)),
		byName: make(map[string]uint32, len(static)),
		byID:   make(map[uint32]string, len(static)),
	}
	for _, st := range static {
		t.static[st.Name] = st.ID
		t.byName[st.Name] = st.ID
		t.byID[st.ID] = st.Name
	}
	return t
}

// Refresh reloads the registered types from the store.
func (t *TypeTable) Refresh(ctx context.Context, store database.Store) error {
	registered, err := store.SelectTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to select alert types: %w", err)
	}

	byName := make(map[string]uint32, len(t.static)+len(registered))
	byID := make(map[uint32]string, len(t.static)+len(registered))
	for name, id := range t.static {
		byName[name] = id
		byID[id] = name
	}
	for _, rt := range registered {
		// static names shadow registered ones
		if _, ok := t.static[rt.Name]; ok {
			continue
		}
		byName[rt.Name] = rt.ID
		byID[rt.ID] = rt.Name
	}

	t.byName = byName
	t.byID = byID
	return nil
}

func (t *TypeTable) Lookup(name string) (uint32, bool) {
	id, ok := t.byName[name]
	return id, ok
}

func (t *TypeTable) Name(id uint32) (string, bool) {
	name, ok := t.byID[id]
	return name, ok
}

func (t *TypeTable) IsStatic(name string) bool {
	_, ok := t.static[name]
	return ok
}

// Types returns every known type ordered by id.
func (t *TypeTable) Types() []database.AlertType {
	types := make([]database.AlertType, 0, len(t.byID))
	for id, name := range t.byID {
		types = append(types, database.AlertType{ID: id, Name: name})
	}
	sort.Slice(types, func(i, j int) bool {
		return types[i].ID < types[j].ID
	})
	return types
}

func (t *TypeTable) Len() int {
	return len(t.byID)
}
