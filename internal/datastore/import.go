package datastore

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// ConflictMode decides what an import does with a parameter value that already exists.
type ConflictMode string

// Conflict modes.
const (
	// ConflictMerge merges map values key by key and replaces everything else.
	ConflictMerge ConflictMode = "merge"
	// ConflictReplace overwrites the existing value.
	ConflictReplace ConflictMode = "replace"
	// ConflictKeep keeps the existing value.
	ConflictKeep ConflictMode = "keep"
)

// ParseConflictMode parses an on_conflict setting. The empty string means merge.
func ParseConflictMode(s string) (ConflictMode, error) {
	switch ConflictMode(s) {
	case "", ConflictMerge:
		return ConflictMerge, nil
	case ConflictReplace, ConflictKeep:
		return ConflictMode(s), nil
	}
	return "", fmt.Errorf("invalid on_conflict value %q: want merge, replace or keep", s)
}

// ImportData writes data into the session and returns how many records were added or
// changed together with one message per rejected record. Rejected records do not stop the
// import. Changes stay pending until CommitSession.
func (s *Store) ImportData(ctx context.Context, data *core.Data, onConflict string) (int, []string) {
	if data.Empty() {
		return 0, nil
	}
	mode, err := ParseConflictMode(onConflict)
	if err != nil {
		return 0, []string{err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, []string{err.Error()}
	}
	im := &importer{ctx: ctx, tx: tx, mode: mode}
	for _, a := range data.Alternatives {
		im.alternative(a)
	}
	depth := classDepths(data.EntityClasses)
	classes := slices.Clone(data.EntityClasses)
	slices.SortStableFunc(classes, func(a, b core.EntityClass) int { return cmp.Compare(depth[a.Name], depth[b.Name]) })
	for _, c := range classes {
		im.entityClass(c)
	}
	entities := slices.Clone(data.Entities)
	slices.SortStableFunc(entities, func(a, b core.Entity) int { return cmp.Compare(depth[a.Class], depth[b.Class]) })
	for _, e := range entities {
		im.entity(e)
	}
	for _, d := range data.ParameterDefinitions {
		im.parameterDefinition(d)
	}
	for _, v := range data.ParameterValues {
		im.parameterValue(v)
	}
	if im.count > 0 {
		s.dirty = true
	}
	return im.count, im.errs
}

type importer struct {
	ctx   context.Context
	tx    *sql.Tx
	mode  ConflictMode
	count int
	errs  []string
}

func (im *importer) fail(format string, args ...any) {
	im.errs = append(im.errs, fmt.Sprintf(format, args...))
}

// lookup runs a single-row query. found is false when there is no row.
func (im *importer) lookup(dest any, query string, args ...any) (bool, error) {
	err := im.tx.QueryRowContext(im.ctx, query, args...).Scan(dest)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (im *importer) exec(query string, args ...any) bool {
	if _, err := im.tx.ExecContext(im.ctx, query, args...); err != nil {
		im.fail("database error: %v", err)
		return false
	}
	im.count++
	return true
}

func (im *importer) classDimensions(name string) ([]string, bool) {
	var raw string
	found, err := im.lookup(&raw, `SELECT dimensions FROM entity_classes WHERE name = ?`, name)
	if err != nil {
		im.fail("database error: %v", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var dims []string
	if err := json.Unmarshal([]byte(raw), &dims); err != nil {
		im.fail("entity class %s: corrupt dimensions: %v", name, err)
		return nil, false
	}
	return dims, true
}

func (im *importer) exists(query string, args ...any) bool {
	var one int
	found, err := im.lookup(&one, query, args...)
	if err != nil {
		im.fail("database error: %v", err)
	}
	return found
}

func (im *importer) alternative(a core.Alternative) {
	if a.Name == "" {
		im.fail("alternative: missing name")
		return
	}
	if im.exists(`SELECT 1 FROM alternatives WHERE name = ?`, a.Name) {
		return
	}
	im.exec(`INSERT INTO alternatives (name) VALUES (?)`, a.Name)
}

func (im *importer) entityClass(c core.EntityClass) {
	if c.Name == "" {
		im.fail("entity class: missing name")
		return
	}
	if existing, ok := im.classDimensions(c.Name); ok {
		if !slices.Equal(existing, c.Dimensions) {
			im.fail("entity class %s: dimensions %v conflict with existing %v", c.Name, c.Dimensions, existing)
		}
		return
	}
	for _, d := range c.Dimensions {
		if _, ok := im.classDimensions(d); !ok {
			im.fail("entity class %s: unknown dimension class %s", c.Name, d)
			return
		}
	}
	dims, _ := json.Marshal(nonNil(c.Dimensions))
	im.exec(`INSERT INTO entity_classes (name, dimensions) VALUES (?, ?)`, c.Name, string(dims))
}

func (im *importer) entity(e core.Entity) {
	if e.Name == "" {
		im.fail("entity of class %s: missing name", e.Class)
		return
	}
	dims, ok := im.classDimensions(e.Class)
	if !ok {
		im.fail("entity %s: unknown entity class %s", e.Name, e.Class)
		return
	}
	if len(dims) != len(e.Elements) {
		im.fail("entity %s: class %s expects %d elements, got %d", e.Name, e.Class, len(dims), len(e.Elements))
		return
	}
	for i, el := range e.Elements {
		if !im.exists(`SELECT 1 FROM entities WHERE class = ? AND name = ?`, dims[i], el) {
			im.fail("entity %s: unknown element %s of class %s", e.Name, el, dims[i])
			return
		}
	}

	var raw string
	found, err := im.lookup(&raw, `SELECT elements FROM entities WHERE class = ? AND name = ?`, e.Class, e.Name)
	if err != nil {
		im.fail("database error: %v", err)
		return
	}
	if found {
		var existing []string
		_ = json.Unmarshal([]byte(raw), &existing)
		if !slices.Equal(existing, e.Elements) {
			im.fail("entity %s of class %s: elements %v conflict with existing %v", e.Name, e.Class, e.Elements, existing)
		}
		return
	}
	elements, _ := json.Marshal(nonNil(e.Elements))
	im.exec(`INSERT INTO entities (class, name, elements) VALUES (?, ?, ?)`, e.Class, e.Name, string(elements))
}

func (im *importer) parameterDefinition(d core.ParameterDefinition) {
	if d.Name == "" {
		im.fail("parameter definition of class %s: missing name", d.Class)
		return
	}
	if _, ok := im.classDimensions(d.Class); !ok {
		im.fail("parameter definition %s: unknown entity class %s", d.Name, d.Class)
		return
	}
	if im.exists(`SELECT 1 FROM parameter_definitions WHERE class = ? AND name = ?`, d.Class, d.Name) {
		return
	}
	im.exec(`INSERT INTO parameter_definitions (class, name) VALUES (?, ?)`, d.Class, d.Name)
}

func (im *importer) parameterValue(v core.ParameterValue) {
	alt := v.Alternative
	if alt == "" {
		alt = core.DefaultAlternative
	}
	what := fmt.Sprintf("value of %s for %s.%s", v.Parameter, v.Class, v.Entity)
	switch {
	case !im.exists(`SELECT 1 FROM entities WHERE class = ? AND name = ?`, v.Class, v.Entity):
		im.fail("%s: unknown entity", what)
		return
	case !im.exists(`SELECT 1 FROM parameter_definitions WHERE class = ? AND name = ?`, v.Class, v.Parameter):
		im.fail("%s: unknown parameter definition", what)
		return
	case !im.exists(`SELECT 1 FROM alternatives WHERE name = ?`, alt):
		im.fail("%s: unknown alternative %s", what, alt)
		return
	}

	var raw string
	found, err := im.lookup(&raw,
		`SELECT value FROM parameter_values WHERE class = ? AND entity = ? AND parameter = ? AND alternative = ?`,
		v.Class, v.Entity, v.Parameter, alt,
	)
	if err != nil {
		im.fail("database error: %v", err)
		return
	}

	value := v.Value
	if found {
		switch im.mode {
		case ConflictKeep:
			return
		case ConflictMerge:
			var existing any
			if err := json.Unmarshal([]byte(raw), &existing); err == nil {
				value = mergeValues(existing, value)
			}
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		im.fail("%s: %v", what, err)
		return
	}
	if !found {
		im.exec(`INSERT INTO parameter_values (class, entity, parameter, alternative, value) VALUES (?, ?, ?, ?, ?)`,
			v.Class, v.Entity, v.Parameter, alt, string(encoded))
		return
	}
	if string(encoded) == raw {
		return
	}
	im.exec(`UPDATE parameter_values SET value = ?, commit_id = NULL WHERE class = ? AND entity = ? AND parameter = ? AND alternative = ?`,
		string(encoded), v.Class, v.Entity, v.Parameter, alt)
}

// mergeValues merges two maps key by key; any other combination yields incoming.
func mergeValues(existing, incoming any) any {
	old, ok1 := existing.(map[string]any)
	upd, ok2 := incoming.(map[string]any)
	if !ok1 || !ok2 {
		return incoming
	}
	out := maps.Clone(old)
	maps.Copy(out, upd)
	return out
}

// classDepths orders classes so that dimension classes come before the classes built on them.
// Classes not in the batch count as depth zero.
func classDepths(classes []core.EntityClass) map[string]int {
	dims := make(map[string][]string, len(classes))
	for _, c := range classes {
		dims[c.Name] = c.Dimensions
	}
	depth := make(map[string]int, len(classes))
	var visit func(name string, seen map[string]bool) int
	visit = func(name string, seen map[string]bool) int {
		if d, ok := depth[name]; ok {
			return d
		}
		if seen[name] {
			return 0
		}
		seen[name] = true
		d := 0
		for _, dim := range dims[name] {
			d = max(d, visit(dim, seen)+1)
		}
		depth[name] = d
		return d
	}
	for _, c := range classes {
		visit(c.Name, map[string]bool{})
	}
	return depth
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
