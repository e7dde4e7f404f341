package datastore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/filterconfig"
)

// ExportData reads everything visible to the session, pending changes included, and passes it
// through the filter configs of the store's URL.
func (s *Store) ExportData(ctx context.Context) (*core.Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queryer()
	data := &core.Data{}

	err := scanAll(ctx, q, `SELECT name, dimensions FROM entity_classes`, func(scan func(...any) error) error {
		var c core.EntityClass
		var dims string
		if err := scan(&c.Name, &dims); err != nil {
			return err
		}
		c.Dimensions = decodeNames(dims)
		data.EntityClasses = append(data.EntityClasses, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export entity classes: %w", err)
	}

	err = scanAll(ctx, q, `SELECT class, name, elements FROM entities`, func(scan func(...any) error) error {
		var e core.Entity
		var elements string
		if err := scan(&e.Class, &e.Name, &elements); err != nil {
			return err
		}
		e.Elements = decodeNames(elements)
		data.Entities = append(data.Entities, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export entities: %w", err)
	}

	err = scanAll(ctx, q, `SELECT name FROM alternatives`, func(scan func(...any) error) error {
		var a core.Alternative
		if err := scan(&a.Name); err != nil {
			return err
		}
		data.Alternatives = append(data.Alternatives, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export alternatives: %w", err)
	}

	err = scanAll(ctx, q, `SELECT class, name FROM parameter_definitions`, func(scan func(...any) error) error {
		var d core.ParameterDefinition
		if err := scan(&d.Class, &d.Name); err != nil {
			return err
		}
		data.ParameterDefinitions = append(data.ParameterDefinitions, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export parameter definitions: %w", err)
	}

	err = scanAll(ctx, q, `SELECT class, entity, parameter, alternative, value FROM parameter_values`, func(scan func(...any) error) error {
		var v core.ParameterValue
		var raw string
		if err := scan(&v.Class, &v.Entity, &v.Parameter, &v.Alternative, &raw); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(raw), &v.Value); err != nil {
			return fmt.Errorf("corrupt value of %s.%s.%s: %w", v.Class, v.Entity, v.Parameter, err)
		}
		data.ParameterValues = append(data.ParameterValues, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export parameter values: %w", err)
	}

	if err := filterconfig.Apply(data, s.filters); err != nil {
		return nil, fmt.Errorf("failed to apply filters: %w", err)
	}
	data.Sort()
	return data, nil
}

func scanAll(ctx context.Context, q queryer, query string, fn func(scan func(...any) error) error) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}

func decodeNames(raw string) []string {
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil || len(names) == 0 {
		return nil
	}
	return names
}
