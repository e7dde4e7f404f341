package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// Specifications holds the raw specification dictionaries of a project, keyed by item type and
// then by specification name.
type Specifications struct {
	byType map[string]map[string]map[string]any
}

// Lookup returns the named specification of itemType.
func (s *Specifications) Lookup(itemType, name string) (map[string]any, bool) {
	spec, ok := s.byType[itemType][name]
	return spec, ok
}

// Count returns the number of specifications of itemType.
func (s *Specifications) Count(itemType string) int {
	return len(s.byType[itemType])
}

// Specifications loads the specification files listed in the project file. Files are JSON or
// YAML. A file's item_type wins over the list it is listed under.
func (p *Project) Specifications() (*Specifications, error) {
	if p.specs != nil {
		return p.specs, nil
	}
	specs := &Specifications{byType: map[string]map[string]map[string]any{}}
	for listedType, refs := range p.specRefs {
		for _, ref := range refs {
			path := ref.Resolve(p.Dir)
			dict, err := readSpecification(path)
			if err != nil {
				return nil, err
			}
			name, _ := dict["name"].(string)
			if name == "" {
				name = trimExt(filepath.Base(path))
			}
			itemType, _ := dict["item_type"].(string)
			if itemType == "" {
				itemType = listedType
			}
			if specs.byType[itemType] == nil {
				specs.byType[itemType] = map[string]map[string]any{}
			}
			specs.byType[itemType][name] = dict
		}
	}
	p.specs = specs
	return specs, nil
}

func readSpecification(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read specification: %w", err)
	}
	var dict map[string]any
	if err := yaml.Unmarshal(content, &dict); err != nil {
		return nil, fmt.Errorf("failed to parse specification %s: %w", path, err)
	}
	if dict == nil {
		return nil, fmt.Errorf("specification %s is empty", path)
	}
	return dict, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// decode decodes a raw dictionary into out, accepting the loose typing of hand-written files.
func decode(input, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	return d.Decode(input)
}
