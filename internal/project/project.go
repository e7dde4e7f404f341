// Package project loads a project directory: the item dictionaries and connections of
// .spinetoolbox/project.json, the specification files they refer to, and the executable items
// built from them.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/leapstack-labs/leapflow/internal/dag"
)

// Layout of a project directory.
const (
	ConfigDir = ".spinetoolbox"
	FileName  = "project.json"
	ItemsDir  = "items"
	SpecsDir  = "specifications"
)

// keyDelim separates koanf keys. Item names may contain dots.
const keyDelim = "::"

// PathRef is a file reference as stored in project files.
type PathRef struct {
	Type     string `koanf:"type" mapstructure:"type"`
	Relative bool   `koanf:"relative" mapstructure:"relative"`
	Path     string `koanf:"path" mapstructure:"path"`
}

// Resolve returns the referenced path, made absolute against the project directory when relative.
func (r PathRef) Resolve(projectDir string) string {
	p := filepath.FromSlash(r.Path)
	if r.Relative && !filepath.IsAbs(p) {
		return filepath.Join(projectDir, p)
	}
	return p
}

// ConnectionOptions are the options of one connection.
type ConnectionOptions struct {
	// WriteIndex orders the writers into the same database. Nil means unindexed.
	WriteIndex *int `koanf:"write_index"`
}

// Connection links the output of one item to the input of another.
type Connection struct {
	Name    string            `koanf:"name"`
	From    []string          `koanf:"from"`
	To      []string          `koanf:"to"`
	Options ConnectionOptions `koanf:"options"`
}

// Source returns the name of the upstream item.
func (c Connection) Source() string { return first(c.From) }

// Destination returns the name of the downstream item.
func (c Connection) Destination() string { return first(c.To) }

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Item is one entry of the items dictionary.
type Item struct {
	Name        string
	Type        string
	Description string
	X, Y        float64
	// Settings holds the whole item dictionary, decoded per item type when the item is built.
	Settings map[string]any
}

type header struct {
	Version        int                  `koanf:"version"`
	Name           string               `koanf:"name"`
	Description    string               `koanf:"description"`
	Specifications map[string][]PathRef `koanf:"specifications"`
	Connections    []Connection         `koanf:"connections"`
}

// Project is a loaded project.
type Project struct {
	Dir         string
	Version     int
	Description string
	Connections []Connection
	Items       map[string]*Item

	specRefs map[string][]PathRef
	specs    *Specifications
}

// FilePath returns the project file of the project in dir.
func FilePath(dir string) string {
	return filepath.Join(dir, ConfigDir, FileName)
}

// FindRoot walks up from startDir to the first directory holding a project file.
// Returns "" if there is none.
func FindRoot(startDir string) string {
	dir := startDir
	for {
		if _, err := os.Stat(FilePath(dir)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Load reads the project in dir.
func Load(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	path := FilePath(abs)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no project in %s: %w", abs, err)
	}

	k := koanf.New(keyDelim)
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to read project file %s: %w", path, err)
	}
	var h header
	if err := k.Unmarshal("project", &h); err != nil {
		return nil, fmt.Errorf("failed to decode project section: %w", err)
	}
	var raw map[string]map[string]any
	if err := k.Unmarshal("items", &raw); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}

	p := &Project{
		Dir:         abs,
		Version:     h.Version,
		Description: h.Description,
		Connections: h.Connections,
		Items:       make(map[string]*Item, len(raw)),
		specRefs:    h.Specifications,
	}
	for name, dict := range raw {
		item := &Item{Name: name, Settings: dict}
		item.Type, _ = dict["type"].(string)
		item.Description, _ = dict["description"].(string)
		item.X = number(dict["x"])
		item.Y = number(dict["y"])
		if item.Type == "" {
			return nil, fmt.Errorf("item %s has no type", name)
		}
		p.Items[name] = item
	}
	for _, c := range p.Connections {
		for _, end := range []string{c.Source(), c.Destination()} {
			if _, ok := p.Items[end]; !ok {
				return nil, fmt.Errorf("connection %q refers to unknown item %q", c.Name, end)
			}
		}
	}
	return p, nil
}

func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// ItemNames returns the item names, sorted.
func (p *Project) ItemNames() []string {
	names := make([]string, 0, len(p.Items))
	for name := range p.Items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShortName turns an item name into its data directory name.
func ShortName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

// ItemDataDir returns the data directory of the named item.
func (p *Project) ItemDataDir(name string) string {
	return filepath.Join(p.Dir, ConfigDir, ItemsDir, ShortName(name))
}

// Graph returns the item graph of the project.
func (p *Project) Graph() (*dag.Graph, error) {
	g := dag.NewGraph()
	for name := range p.Items {
		g.AddNode(name)
	}
	for _, c := range p.Connections {
		if err := g.AddEdge(c.Source(), c.Destination()); err != nil {
			return nil, fmt.Errorf("invalid connection %q: %w", c.Name, err)
		}
	}
	return g, nil
}

// ConnectionsInto returns the connections ending at the named item.
func (p *Project) ConnectionsInto(name string) []Connection {
	var out []Connection
	for _, c := range p.Connections {
		if c.Destination() == name {
			out = append(out, c)
		}
	}
	return out
}
