package core

import (
	"maps"
	"path/filepath"
)

// ResourceType identifies what a Resource points at.
type ResourceType string

// Resource types.
const (
	ResourceDatabase      ResourceType = "database"
	ResourceFile          ResourceType = "file"
	ResourceFilePattern   ResourceType = "file_pattern"
	ResourceTransientFile ResourceType = "transient_file"
)

// Well-known metadata keys.
const (
	// MetaServerManager holds the control address of the database server manager.
	MetaServerManager = "db_server_manager_queue"
	// MetaLabel holds the advertised label of a transient file.
	MetaLabel = "label"
	// MetaOrdering holds the *Ordering a writer must honor for a database target.
	MetaOrdering = "ordering"
	// MetaFork holds the fork name parsed from an output directory.
	MetaFork = "fork"
	// MetaRun holds the run time stamp parsed from an output directory.
	MetaRun = "run"
)

// Resource is an immutable handle for one addressable artifact exchanged between items.
// It describes what and where, but never opens anything by itself.
//
// Resources are published by OutputResourcesForward/OutputResourcesBackward and must not be
// mutated afterwards; use Clone, WithURL or WithMetadata to derive new ones.
type Resource struct {
	// ProviderName is the name of the item that produced the resource.
	ProviderName string
	Type         ResourceType
	// Label is the stable logical name used by downstream selectors.
	Label string
	// URL is set for database resources.
	URL string
	// Path is set for file resources. Transient files may not have one yet.
	Path       string
	Metadata   map[string]any
	Filterable bool
}

// DatabaseLabel returns the label a database provider advertises its URL under.
func DatabaseLabel(provider string) string {
	return "db_url@" + provider
}

// NewDatabaseResource creates a database resource. managerAddr is the control address of the
// server manager through which the database must be opened.
func NewDatabaseResource(provider, url, label, managerAddr string) *Resource {
	if label == "" {
		label = DatabaseLabel(provider)
	}
	md := map[string]any{}
	if managerAddr != "" {
		md[MetaServerManager] = managerAddr
	}
	return &Resource{
		ProviderName: provider,
		Type:         ResourceDatabase,
		Label:        label,
		URL:          url,
		Metadata:     md,
		Filterable:   true,
	}
}

// NewFileResource creates a resource for a file that exists.
func NewFileResource(provider, path, label string) *Resource {
	if label == "" {
		label = filepath.Base(path)
	}
	return &Resource{
		ProviderName: provider,
		Type:         ResourceFile,
		Label:        label,
		Path:         path,
		Metadata:     map[string]any{},
	}
}

// NewFilePatternResource creates a resource standing for every file matching a glob pattern.
func NewFilePatternResource(provider, pattern, label string) *Resource {
	if label == "" {
		label = filepath.Base(pattern)
	}
	return &Resource{
		ProviderName: provider,
		Type:         ResourceFilePattern,
		Label:        label,
		Path:         pattern,
		Metadata:     map[string]any{},
	}
}

// NewTransientFileResource creates a resource for a file produced during execution.
// path may be empty when the producer has not written the file yet.
func NewTransientFileResource(provider, path, label string) *Resource {
	return &Resource{
		ProviderName: provider,
		Type:         ResourceTransientFile,
		Label:        label,
		Path:         path,
		Metadata:     map[string]any{MetaLabel: label},
	}
}

// Clone returns a deep copy of the resource's top-level fields and metadata map.
func (r *Resource) Clone() *Resource {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return &c
}

// WithURL returns a copy of the resource pointing at url.
func (r *Resource) WithURL(url string) *Resource {
	c := r.Clone()
	c.URL = url
	return c
}

// WithMetadata returns a copy of the resource with key set to value.
func (r *Resource) WithMetadata(key string, value any) *Resource {
	c := r.Clone()
	c.Metadata[key] = value
	return c
}

// HasFile reports whether the resource refers to a concrete file on disk.
func (r *Resource) HasFile() bool {
	switch r.Type {
	case ResourceFile, ResourceTransientFile:
		return r.Path != ""
	default:
		return false
	}
}

// ManagerAddress returns the server manager control address recorded in the metadata.
func (r *Resource) ManagerAddress() string {
	addr, _ := r.Metadata[MetaServerManager].(string)
	return addr
}

// Ordering returns the write ordering attached to the resource, if any.
func (r *Resource) Ordering() *Ordering {
	o, _ := r.Metadata[MetaOrdering].(*Ordering)
	return o
}

// FilterByType returns the resources of the given type, preserving order.
func FilterByType(resources []*Resource, t ResourceType) []*Resource {
	var out []*Resource
	for _, r := range resources {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// LabelToResources groups resources by label, preserving order within each label.
func LabelToResources(resources []*Resource) map[string][]*Resource {
	out := make(map[string][]*Resource)
	for _, r := range resources {
		out[r.Label] = append(out[r.Label], r)
	}
	return out
}
