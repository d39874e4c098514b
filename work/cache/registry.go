package cache

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Namespace is the type-erased view of a Store used by the registry.
type Namespace interface {
	Name() string
	Len() int
	Delete(key string)
	Clear()
}

// NamespaceStats is one row of the admin cache report.
type NamespaceStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// Registry is the cache service handed to everything that caches. It owns
// the clock, the size bound and the optional archive shared by its namespaces.
type Registry struct {
	now        func() time.Time
	maxEntries int
	archive    Archive
	namespaces *xsync.MapOf[string, Namespace]
}

// Options for NewRegistry; zero values pick defaults.
type Options struct {
	MaxEntries int
	Clock      func() time.Time
	Archive    Archive
}

// NewRegistry creates an empty cache service
func NewRegistry(opts Options) *Registry {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Registry{
		now:        opts.Clock,
		maxEntries: opts.MaxEntries,
		archive:    opts.Archive,
		namespaces: xsync.NewMapOf[string, Namespace](),
	}
}

// Now is the registry clock, shared with expiry policies.
func (r *Registry) Now() time.Time {
	return r.now()
}

func (r *Registry) register(ns Namespace) {
	r.namespaces.Store(ns.Name(), ns)
}

// Namespace looks a namespace up by name.
func (r *Registry) Namespace(name string) (Namespace, bool) {
	return r.namespaces.Load(name)
}

// Stats lists every namespace sorted by name.
func (r *Registry) Stats() []NamespaceStats {
	var stats []NamespaceStats
	r.namespaces.Range(func(name string, ns Namespace) bool {
		stats = append(stats, NamespaceStats{Name: name, Entries: ns.Len()})
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Clear empties one namespace, or all of them when name is empty. It reports
// false for an unknown name.
func (r *Registry) Clear(name string) bool {
	if name != "" {
		ns, ok := r.namespaces.Load(name)
		if !ok {
			return false
		}
		ns.Clear()
		return true
	}

	r.namespaces.Range(func(_ string, ns Namespace) bool {
		ns.Clear()
		return true
	})
	return true
}
