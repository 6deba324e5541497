package pipeline

import (
	"strings"

	appErr "syscraft/pkg/errors"
)

// Module is one declarative configuration unit: the packages it installs,
// the commands it runs, and the hook scripts bracketing them. Values are
// usually unmarshaled from a YAML catalog; the engine consumes them as-is.
type Module struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Requires    []string `yaml:"requires"`
	Conflicts   []string `yaml:"conflicts"`
	Packages    []string `yaml:"packages"`
	AURPackages []string `yaml:"aurPackages"`
	Commands    []string `yaml:"commands"`
	PreHook     string   `yaml:"preHook"`
	PostHook    string   `yaml:"postHook"`
}

// Catalog is a name-indexed module set. It is immutable after construction
// and safe for concurrent readers.
type Catalog struct {
	modules map[string]Module
	names   []string
}

// NewCatalog indexes modules by name. Names must be non-empty and unique.
func NewCatalog(modules []Module) (*Catalog, error) {
	c := &Catalog{modules: make(map[string]Module, len(modules))}
	for i, m := range modules {
		if strings.TrimSpace(m.Name) == "" {
			return nil, appErr.Newf(appErr.InvalidParams, "module at index %d has no name", i)
		}
		if _, dup := c.modules[m.Name]; dup {
			return nil, appErr.Newf(appErr.InvalidParams, "duplicate module name %q", m.Name)
		}
		c.modules[m.Name] = m
		c.names = append(c.names, m.Name)
	}
	return c, nil
}

// Get returns the module registered under name.
func (c *Catalog) Get(name string) (Module, bool) {
	m, ok := c.modules[name]
	return m, ok
}

// List returns every module in registration order.
func (c *Catalog) List() []Module {
	out := make([]Module, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.modules[name])
	}
	return out
}

// Search returns modules whose name or description contains query,
// case-insensitively.
func (c *Catalog) Search(query string) []Module {
	q := strings.ToLower(query)
	var out []Module
	for _, name := range c.names {
		m := c.modules[name]
		if strings.Contains(strings.ToLower(m.Name), q) ||
			strings.Contains(strings.ToLower(m.Description), q) {
			out = append(out, m)
		}
	}
	return out
}

// Resolve expands names into their full dependency closure in apply order:
// every module appears after everything it requires, exactly once. A name
// outside the catalog is ModuleNotFound, a require loop is DependencyCycle,
// and a declared conflict anywhere inside the closure is ModuleConflict.
func (c *Catalog) Resolve(names []string) ([]Module, error) {
	resolved := make([]Module, 0, len(names))
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return appErr.Newf(appErr.DependencyCycle, "dependency cycle through module %q", name).
				WithDetail("stack", append(append([]string{}, stack...), name))
		}
		m, ok := c.modules[name]
		if !ok {
			return appErr.Newf(appErr.ModuleNotFound, "module %q is not in the catalog", name)
		}
		visiting[name] = true
		stack = append(stack, name)
		for _, dep := range m.Requires {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(visiting, name)
		visited[name] = true
		resolved = append(resolved, m)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	if err := checkConflicts(resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

// checkConflicts inspects the whole closure, not just the names the caller
// asked for: a conflicting module pulled in as a dependency is still a
// conflict.
func checkConflicts(modules []Module) error {
	selected := make(map[string]bool, len(modules))
	for _, m := range modules {
		selected[m.Name] = true
	}
	for _, m := range modules {
		for _, other := range m.Conflicts {
			if selected[other] {
				return appErr.Newf(appErr.ModuleConflict, "module %q conflicts with %q", m.Name, other).
					WithDetail("module", m.Name).
					WithDetail("conflicts_with", other)
			}
		}
	}
	return nil
}
