package policy

import (
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"syscraft/internal/pipeline"
	appErr "syscraft/pkg/errors"
)

// moduleCatalogFile is the on-disk shape of a multi-module catalog.
type moduleCatalogFile struct {
	Modules []pipeline.Module `yaml:"modules"`
}

// LoadModules reads a catalog file holding a `modules:` list.
func LoadModules(path string) ([]pipeline.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigLoadFailed, "read module catalog failed").
			WithDetail("path", path)
	}
	var catalog moduleCatalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "parse module catalog failed").
			WithDetail("path", path)
	}
	for i, m := range catalog.Modules {
		if m.Name == "" {
			return nil, appErr.Newf(appErr.ConfigInvalid, "module %d in catalog has no name", i).
				WithDetail("path", path)
		}
	}
	return catalog.Modules, nil
}

// LoadModulesDir walks dir for module.yml / module.yaml files, one module
// per file, the layout a module tree ships in. Files inside nested
// directories count; a missing dir is an empty catalog, not an error.
func LoadModulesDir(dir string) ([]pipeline.Module, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var modules []pipeline.Module
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if name := d.Name(); name != "module.yml" && name != "module.yaml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return appErr.Wrapf(err, appErr.ConfigLoadFailed, "read module file failed").
				WithDetail("path", path)
		}
		var m pipeline.Module
		if err := yaml.Unmarshal(data, &m); err != nil {
			return appErr.Wrapf(err, appErr.ConfigInvalid, "parse module file failed").
				WithDetail("path", path)
		}
		if m.Name == "" {
			return appErr.New(appErr.ConfigInvalid).WithMessage("module file has no name").
				WithDetail("path", path)
		}
		modules = append(modules, m)
		return nil
	})
	if err != nil {
		if _, ok := err.(*appErr.Error); ok {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.ConfigLoadFailed, "walk module directory failed").
			WithDetail("dir", dir)
	}
	return modules, nil
}
