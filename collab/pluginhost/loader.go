package pluginhost

import (
	"os"
	"path/filepath"
	"plugin"
	"sort"

	"finit-go/logging"
)

// Plugin is the contract a compiled .so must satisfy, looked up by symbol
// name "Plugin" after Open. Init runs once at load time; it is where a
// plugin registers its own conditions or starts background watchers of
// its own.
type Plugin interface {
	Name() string
	Init() error
}

// LoadAll opens every *.so in dir and calls Init on each plugin it finds,
// in lexical filename order. A missing directory is not an error.
func LoadAll(dir string) ([]Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".so" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var loaded []Plugin
	for _, name := range names {
		p, err := loadOne(filepath.Join(dir, name))
		if err != nil {
			logging.Warn("plugin load failed", "path", name, "error", err)
			continue
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

func loadOne(path string) (Plugin, error) {
	plg, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := plg.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	p, ok := sym.(Plugin)
	if !ok {
		return nil, errNotAPlugin(path)
	}
	if err := p.Init(); err != nil {
		return nil, err
	}
	return p, nil
}

type pluginErr string

func (e pluginErr) Error() string { return string(e) }

func errNotAPlugin(path string) error {
	return pluginErr(path + ": exported symbol \"Plugin\" does not implement pluginhost.Plugin")
}
