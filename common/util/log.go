package util

import (
	"sort"

	ipfsLog "github.com/ipfs/go-log/v2"
)

// SetLogModule applies per-module log levels in stable order so overlapping
// regex patterns resolve the same way on every start.
func SetLogModule(moduleLevels map[string]string) error {
	var modules []string
	for module := range moduleLevels {
		modules = append(modules, module)
	}
	sort.Strings(modules)
	for _, module := range modules {
		if err := ipfsLog.SetLogLevelRegex(module, moduleLevels[module]); err != nil {
			return err
		}
	}
	return nil
}
