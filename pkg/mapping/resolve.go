package mapping

import (
	"fmt"

	"github.com/jimmy777/ditto-connectivity/pkg/connection"
)

// ResolveForSource builds the Mapper a source's MappingRules names. The
// "mapper" entry names the registered id ("ditto" when absent or empty);
// any other entry is passed through as a mapper Option (e.g.
// "contentType").
func ResolveForSource(registry *Registry, src connection.Source) (Mapper, error) {
	id, ok := src.MappingRules["mapper"]
	if !ok || id == "" {
		id = "ditto"
	}
	opts := make(Options, len(src.MappingRules))
	for k, v := range src.MappingRules {
		if k == "mapper" {
			continue
		}
		opts[k] = v
	}
	mapper, err := registry.Create(id, opts)
	if err != nil {
		return nil, fmt.Errorf("resolving mapper for source %q: %w", src.Address, err)
	}
	return mapper, nil
}
