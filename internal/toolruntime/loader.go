package toolruntime

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Definition mirrors a single <tool>.toml file on disk. Schema is kept
// as a generic map so it round-trips into jsonschema.Schema via
// SpecFromSchemaString.
type Definition struct {
	ID               string                 `toml:"id"`
	Description      string                 `toml:"description"`
	RequiresApproval bool                   `toml:"requires_approval"`
	Schema           map[string]any         `toml:"schema"`
}

// LoadDefinitions reads every *.toml file in dir and returns the parsed
// definitions, leaving Run unset — callers attach the Run function and
// compiled Schema before registering with a Runtime.
func LoadDefinitions(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("toolruntime: read tool spec dir %s: %w", dir, err)
	}
	var defs []Definition
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		var def Definition
		path := filepath.Join(dir, e.Name())
		if _, err := toml.DecodeFile(path, &def); err != nil {
			return nil, fmt.Errorf("toolruntime: decode %s: %w", path, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Compile turns a Definition into a registrable ToolSpec, pairing its
// compiled schema with the supplied run function.
func Compile(def Definition, run func(ctx ToolContext, input map[string]any) (ToolResult, error)) (*ToolSpec, error) {
	compiled, err := SpecFromSchemaString(def.ID, def.Schema)
	if err != nil {
		return nil, err
	}
	return &ToolSpec{
		ID:               def.ID,
		Description:      def.Description,
		Schema:           compiled,
		RequiresApproval: def.RequiresApproval,
		Run:              run,
	}, nil
}
