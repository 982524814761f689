package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

const schemaFilename = "plugins_schema.cue"

// pluginsSchema constrains CUE plugins files. It mirrors the validate tags
// on File and Plugin so both formats reject the same input.
const pluginsSchema = `
#Plugin: {
	// Name also names the plugin's data directory.
	name: string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"

	// Wasm is the module path, relative to the plugins file.
	wasm: string & !=""

	// Checksum is the hex sha256 of the module, or empty.
	checksum?: string & =~"^([0-9a-fA-F]{64})?$"

	allowed_paths?: [...(string & !="")]
	allowed_hosts?: [...(string & !="")]

	wasi?: bool
	cli?:  bool

	// Config is handed to the module and forms its identity.
	config?: {[string]: string}

	memory_max_pages?: int & >=0 & <=65536
	timeout_ms?:       int & >=0
}

#PluginsFile: {
	data_root?: string
	plugins?: [...#Plugin]
}
`

// compileSchema compiles the plugins file definition in ctx.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(pluginsSchema, cue.Filename(schemaFilename))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile plugins schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#PluginsFile"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to look up plugins schema: %w", err)
	}

	return def, nil
}
