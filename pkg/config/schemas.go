package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE definitions used to check configuration
// documents before they are decoded.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("executor", "#Executor", builtinExecutorSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles src and registers its definition def under
// name.
func (sr *SchemaRegistry) RegisterSchema(name, def, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	d := val.LookupPath(cue.ParsePath(def))
	if !d.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}
	sr.schemas[name] = d
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Context returns the CUE context schemas were compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// Check unifies val with the named schema and requires the result to be
// concrete. It returns the unified value.
func (sr *SchemaRegistry) Check(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes a Go value and checks it against the
// named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Check(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Every field is optional; defaults are applied after decoding. The
// definition is closed so misspelled keys are rejected.
const builtinExecutorSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
#Strategy: "auto" | "hardlink" | "reflink" | "copy"
#AbsPath:  string & =~"^/"

#SSH: {
	host:                      string & !=""
	port?:                     int & >=1 & <=65535
	user:                      string & !=""
	auth_method?:              "password" | "key"
	password?:                 string
	private_key_path?:         string
	private_key_passphrase?:   string
	known_hosts_path?:         string
	strict_host_key_checking?: bool
	connection_timeout?:       #Duration
	keep_alive_interval?:      #Duration
	max_keep_alive_retries?:   int & >=0
}

#Limits: {
	max_memory_bytes?: int & >=0
	max_cpu_seconds?:  int & >=0
	max_open_files?:   int & >=0
}

#Executor: {
	root?: string

	store?: {
		dir?:        string
		remote?:     #SSH
		remote_dir?: string
	}

	materialize?: {
		dir?:         string
		strategy?:    #Strategy
		parallelism?: int & >=0
		slots?:       int & >=0
		gc_max_age?:  #Duration
		gc_retain?:   int & >=0
	}

	cache?: {
		db_path?:        string
		persist?:        bool
		max_concurrent?: int & >=0
	}

	exec?: {
		default_timeout?:   #Duration
		teardown_timeout?:  #Duration
		max_capture_bytes?: int & >=0
		tail_bytes?:        int & >=0
		workers?:           int & >=0
		limits?:            #Limits
	}

	sandbox?: {
		backend?:          "process" | "namespace" | "wasi" | "guest" | "container"
		scratch_dir?:      string
		strategy?:         #Strategy
		passthrough?:      [...#AbsPath]
		allow_unisolated?: bool
		helper?:           string
		work_mount?:       #AbsPath
		hostname?:         string
		wasm_cache_dir?:   string
		real_clock?:       bool
		guest?:            #SSH
		guest_dir?:        string
		guest_offline?:    bool
		runtime?:          string
		image?:            string
		extra_args?:       [...string]
	}

	policy?: {
		enabled?: bool
		paths?:   [...string]
		watch?:   bool
		settings?: {
			allow_network?:      bool
			restrict_argv?:      bool
			passthrough?:        [...#AbsPath]
			env_denylist?:       [...string]
			nocache_exit_codes?: [...int & >=0 & <=255]
		}
	}

	server?: {
		listen?:           string
		shutdown_timeout?: #Duration
	}

	telemetry?: {...}
}
`
