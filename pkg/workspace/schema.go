package workspace

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/vmpool/vmpool/pkg/engine"
)

// variablesSchema constrains the rendered variable set before it is written.
const variablesSchema = `
#Disk: {
	size: int & >0
	type: "thin" | "thick"
}

#Variables: {
	name:     string & =~"^[a-z][a-z0-9-]*$"
	vm_names: [string, ...string]

	quantity:     int & >=1
	start_number: int & >=1

	num_cpus:  int & >=1 & <=128
	memory:    int & >=1
	disk_size: int & >0

	additional_disks: [...#Disk]

	guest_id:         string & !=""
	adapter_type:     string & !=""
	time_zone:        string & !=""
	resource_pool_id: string & !=""
	network_id:       string & !=""
	template_uuid:    string & !=""

	datastore_id?:         string & !=""
	datastore_cluster_id?: string & !=""

	dns_servers:  [string, ...string]
	ipv4_address: [...string]
	ipv4_netmask: int & >=1 & <=32
	ipv4_gateway: string & !=""
}
`

// Schema checks rendered variables against the CUE definition of the
// module's inputs.
type Schema struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

// NewSchema compiles the built-in variables schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(variablesSchema, cue.Filename("variables.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile variables schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Variables"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("failed to load #Variables: %w", err)
	}
	return &Schema{ctx: ctx, def: def}, nil
}

// Validate unifies vars with the schema. Violations are reported as an
// *engine.ValidationError naming the first offending path.
func (s *Schema) Validate(vars engine.Variables) error {
	// cue.Context is not safe for concurrent use.
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(map[string]any(vars))
	if err := data.Err(); err != nil {
		return &engine.ValidationError{Field: "variables", Reason: err.Error()}
	}

	unified := s.def.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	if err := checkCounts(unified); err != nil {
		return err
	}

	_, hasDatastore := vars["datastore_id"]
	_, hasCluster := vars["datastore_cluster_id"]
	if hasDatastore == hasCluster {
		return &engine.ValidationError{
			Field:  "datastore_id",
			Reason: "exactly one of datastore_id and datastore_cluster_id must be set",
		}
	}
	return nil
}

// checkCounts requires one name and one address per machine. List lengths
// are only known on the concrete value, so this runs after unification.
func checkCounts(v cue.Value) error {
	quantity, err := v.LookupPath(cue.ParsePath("quantity")).Int64()
	if err != nil {
		return &engine.ValidationError{Field: "quantity", Reason: err.Error()}
	}
	for _, field := range []string{"vm_names", "ipv4_address"} {
		n, err := v.LookupPath(cue.ParsePath(field)).Len().Int64()
		if err != nil {
			return &engine.ValidationError{Field: field, Reason: err.Error()}
		}
		if n != quantity {
			return &engine.ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("has %d entries, quantity is %d", n, quantity),
			}
		}
	}
	return nil
}

func schemaError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &engine.ValidationError{Field: "variables", Reason: err.Error()}
	}

	first := errs[0]
	field := "variables"
	if path := fieldPath(first.Path()); path != "" {
		field = path
	}
	format, args := first.Msg()
	return &engine.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// fieldPath joins an error path, dropping the definition name.
func fieldPath(path []string) string {
	parts := make([]string, 0, len(path))
	for _, p := range path {
		if p == "#Variables" {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}
