package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/typeexpr"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"

	"github.com/vmpool/vmpool/pkg/engine"
	"github.com/vmpool/vmpool/pkg/render"
)

// File names inside a workspace.
const (
	VarsFile      = "terraform.tfvars"
	MainFile      = "main.tf"
	VariablesFile = "variables.tf"

	stateDir      = ".vmpool"
	snapshotFile  = "variables.json"
	sealedFile    = "sealed"
	moduleName    = "vm_pool"
	dirPermission = 0o750
)

// Syncer copies a materialized workspace to where the runner executes it.
type Syncer interface {
	Upload(ctx context.Context, localDir, requestID string) error
}

// Config configures a Materializer.
type Config struct {
	Root          string
	ModuleSource  string
	ModuleVersion string

	// Syncer, when set, receives every materialized workspace.
	Syncer Syncer
	Logger zerolog.Logger
}

// Materializer writes request-scoped Terraform workspaces under a root
// directory. Workspaces are never deleted here.
type Materializer struct {
	root          string
	moduleSource  string
	moduleVersion string
	schema        *Schema
	syncer        Syncer
	logger        zerolog.Logger
}

var _ engine.Materializer = (*Materializer)(nil)

// New creates a Materializer, creating the root directory if needed.
func New(cfg Config) (*Materializer, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if cfg.ModuleSource == "" {
		return nil, fmt.Errorf("module source is required")
	}
	if err := os.MkdirAll(cfg.Root, dirPermission); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}

	return &Materializer{
		root:          cfg.Root,
		moduleSource:  cfg.ModuleSource,
		moduleVersion: cfg.ModuleVersion,
		schema:        schema,
		syncer:        cfg.Syncer,
		logger:        cfg.Logger.With().Str("component", "workspace").Logger(),
	}, nil
}

// Dir returns the workspace directory of a request.
func (m *Materializer) Dir(requestID string) string {
	return filepath.Join(m.root, requestID)
}

// Materialize writes the workspace of a request. Writing the same variables
// again produces identical files; writing different variables into a sealed
// workspace fails with *engine.WorkspaceConflictError.
func (m *Materializer) Materialize(ctx context.Context, requestID string, vars engine.Variables) (*engine.Workspace, error) {
	if err := validRequestID(requestID); err != nil {
		return nil, err
	}
	if err := m.schema.Validate(vars); err != nil {
		return nil, err
	}

	tfvars, err := render.EncodeTFVars(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to encode variables: %w", err)
	}
	checksum := digest(tfvars)
	dir := m.Dir(requestID)

	sealed, err := readSeal(dir)
	if err != nil {
		return nil, err
	}
	if sealed != "" && sealed != checksum {
		return nil, &engine.WorkspaceConflictError{RequestID: requestID, Dir: dir}
	}

	declarations, err := variablesTF(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to declare variables: %w", err)
	}
	snapshot, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode variable snapshot: %w", err)
	}

	files := []struct {
		path string
		data []byte
	}{
		{filepath.Join(dir, VarsFile), tfvars},
		{filepath.Join(dir, MainFile), m.mainTF(vars)},
		{filepath.Join(dir, VariablesFile), declarations},
		{filepath.Join(dir, stateDir, snapshotFile), append(snapshot, '\n')},
	}
	if err := os.MkdirAll(filepath.Join(dir, stateDir), dirPermission); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	for _, f := range files {
		if err := writeFileAtomic(f.path, f.data); err != nil {
			return nil, err
		}
	}

	if m.syncer != nil {
		if err := m.syncer.Upload(ctx, dir, requestID); err != nil {
			return nil, fmt.Errorf("failed to sync workspace: %w", err)
		}
	}

	m.logger.Debug().Str("request_id", requestID).Str("dir", dir).Str("checksum", checksum).Msg("workspace materialized")

	return &engine.Workspace{
		RequestID: requestID,
		Dir:       dir,
		Checksum:  checksum,
		Sealed:    sealed != "",
		Variables: vars,
	}, nil
}

// Seal freezes the workspace content once the request leaves pending.
func (m *Materializer) Seal(_ context.Context, ws *engine.Workspace) error {
	path := filepath.Join(ws.Dir, stateDir, sealedFile)
	if err := writeFileAtomic(path, []byte(ws.Checksum+"\n")); err != nil {
		return fmt.Errorf("failed to seal workspace: %w", err)
	}
	ws.Sealed = true
	return nil
}

// Open loads an existing workspace. A sealed workspace whose variable file
// changed on disk is reported as a conflict.
func (m *Materializer) Open(_ context.Context, requestID string) (*engine.Workspace, error) {
	if err := validRequestID(requestID); err != nil {
		return nil, err
	}
	dir := m.Dir(requestID)

	tfvars, err := os.ReadFile(filepath.Join(dir, VarsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace %s: %w", dir, err)
	}
	checksum := digest(tfvars)

	sealed, err := readSeal(dir)
	if err != nil {
		return nil, err
	}
	if sealed != "" && sealed != checksum {
		return nil, &engine.WorkspaceConflictError{RequestID: requestID, Dir: dir}
	}

	data, err := os.ReadFile(filepath.Join(dir, stateDir, snapshotFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read variable snapshot: %w", err)
	}
	var vars engine.Variables
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("failed to decode variable snapshot: %w", err)
	}

	return &engine.Workspace{
		RequestID: requestID,
		Dir:       dir,
		Checksum:  checksum,
		Sealed:    sealed != "",
		Variables: vars,
	}, nil
}

// mainTF references the pinned module and passes every variable through.
func (m *Materializer) mainTF(vars engine.Variables) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body().AppendNewBlock("module", []string{moduleName}).Body()

	source, version := m.moduleSource, m.moduleVersion
	if version != "" && !isRegistrySource(source) {
		sep := "?"
		if strings.Contains(source, "?") {
			sep = "&"
		}
		source += sep + "ref=" + version
		version = ""
	}
	body.SetAttributeValue("source", cty.StringVal(source))
	if version != "" {
		body.SetAttributeValue("version", cty.StringVal(version))
	}
	body.AppendNewline()

	for _, k := range render.SortedKeys(vars) {
		body.SetAttributeTraversal(k, hcl.Traversal{
			hcl.TraverseRoot{Name: "var"},
			hcl.TraverseAttr{Name: k},
		})
	}
	return hclwrite.Format(f.Bytes())
}

// variablesTF declares every rendered variable with the type of its value.
func variablesTF(vars engine.Variables) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	root := f.Body()
	for i, k := range render.SortedKeys(vars) {
		val, err := render.ToCtyValue(vars[k])
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", k, err)
		}
		tokens, err := typeTokens(val.Type())
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", k, err)
		}
		if i > 0 {
			root.AppendNewline()
		}
		root.AppendNewBlock("variable", []string{k}).Body().SetAttributeRaw("type", tokens)
	}
	return hclwrite.Format(f.Bytes()), nil
}

// typeTokens renders a type constraint expression such as list(string).
func typeTokens(ty cty.Type) (hclwrite.Tokens, error) {
	if ty == cty.DynamicPseudoType {
		return hclwrite.TokensForIdentifier("any"), nil
	}
	src := "type = " + typeexpr.TypeString(ty)
	f, diags := hclwrite.ParseConfig([]byte(src), VariablesFile, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to render type %s: %s", ty.FriendlyName(), diags.Error())
	}
	return f.Body().GetAttribute("type").Expr().BuildTokens(nil), nil
}

// isRegistrySource reports whether source is a registry address, the only
// kind that takes a version argument.
func isRegistrySource(source string) bool {
	if strings.Contains(source, "::") || strings.Contains(source, "://") ||
		strings.HasPrefix(source, "./") || strings.HasPrefix(source, "../") ||
		strings.HasPrefix(source, "/") || strings.HasPrefix(source, "git@") {
		return false
	}
	return strings.Count(source, "/") >= 2
}

func readSeal(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateDir, sealedFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read workspace seal: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func validRequestID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid request id %q", id)
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
