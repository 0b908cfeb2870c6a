package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/buildsched/internal/ctxlog"
	"github.com/vk/buildsched/internal/job"
)

// fileRoot decodes the top-level blocks of a manifest file.
type fileRoot struct {
	Tools []*toolBlock `hcl:"tool,block"`
	Jobs  []*jobBlock  `hcl:"job,block"`
}

type toolBlock struct {
	Name            string `hcl:"name,label"`
	GoodDiagnostics bool   `hcl:"good_diagnostics,optional"`
}

type jobBlock struct {
	Name        string         `hcl:"name,label"`
	Tool        string         `hcl:"tool,optional"`
	Executable  string         `hcl:"executable"`
	Args        []string       `hcl:"args,optional"`
	Inputs      []string       `hcl:"inputs,optional"`
	Condition   string         `hcl:"condition,optional"`
	Outputs     hcl.Expression `hcl:"outputs,optional"`
	Temporaries []string       `hcl:"temporaries,optional"`
}

// Load parses the manifest at path, which may be a single .hcl file or a
// directory of them, and returns the resolved job list.
func Load(ctx context.Context, path string) (*Manifest, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := findManifestFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no manifest files found at %s", path)
	}
	logger.Debug("Discovered manifest files.", "count", len(files))

	parser := hclparse.NewParser()
	var tools []*toolBlock
	var jobBlocks []*jobBlock

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse manifest file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode manifest file %s: %w", file, diags)
		}

		tools = append(tools, root.Tools...)
		jobBlocks = append(jobBlocks, root.Jobs...)
	}

	m, err := resolve(tools, jobBlocks)
	if err != nil {
		return nil, err
	}
	logger.Debug("Manifest loaded.", "jobs", len(m.Jobs), "temp_files", len(m.TempFiles))
	return m, nil
}

// resolve translates decoded blocks into the immutable job list: tool
// lookup, input resolution by name in declared order, condition and
// outputs parsing, and cycle rejection.
func resolve(tools []*toolBlock, jobBlocks []*jobBlock) (*Manifest, error) {
	toolsByName := make(map[string]*job.Tool, len(tools))
	for _, t := range tools {
		if _, dup := toolsByName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		toolsByName[t.Name] = &job.Tool{Name: t.Name, GoodDiagnostics: t.GoodDiagnostics}
	}

	jobsByName := make(map[string]*job.Job, len(jobBlocks))
	m := &Manifest{}

	// First pass: create every job so inputs can resolve forward
	// references.
	for _, b := range jobBlocks {
		if _, dup := jobsByName[b.Name]; dup {
			return nil, fmt.Errorf("duplicate job %q", b.Name)
		}

		condition, err := job.ParseCondition(b.Condition)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", b.Name, err)
		}

		outputs, err := decodeOutputs(b.Outputs)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", b.Name, err)
		}

		var creator *job.Tool
		if b.Tool != "" {
			creator = toolsByName[b.Tool]
			if creator == nil {
				return nil, fmt.Errorf("job %q references unknown tool %q", b.Name, b.Tool)
			}
		}

		j := &job.Job{
			Name:       b.Name,
			Executable: b.Executable,
			Args:       b.Args,
			Condition:  condition,
			Outputs:    outputs,
			Creator:    creator,
		}
		jobsByName[b.Name] = j
		m.Jobs = append(m.Jobs, j)
		m.TempFiles = append(m.TempFiles, b.Temporaries...)
	}

	// Second pass: resolve input edges in declared order.
	for i, b := range jobBlocks {
		for _, name := range b.Inputs {
			input, ok := jobsByName[name]
			if !ok {
				return nil, fmt.Errorf("job %q references unknown input %q", b.Name, name)
			}
			if input == m.Jobs[i] {
				return nil, fmt.Errorf("job %q lists itself as an input", b.Name)
			}
			m.Jobs[i].Inputs = append(m.Jobs[i].Inputs, input)
		}
	}

	if err := detectCycles(m.Jobs); err != nil {
		return nil, err
	}

	return m, nil
}

// decodeOutputs evaluates the outputs attribute into an artifact map. The
// expression must be an object of string values.
func decodeOutputs(expr hcl.Expression) (map[job.ArtifactKind]string, error) {
	if expr == nil {
		return nil, nil
	}

	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid outputs: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("outputs must be a map of artifact kind to path")
	}

	outputs := make(map[job.ArtifactKind]string)
	for kind, path := range val.AsValueMap() {
		if path.Type() != cty.String || path.IsNull() {
			return nil, fmt.Errorf("output %q must be a string path", kind)
		}
		outputs[job.ArtifactKind(kind)] = path.AsString()
	}
	return outputs, nil
}

// detectCycles rejects manifests whose input edges form a cycle, using
// depth-first search with permanent and in-stack markings.
func detectCycles(jobs []*job.Job) error {
	permanent := make(map[*job.Job]bool)
	inStack := make(map[*job.Job]bool)

	var visit func(j *job.Job) error
	visit = func(j *job.Job) error {
		if permanent[j] {
			return nil
		}
		if inStack[j] {
			return fmt.Errorf("input cycle detected involving job %q", j.Name)
		}

		inStack[j] = true
		for _, input := range j.Inputs {
			if err := visit(input); err != nil {
				return err
			}
		}
		delete(inStack, j)
		permanent[j] = true
		return nil
	}

	for _, j := range jobs {
		if err := visit(j); err != nil {
			return err
		}
	}
	return nil
}

// findManifestFiles returns the .hcl files under path, sorted for
// deterministic multi-file merges.
func findManifestFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("error accessing manifest path %s: %w", path, err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(p) == ".hcl" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
