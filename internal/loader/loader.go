package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/model"
)

// Load reads every pipeline found in paths. A path is a definition file or a
// directory searched recursively. Pipeline names must be unique.
func Load(ctx context.Context, paths ...string) ([]*model.Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Pipeline loader started.", "path_count", len(paths))

	files, err := findDefinitionFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered definition files.", "count", len(files))

	var out []*model.Pipeline
	seen := make(map[string]string)
	for _, file := range files {
		pipelines, err := LoadFile(file)
		if err != nil {
			return nil, err
		}
		for _, p := range pipelines {
			if prev, dup := seen[p.Name]; dup {
				return nil, fmt.Errorf("pipeline %q is defined in both %s and %s", p.Name, prev, file)
			}
			seen[p.Name] = file
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	logger.Debug("Pipeline loading complete.", "pipelines", len(out))
	return out, nil
}

// LoadFile parses one definition file, choosing the format by extension.
func LoadFile(path string) ([]*model.Pipeline, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	switch formatOf(path) {
	case formatHCL:
		return ParseHCL(src, path)
	case formatYAML:
		p, err := ParseYAML(src, path)
		if err != nil {
			return nil, err
		}
		return []*model.Pipeline{p}, nil
	}
	return nil, fmt.Errorf("unsupported definition file %s: want .hcl, .yml or .yaml", path)
}

type format int

const (
	formatUnknown format = iota
	formatHCL
	formatYAML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return formatHCL
	case ".yml", ".yaml":
		return formatYAML
	}
	return formatUnknown
}

// findDefinitionFiles walks all given paths and returns a flat, sorted list
// of definition files. Missing paths are errors.
func findDefinitionFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, wasSeen := seen[p]; !wasSeen {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if !info.IsDir() {
			add(path)
			continue
		}
		err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && formatOf(p) != formatUnknown {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(allFiles)
	return allFiles, nil
}
