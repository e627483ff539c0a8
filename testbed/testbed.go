/*
Package testbed ships a small set of sample pipelines (a lit world pass, a
procedural sky written in WGSL and an alpha blended UI pass) together with a
resource directory satisfying every link they declare.
*/
package testbed

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
	"github.com/spaghettifunk/pipeforge/engine/systems"
)

//go:embed pipelines
var samples embed.FS

// Extract writes the sample descriptions and their shaders into dir and
// returns the description paths, sorted.
func Extract(dir string) ([]string, error) {
	var descriptions []string
	err := fs.WalkDir(samples, "pipelines", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := samples.ReadFile(path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(path, "pipelines/")))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
		if filepath.Ext(dst) == ".xml" {
			descriptions = append(descriptions, dst)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(descriptions)
	return descriptions, nil
}

/**
 * @brief The resources the samples link against. Handles are placeholders, so
 * the table is only meaningful on the headless device.
 */
func Resources() *systems.ResourceTable {
	t := systems.NewResourceTable()
	t.Register("camera", metadata.BufferResource{Buffer: 1})
	t.Register("ui_projection", metadata.BufferResource{Buffer: 2, Range: 64})
	t.Register("brick_albedo", metadata.ImageResource{View: 3})
	t.Register("brick_normals", metadata.ImageResource{View: 4})
	t.Register("font_atlas", metadata.ImageResource{View: 5})
	return t
}
