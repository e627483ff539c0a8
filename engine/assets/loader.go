package assets

import "github.com/spaghettifunk/pipeforge/engine/renderer/metadata"

// Loader decodes one description file format.
type Loader interface {
	Load(path string) (*metadata.PipelineDescription, error)
}
