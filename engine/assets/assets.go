package assets

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spaghettifunk/pipeforge/engine/assets/loaders"
	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

type AssetInfo struct {
	Path       string
	LastLoaded time.Time
	/** @brief The most recent successfully loaded description. */
	Description *metadata.PipelineDescription
}

/**
 * @brief Loads pipeline descriptions through the loader registered for their
 * extension and remembers the last good version of each.
 */
type AssetManager struct {
	mutex   sync.RWMutex
	assets  map[string]AssetInfo
	loaders map[string]Loader
}

func NewAssetManager() *AssetManager {
	am := &AssetManager{
		assets:  make(map[string]AssetInfo),
		loaders: make(map[string]Loader),
	}
	am.RegisterLoader(".xml", loaders.PipelineLoader{})
	return am
}

// RegisterLoader makes l responsible for files ending in ext.
func (am *AssetManager) RegisterLoader(ext string, l Loader) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.loaders[strings.ToLower(ext)] = l
}

/**
 * @brief Loads the description at path. On failure the previously loaded
 * version, if any, stays available through Get.
 */
func (am *AssetManager) Load(path string) (*metadata.PipelineDescription, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	am.mutex.RLock()
	loader, ok := am.loaders[strings.ToLower(filepath.Ext(abs))]
	am.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no loader registered for '%s'", filepath.Base(abs))
	}

	desc, err := loader.Load(abs)
	if err != nil {
		return nil, err
	}
	am.mutex.Lock()
	am.assets[abs] = AssetInfo{Path: abs, LastLoaded: time.Now(), Description: desc}
	am.mutex.Unlock()
	core.LogDebug("loaded pipeline description '%s' from %s", desc.Name, abs)
	return desc, nil
}

func (am *AssetManager) Get(path string) (AssetInfo, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return AssetInfo{}, false
	}
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	info, ok := am.assets[abs]
	return info, ok
}

// Unload forgets the description at path.
func (am *AssetManager) Unload(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	am.mutex.Lock()
	defer am.mutex.Unlock()
	delete(am.assets, abs)
}
