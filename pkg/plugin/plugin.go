// Package plugin implements the optional Plugin Loader (spec §6
// "Plugin discovery"): a one-time directory/manifest scan (no hot-reload
// — the explicit "Hot path" rule in spec §4.2 keeps discovery off any
// per-event path) that resolves each plugin's manifest and entry point,
// failing with a specific PluginError kind per defect.
package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	gplugin "plugin"

	apperrors "github.com/jordigilh/opskernel/internal/errors"
	"github.com/jordigilh/opskernel/pkg/module"
)

// Manifest is the on-disk plugin descriptor: one JSON file per plugin
// subdirectory (spec §6 "manifest { id, name, version, type, optional entry }").
type Manifest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Type    string `json:"type"`
	Entry   string `json:"entry"`
}

const manifestFileName = "manifest.json"

// PluginError sub-kinds (spec §6, matched 1:1 to apperrors.NewPluginError kinds).
const (
	KindNoManifest  = "NoManifest"
	KindInvalidJSON = "InvalidJSON"
	KindMissingField = "MissingField"
	KindInvalidType  = "InvalidType"
	KindMissingEntry = "MissingEntry"
	KindIDMismatch   = "IdMismatch"
	KindBadExport    = "BadExport"
)

var validTypes = map[string]bool{
	string(module.TypeConnector): true, string(module.TypeDetector): true,
	string(module.TypeEnricher): true, string(module.TypeAction): true,
	string(module.TypeNotifier): true, string(module.TypeUIExtension): true,
	string(module.TypeOpenClawTool): true,
}

// Discovered pairs a validated Manifest with its directory path.
type Discovered struct {
	Manifest Manifest
	Dir      string
}

// Scan walks dir, expecting one subdirectory per plugin, and validates
// each manifest without loading its entry point.
func Scan(dir string) ([]Discovered, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{apperrors.Wrap(err, apperrors.ErrorTypeInternal, "read plugin directory")}
	}

	var found []Discovered
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		m, err := loadManifest(pluginDir, entry.Name())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		found = append(found, Discovered{Manifest: m, Dir: pluginDir})
	}
	return found, errs
}

func loadManifest(pluginDir, dirName string) (Manifest, error) {
	path := filepath.Join(pluginDir, manifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, apperrors.NewPluginError(KindNoManifest, "no manifest.json in plugin directory "+dirName)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, apperrors.NewPluginError(KindInvalidJSON, "manifest.json in "+dirName+" is not valid JSON")
	}

	if m.ID == "" || m.Name == "" || m.Version == "" || m.Type == "" {
		return Manifest{}, apperrors.NewPluginError(KindMissingField, "manifest in "+dirName+" is missing a required field")
	}
	if !validTypes[m.Type] {
		return Manifest{}, apperrors.NewPluginError(KindInvalidType, "manifest in "+dirName+" declares unknown type "+m.Type)
	}
	if m.ID != dirName {
		return Manifest{}, apperrors.NewPluginError(KindIDMismatch, "manifest id "+m.ID+" does not match directory name "+dirName)
	}
	return m, nil
}

// Factory is the symbol every plugin's compiled entry point must export:
// a zero-arg constructor returning a ready-to-register Module.
type Factory func() module.Module

// Load resolves d's entry point (a Go plugin .so per the standard
// library's plugin package — there is no third-party alternative for
// loading arbitrary compiled code at runtime) and returns its Factory.
func Load(d Discovered) (Factory, error) {
	entry := d.Manifest.Entry
	if entry == "" {
		return nil, apperrors.NewPluginError(KindMissingEntry, "manifest for "+d.Manifest.ID+" declares no entry point")
	}

	entryPath := filepath.Join(d.Dir, entry)
	if _, err := os.Stat(entryPath); err != nil {
		return nil, apperrors.NewPluginError(KindMissingEntry, "entry point "+entry+" not found for plugin "+d.Manifest.ID)
	}

	p, err := gplugin.Open(entryPath)
	if err != nil {
		return nil, apperrors.NewPluginError(KindBadExport, "failed to open entry point for "+d.Manifest.ID+": "+err.Error())
	}
	sym, err := p.Lookup("New")
	if err != nil {
		return nil, apperrors.NewPluginError(KindBadExport, "plugin "+d.Manifest.ID+" does not export a New symbol")
	}
	factory, ok := sym.(func() module.Module)
	if !ok {
		return nil, apperrors.NewPluginError(KindBadExport, "plugin "+d.Manifest.ID+" exports New with the wrong signature")
	}
	return factory, nil
}
