// Package maplayout is the single source of truth for a map's on-disk
// directory structure and for synthesizing the default capabilities/
// waypoints documents a map ships with when none were authored explicitly
// — grounded on server/routes/capabilities.py.
package maplayout

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Layout resolves every well-known path within one map's directory tree.
type Layout struct {
	Root string
}

// New returns a Layout rooted at mapDataRoot/mapName.
func New(mapDataRoot, mapName string) Layout {
	return Layout{Root: filepath.Join(mapDataRoot, mapName)}
}

func (l Layout) path(elems ...string) string {
	return filepath.Join(append([]string{l.Root}, elems...)...)
}

// ModelDir is the COLMAP sparse reconstruction directory.
func (l Layout) ModelDir() string { return l.path("sparse") }

// ImagesDir is the directory of capture frames used to build the map.
func (l Layout) ImagesDir() string { return l.path("images") }

// FeatureStorePath is the bbolt feature-store file for this map.
func (l Layout) FeatureStorePath() string { return l.path("features.db") }

// PCDPath is the cleaned, exported dense point cloud.
func (l Layout) PCDPath() string { return l.path("map.pcd") }

// MeshPath is the optional copy-through mesh (Polycam/Kiri raw.glb derived).
func (l Layout) MeshPath() string { return l.path("mesh.ply") }

// ScalePath is the versioned JSON scale record.
func (l Layout) ScalePath() string { return l.path("scale.json") }

// PosedQueriesDir holds the posed query captures (an image plus the
// client's own AR pose at capture time, one subdirectory per capture) that
// the scale estimator walks, matching images_with_pose/.
func (l Layout) PosedQueriesDir() string { return l.path("images_with_pose") }

// LegacyScalePicklePath is the legacy pickle scale record, read only.
func (l Layout) LegacyScalePicklePath() string { return l.path("scale.pkl") }

// LogPath is the verbatim build transcript.
func (l Layout) LogPath() string { return l.path("log.txt") }

// CapabilitiesPath is the map's capabilities.json, synthesized if absent.
func (l Layout) CapabilitiesPath() string { return l.path("capabilities.json") }

// WaypointsPath is the map's waypoints.json, synthesized if absent.
func (l Layout) WaypointsPath() string { return l.path("waypoints.json") }

// EnsureDirs creates the map's directory skeleton.
func (l Layout) EnsureDirs() error {
	for _, d := range []string{l.Root, l.ModelDir(), l.ImagesDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Capabilities is the default document synthesized for a map that has no
// capabilities.json of its own.
type Capabilities struct {
	CommonName string   `json:"commonName"`
	IconURL    string   `json:"iconURL"`
	Services   []string `json:"services"`
}

// DefaultCapabilities synthesizes the capabilities document the original
// server served when a map lacked one, deriving commonName from the map's
// own name.
func DefaultCapabilities(mapName string) Capabilities {
	return Capabilities{
		CommonName: mapName,
		IconURL:    "",
		Services:   []string{"localization"},
	}
}

// Waypoint is a single named, posed point of interest within a map.
type Waypoint struct {
	Name string     `json:"name"`
	X    float64    `json:"x"`
	Y    float64    `json:"y"`
	Z    float64    `json:"z"`
}

// LoadOrDefaultCapabilities reads capabilities.json if present, otherwise
// returns the synthesized default without writing it to disk.
func (l Layout) LoadOrDefaultCapabilities() (Capabilities, error) {
	data, err := os.ReadFile(l.CapabilitiesPath())
	if os.IsNotExist(err) {
		return DefaultCapabilities(filepath.Base(l.Root)), nil
	}
	if err != nil {
		return Capabilities{}, err
	}
	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return Capabilities{}, err
	}
	return caps, nil
}

// LoadWaypoints reads waypoints.json if present, otherwise returns an
// empty slice — a map with no authored waypoints is valid, not an error.
func (l Layout) LoadWaypoints() ([]Waypoint, error) {
	data, err := os.ReadFile(l.WaypointsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var wp []Waypoint
	if err := json.Unmarshal(data, &wp); err != nil {
		return nil, err
	}
	return wp, nil
}
