// database.go writes a COLMAP-compatible SQLite database seeded with
// externally computed keypoints and matches, mirroring hloc's
// triangulation.import_features/import_matches (hloc/utils/database.py)
// rather than letting COLMAP's own feature_extractor/exhaustive_matcher
// re-derive features point_triangulator would otherwise have to trust.
package colmap

import (
	"database/sql"
	"encoding/binary"
	"math"

	_ "modernc.org/sqlite"

	"spatialserver/internal/apperrors"
)

// maxImageID mirrors COLMAP's own pair-encoding constant
// (2**31 - 1), used to pack two image ids into one pair_id the same way
// database.py's image_ids_to_pair_id does.
const maxImageID = 2147483647

func imagePairID(idA, idB int64) int64 {
	if idA > idB {
		idA, idB = idB, idA
	}
	return idA*maxImageID + idB
}

// ImageFeatureRows is one image's keypoints to seed into the database, plus
// enough identity to also seed its images row.
type ImageFeatureRows struct {
	ImageID   int64
	Name      string
	CameraID  int64
	Keypoints [][2]float32 // x, y per row, in the same order as featurestore's keypoints
}

// MatchRows is one matched pair's correspondences, addressed by row index
// into each image's ImageFeatureRows.Keypoints.
type MatchRows struct {
	ImageIDA, ImageIDB int64
	Pairs              [][2]int32
}

// WriteDatabase creates a fresh COLMAP database at path and seeds its
// cameras, images, keypoints, matches, and two_view_geometries tables so
// that a subsequent point_triangulator run triangulates against exactly the
// keypoints and matches already stored in the feature store, instead of
// COLMAP's own independently numbered SIFT features.
func WriteDatabase(path string, cameras map[int64]*Camera, images []ImageFeatureRows, matches []MatchRows) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return &apperrors.Internal{Op: "colmap.WriteDatabase", Err: err}
	}
	defer db.Close()

	if err := createDatabaseSchema(db); err != nil {
		return err
	}
	if err := writeCameraRows(db, cameras); err != nil {
		return err
	}
	if err := writeImageRows(db, images); err != nil {
		return err
	}
	if err := writeKeypointRows(db, images); err != nil {
		return err
	}
	if err := writeMatchRows(db, matches); err != nil {
		return err
	}
	return nil
}

func createDatabaseSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
            camera_id INTEGER PRIMARY KEY,
            model INTEGER NOT NULL,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            params BLOB,
            prior_focal_length INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS images (
            image_id INTEGER PRIMARY KEY,
            name TEXT NOT NULL UNIQUE,
            camera_id INTEGER NOT NULL,
            prior_qw REAL, prior_qx REAL, prior_qy REAL, prior_qz REAL,
            prior_tx REAL, prior_ty REAL, prior_tz REAL
        );`,
		`CREATE TABLE IF NOT EXISTS keypoints (
            image_id INTEGER PRIMARY KEY,
            rows INTEGER NOT NULL,
            cols INTEGER NOT NULL,
            data BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS matches (
            pair_id INTEGER PRIMARY KEY,
            rows INTEGER NOT NULL,
            cols INTEGER NOT NULL,
            data BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS two_view_geometries (
            pair_id INTEGER PRIMARY KEY,
            rows INTEGER NOT NULL,
            cols INTEGER NOT NULL,
            data BLOB,
            config INTEGER NOT NULL,
            F BLOB, E BLOB, H BLOB, qvec BLOB, tvec BLOB
        );`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return &apperrors.Internal{Op: "colmap.createDatabaseSchema", Err: err}
		}
	}
	return nil
}

func writeCameraRows(db *sql.DB, cameras map[int64]*Camera) error {
	for _, c := range cameras {
		modelID, err := cameraModelIDFor(c.Model)
		if err != nil {
			return &apperrors.Input{Op: "colmap.writeCameraRows", Err: err}
		}
		_, err = db.Exec(`INSERT OR REPLACE INTO cameras (camera_id, model, width, height, params, prior_focal_length) VALUES (?, ?, ?, ?, ?, 1);`,
			c.ID, modelID, c.Width, c.Height, float64SliceBlob(c.Params))
		if err != nil {
			return &apperrors.Internal{Op: "colmap.writeCameraRows", Err: err}
		}
	}
	return nil
}

func writeImageRows(db *sql.DB, images []ImageFeatureRows) error {
	for _, img := range images {
		_, err := db.Exec(`INSERT OR REPLACE INTO images (image_id, name, camera_id) VALUES (?, ?, ?);`,
			img.ImageID, img.Name, img.CameraID)
		if err != nil {
			return &apperrors.Internal{Op: "colmap.writeImageRows", Err: err}
		}
	}
	return nil
}

func writeKeypointRows(db *sql.DB, images []ImageFeatureRows) error {
	for _, img := range images {
		data := make([]byte, 4*2*len(img.Keypoints))
		for i, kp := range img.Keypoints {
			binary.LittleEndian.PutUint32(data[i*8:], math.Float32bits(kp[0]))
			binary.LittleEndian.PutUint32(data[i*8+4:], math.Float32bits(kp[1]))
		}
		_, err := db.Exec(`INSERT OR REPLACE INTO keypoints (image_id, rows, cols, data) VALUES (?, ?, 2, ?);`,
			img.ImageID, len(img.Keypoints), data)
		if err != nil {
			return &apperrors.Internal{Op: "colmap.writeKeypointRows", Err: err}
		}
	}
	return nil
}

func writeMatchRows(db *sql.DB, matches []MatchRows) error {
	for _, m := range matches {
		data := make([]byte, 4*2*len(m.Pairs))
		for i, p := range m.Pairs {
			binary.LittleEndian.PutUint32(data[i*8:], uint32(p[0]))
			binary.LittleEndian.PutUint32(data[i*8+4:], uint32(p[1]))
		}
		pairID := imagePairID(m.ImageIDA, m.ImageIDB)
		_, err := db.Exec(`INSERT OR REPLACE INTO matches (pair_id, rows, cols, data) VALUES (?, ?, 2, ?);`,
			pairID, len(m.Pairs), data)
		if err != nil {
			return &apperrors.Internal{Op: "colmap.writeMatchRows", Err: err}
		}
		// point_triangulator only consumes matches that cleared geometric
		// verification; since hloc's matcher already filtered these pairs,
		// every row here is treated as a calibrated two-view match.
		_, err = db.Exec(`INSERT OR REPLACE INTO two_view_geometries (pair_id, rows, cols, data, config) VALUES (?, ?, 2, ?, 2);`,
			pairID, len(m.Pairs), data)
		if err != nil {
			return &apperrors.Internal{Op: "colmap.writeMatchRows", Err: err}
		}
	}
	return nil
}

func float64SliceBlob(vals []float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}
