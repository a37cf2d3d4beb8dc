// Package colmap reads and writes the COLMAP sparse reconstruction model
// (cameras, images, points3D) in both its binary and text on-disk forms.
// No third-party Go parser for this format exists anywhere in the examples
// pool, so this is implemented directly against the well-known COLMAP
// layout using encoding/binary — see DESIGN.md for the stdlib
// justification.
package colmap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"spatialserver/internal/apperrors"
)

// Camera is one COLMAP camera intrinsics record.
type Camera struct {
	ID     int64
	Model  string
	Width  int64
	Height int64
	Params []float64
}

// Image is one COLMAP registered-image record: pose (quaternion w,x,y,z +
// translation) plus the 2D keypoints and, per keypoint, the Point3D it
// observes (-1 if unobserved).
type Image struct {
	ID         int64
	QW, QX, QY, QZ float64
	TX, TY, TZ float64
	CameraID   int64
	Name       string
	Points2D   []Point2D
}

// Point2D is one observed keypoint and the 3D point it corresponds to.
type Point2D struct {
	X, Y      float64
	Point3DID int64 // -1 if unobserved
}

// Point3D is one triangulated 3D point with its track of observations.
type Point3D struct {
	ID         int64
	X, Y, Z    float64
	R, G, B    uint8
	Error      float64
	Track      []TrackElement
}

// TrackElement is one (image, keypoint index) observation of a Point3D.
type TrackElement struct {
	ImageID     int64
	Point2DIdx  int64
}

// cameraModelParamCount maps COLMAP camera model names to their parameter
// count, needed to size the Params slice for both binary and text decoding.
var cameraModelParamCount = map[string]int{
	"SIMPLE_PINHOLE": 3,
	"PINHOLE":        4,
	"SIMPLE_RADIAL":  4,
	"RADIAL":         5,
	"OPENCV":         8,
	"OPENCV_FISHEYE": 8,
	"FULL_OPENCV":    12,
}

var cameraModelID = map[int64]string{
	0: "SIMPLE_PINHOLE",
	1: "PINHOLE",
	2: "SIMPLE_RADIAL",
	3: "RADIAL",
	4: "OPENCV",
	5: "OPENCV_FISHEYE",
	6: "FULL_OPENCV",
}

func cameraModelIDFor(name string) (int64, error) {
	for id, n := range cameraModelID {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown camera model %q", name)
}

// Model is the full in-memory reconstruction.
type Model struct {
	Cameras map[int64]*Camera
	Images  map[int64]*Image
	Points  map[int64]*Point3D
}

// NewModel returns an empty Model.
func NewModel() *Model {
	return &Model{
		Cameras: make(map[int64]*Camera),
		Images:  make(map[int64]*Image),
		Points:  make(map[int64]*Point3D),
	}
}

// ReadDir loads cameras/images/points3D from dir, preferring the binary
// (.bin) form and falling back to text (.txt) when the binary files are
// absent, matching COLMAP's own dual-format convention.
func ReadDir(dir string) (*Model, error) {
	binPaths := [3]string{
		filepath.Join(dir, "cameras.bin"),
		filepath.Join(dir, "images.bin"),
		filepath.Join(dir, "points3D.bin"),
	}
	var m *Model
	var err error
	if fileExists(binPaths[0]) {
		m, err = readBinary(dir)
	} else {
		m, err = readText(dir)
	}
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the reconstruction invariants: every non-sentinel
// Point3DID observed by an image exists in Points3D; every Point3D track
// entry's (image, observation-index) pair refers back to that same
// Point3D; and every image's CameraID exists in Cameras. It returns a
// structured *apperrors.Internal naming the first violation found, walking
// images and points in id order so the result is deterministic.
func (m *Model) Validate() error {
	imageIDs := make([]int64, 0, len(m.Images))
	for id := range m.Images {
		imageIDs = append(imageIDs, id)
	}
	sort.Slice(imageIDs, func(i, j int) bool { return imageIDs[i] < imageIDs[j] })

	for _, imgID := range imageIDs {
		img := m.Images[imgID]
		for idx, obs := range img.Points2D {
			if obs.Point3DID < 0 {
				continue
			}
			if _, ok := m.Points[obs.Point3DID]; !ok {
				return &apperrors.Internal{Op: "colmap.Validate", Err: fmt.Errorf(
					"image %d (%s) observation %d references unknown point3D id %d", img.ID, img.Name, idx, obs.Point3DID)}
			}
		}
	}

	pointIDs := make([]int64, 0, len(m.Points))
	for id := range m.Points {
		pointIDs = append(pointIDs, id)
	}
	sort.Slice(pointIDs, func(i, j int) bool { return pointIDs[i] < pointIDs[j] })

	for _, ptID := range pointIDs {
		pt := m.Points[ptID]
		for _, te := range pt.Track {
			img, ok := m.Images[te.ImageID]
			if !ok {
				return &apperrors.Internal{Op: "colmap.Validate", Err: fmt.Errorf(
					"point3D %d track references unknown image id %d", pt.ID, te.ImageID)}
			}
			if te.Point2DIdx < 0 || int(te.Point2DIdx) >= len(img.Points2D) {
				return &apperrors.Internal{Op: "colmap.Validate", Err: fmt.Errorf(
					"point3D %d track references out-of-range observation %d on image %d", pt.ID, te.Point2DIdx, te.ImageID)}
			}
			if img.Points2D[te.Point2DIdx].Point3DID != pt.ID {
				return &apperrors.Internal{Op: "colmap.Validate", Err: fmt.Errorf(
					"point3D %d track entry (image %d, observation %d) does not match that observation's point3D id %d",
					pt.ID, te.ImageID, te.Point2DIdx, img.Points2D[te.Point2DIdx].Point3DID)}
			}
		}
	}

	for _, imgID := range imageIDs {
		img := m.Images[imgID]
		if _, ok := m.Cameras[img.CameraID]; !ok {
			return &apperrors.Internal{Op: "colmap.Validate", Err: fmt.Errorf(
				"image %d (%s) references unknown camera id %d", img.ID, img.Name, img.CameraID)}
		}
	}

	return nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// WriteDir writes cameras/images/points3D in binary form to dir, creating
// it if needed.
func WriteDir(dir string, m *Model) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &apperrors.Internal{Op: "colmap.WriteDir", Err: err}
	}
	if err := writeCamerasBinary(filepath.Join(dir, "cameras.bin"), m); err != nil {
		return err
	}
	if err := writeImagesBinary(filepath.Join(dir, "images.bin"), m); err != nil {
		return err
	}
	if err := writePointsBinary(filepath.Join(dir, "points3D.bin"), m); err != nil {
		return err
	}
	return nil
}

// --- binary codec ---

func readBinary(dir string) (*Model, error) {
	m := NewModel()
	if err := readCamerasBinary(filepath.Join(dir, "cameras.bin"), m); err != nil {
		return nil, err
	}
	if err := readImagesBinary(filepath.Join(dir, "images.bin"), m); err != nil {
		return nil, err
	}
	if err := readPointsBinary(filepath.Join(dir, "points3D.bin"), m); err != nil {
		return nil, err
	}
	return m, nil
}

func readCamerasBinary(path string, m *Model) error {
	f, err := os.Open(path)
	if err != nil {
		return &apperrors.Input{Op: "colmap.readCamerasBinary", Err: err}
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return &apperrors.Internal{Op: "colmap.readCamerasBinary", Err: err}
	}
	for i := uint64(0); i < count; i++ {
		c := &Camera{}
		var id int32
		var modelID int32
		var w, h uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &modelID); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &w); err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
			return err
		}
		c.ID = int64(id)
		c.Model = cameraModelID[int64(modelID)]
		c.Width = int64(w)
		c.Height = int64(h)
		n := cameraModelParamCount[c.Model]
		c.Params = make([]float64, n)
		if err := binary.Read(r, binary.LittleEndian, &c.Params); err != nil {
			return err
		}
		m.Cameras[c.ID] = c
	}
	return nil
}

func readImagesBinary(path string, m *Model) error {
	f, err := os.Open(path)
	if err != nil {
		return &apperrors.Input{Op: "colmap.readImagesBinary", Err: err}
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		img := &Image{}
		var id int32
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return err
		}
		img.ID = int64(id)
		qw, qx, qy, qz, tx, ty, tz := readF64x7(r)
		img.QW, img.QX, img.QY, img.QZ = qw, qx, qy, qz
		img.TX, img.TY, img.TZ = tx, ty, tz
		var camID int32
		if err := binary.Read(r, binary.LittleEndian, &camID); err != nil {
			return err
		}
		img.CameraID = int64(camID)
		name, err := readNullTerminated(r)
		if err != nil {
			return err
		}
		img.Name = name
		var numPoints uint64
		if err := binary.Read(r, binary.LittleEndian, &numPoints); err != nil {
			return err
		}
		img.Points2D = make([]Point2D, numPoints)
		for j := uint64(0); j < numPoints; j++ {
			var x, y float64
			var pid int64
			binary.Read(r, binary.LittleEndian, &x)
			binary.Read(r, binary.LittleEndian, &y)
			binary.Read(r, binary.LittleEndian, &pid)
			img.Points2D[j] = Point2D{X: x, Y: y, Point3DID: pid}
		}
		m.Images[img.ID] = img
	}
	return nil
}

func readF64x7(r io.Reader) (a, b, c, d, e, f, g float64) {
	vals := make([]float64, 7)
	binary.Read(r, binary.LittleEndian, &vals)
	return vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6]
}

func readNullTerminated(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		sb.WriteByte(b)
	}
	return sb.String(), nil
}

func readPointsBinary(path string, m *Model) error {
	f, err := os.Open(path)
	if err != nil {
		return &apperrors.Input{Op: "colmap.readPointsBinary", Err: err}
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		p := &Point3D{}
		var id int64
		binary.Read(r, binary.LittleEndian, &id)
		p.ID = id
		var xyz [3]float64
		binary.Read(r, binary.LittleEndian, &xyz)
		p.X, p.Y, p.Z = xyz[0], xyz[1], xyz[2]
		var rgb [3]uint8
		binary.Read(r, binary.LittleEndian, &rgb)
		p.R, p.G, p.B = rgb[0], rgb[1], rgb[2]
		binary.Read(r, binary.LittleEndian, &p.Error)
		var trackLen uint64
		binary.Read(r, binary.LittleEndian, &trackLen)
		p.Track = make([]TrackElement, trackLen)
		for j := uint64(0); j < trackLen; j++ {
			var imgID, kpIdx int32
			binary.Read(r, binary.LittleEndian, &imgID)
			binary.Read(r, binary.LittleEndian, &kpIdx)
			p.Track[j] = TrackElement{ImageID: int64(imgID), Point2DIdx: int64(kpIdx)}
		}
		m.Points[p.ID] = p
	}
	return nil
}

func writeCamerasBinary(path string, m *Model) error {
	f, err := os.Create(path)
	if err != nil {
		return &apperrors.Internal{Op: "colmap.writeCamerasBinary", Err: err}
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	binary.Write(w, binary.LittleEndian, uint64(len(m.Cameras)))
	for _, c := range m.Cameras {
		modelID, err := cameraModelIDFor(c.Model)
		if err != nil {
			return &apperrors.Input{Op: "colmap.writeCamerasBinary", Err: err}
		}
		binary.Write(w, binary.LittleEndian, int32(c.ID))
		binary.Write(w, binary.LittleEndian, int32(modelID))
		binary.Write(w, binary.LittleEndian, uint64(c.Width))
		binary.Write(w, binary.LittleEndian, uint64(c.Height))
		binary.Write(w, binary.LittleEndian, c.Params)
	}
	return nil
}

func writeImagesBinary(path string, m *Model) error {
	f, err := os.Create(path)
	if err != nil {
		return &apperrors.Internal{Op: "colmap.writeImagesBinary", Err: err}
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	binary.Write(w, binary.LittleEndian, uint64(len(m.Images)))
	for _, img := range m.Images {
		binary.Write(w, binary.LittleEndian, int32(img.ID))
		binary.Write(w, binary.LittleEndian, []float64{img.QW, img.QX, img.QY, img.QZ, img.TX, img.TY, img.TZ})
		binary.Write(w, binary.LittleEndian, int32(img.CameraID))
		w.WriteString(img.Name)
		w.WriteByte(0)
		binary.Write(w, binary.LittleEndian, uint64(len(img.Points2D)))
		for _, p := range img.Points2D {
			binary.Write(w, binary.LittleEndian, p.X)
			binary.Write(w, binary.LittleEndian, p.Y)
			binary.Write(w, binary.LittleEndian, p.Point3DID)
		}
	}
	return nil
}

func writePointsBinary(path string, m *Model) error {
	f, err := os.Create(path)
	if err != nil {
		return &apperrors.Internal{Op: "colmap.writePointsBinary", Err: err}
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	binary.Write(w, binary.LittleEndian, uint64(len(m.Points)))
	for _, p := range m.Points {
		binary.Write(w, binary.LittleEndian, p.ID)
		binary.Write(w, binary.LittleEndian, [3]float64{p.X, p.Y, p.Z})
		binary.Write(w, binary.LittleEndian, [3]uint8{p.R, p.G, p.B})
		binary.Write(w, binary.LittleEndian, p.Error)
		binary.Write(w, binary.LittleEndian, uint64(len(p.Track)))
		for _, t := range p.Track {
			binary.Write(w, binary.LittleEndian, int32(t.ImageID))
			binary.Write(w, binary.LittleEndian, int32(t.Point2DIdx))
		}
	}
	return nil
}

// --- text codec ---

func readText(dir string) (*Model, error) {
	m := NewModel()
	if err := readCamerasText(filepath.Join(dir, "cameras.txt"), m); err != nil {
		return nil, err
	}
	if err := readImagesText(filepath.Join(dir, "images.txt"), m); err != nil {
		return nil, err
	}
	if err := readPointsText(filepath.Join(dir, "points3D.txt"), m); err != nil {
		return nil, err
	}
	return m, nil
}

func eachDataLine(path string, fn func(fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return &apperrors.Input{Op: "colmap.eachDataLine", Err: err}
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(strings.Fields(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func readCamerasText(path string, m *Model) error {
	return eachDataLine(path, func(f []string) error {
		if len(f) < 4 {
			return fmt.Errorf("malformed cameras.txt line")
		}
		id, _ := strconv.ParseInt(f[0], 10, 64)
		model := f[1]
		w, _ := strconv.ParseInt(f[2], 10, 64)
		h, _ := strconv.ParseInt(f[3], 10, 64)
		params := make([]float64, 0, len(f)-4)
		for _, s := range f[4:] {
			v, _ := strconv.ParseFloat(s, 64)
			params = append(params, v)
		}
		m.Cameras[id] = &Camera{ID: id, Model: model, Width: w, Height: h, Params: params}
		return nil
	})
}

func readImagesText(path string, m *Model) error {
	f, err := os.Open(path)
	if err != nil {
		return &apperrors.Input{Op: "colmap.readImagesText", Err: err}
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var pending *Image
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if pending == nil {
			fields := strings.Fields(line)
			if len(fields) < 10 {
				return fmt.Errorf("malformed images.txt header line")
			}
			id, _ := strconv.ParseInt(fields[0], 10, 64)
			qw, _ := strconv.ParseFloat(fields[1], 64)
			qx, _ := strconv.ParseFloat(fields[2], 64)
			qy, _ := strconv.ParseFloat(fields[3], 64)
			qz, _ := strconv.ParseFloat(fields[4], 64)
			tx, _ := strconv.ParseFloat(fields[5], 64)
			ty, _ := strconv.ParseFloat(fields[6], 64)
			tz, _ := strconv.ParseFloat(fields[7], 64)
			camID, _ := strconv.ParseInt(fields[8], 10, 64)
			name := fields[9]
			pending = &Image{ID: id, QW: qw, QX: qx, QY: qy, QZ: qz, TX: tx, TY: ty, TZ: tz, CameraID: camID, Name: name}
		} else {
			fields := strings.Fields(line)
			pending.Points2D = make([]Point2D, 0, len(fields)/3)
			for i := 0; i+2 < len(fields); i += 3 {
				x, _ := strconv.ParseFloat(fields[i], 64)
				y, _ := strconv.ParseFloat(fields[i+1], 64)
				pid, _ := strconv.ParseInt(fields[i+2], 10, 64)
				pending.Points2D = append(pending.Points2D, Point2D{X: x, Y: y, Point3DID: pid})
			}
			m.Images[pending.ID] = pending
			pending = nil
		}
	}
	return sc.Err()
}

func readPointsText(path string, m *Model) error {
	return eachDataLine(path, func(f []string) error {
		if len(f) < 8 {
			return fmt.Errorf("malformed points3D.txt line")
		}
		id, _ := strconv.ParseInt(f[0], 10, 64)
		x, _ := strconv.ParseFloat(f[1], 64)
		y, _ := strconv.ParseFloat(f[2], 64)
		z, _ := strconv.ParseFloat(f[3], 64)
		r, _ := strconv.ParseInt(f[4], 10, 64)
		g, _ := strconv.ParseInt(f[5], 10, 64)
		b, _ := strconv.ParseInt(f[6], 10, 64)
		errv, _ := strconv.ParseFloat(f[7], 64)
		p := &Point3D{ID: id, X: x, Y: y, Z: z, R: uint8(r), G: uint8(g), B: uint8(b), Error: errv}
		for i := 8; i+1 < len(f); i += 2 {
			imgID, _ := strconv.ParseInt(f[i], 10, 64)
			kpIdx, _ := strconv.ParseInt(f[i+1], 10, 64)
			p.Track = append(p.Track, TrackElement{ImageID: imgID, Point2DIdx: kpIdx})
		}
		m.Points[id] = p
		return nil
	})
}

// DeletePoint3D removes a point and its observations from every image track
// that referenced it, matching reconstruction.delete_point3D semantics:
// the point disappears from the model and any Point2D that observed it is
// marked unobserved (-1) rather than removed, preserving keypoint indices.
func (m *Model) DeletePoint3D(id int64) {
	delete(m.Points, id)
	for _, img := range m.Images {
		for i := range img.Points2D {
			if img.Points2D[i].Point3DID == id {
				img.Points2D[i].Point3DID = -1
			}
		}
	}
}
