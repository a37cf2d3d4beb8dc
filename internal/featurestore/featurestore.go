// Package featurestore is a Go-native stand-in for the HDF5 feature files
// (local-features.h5, global-features.h5, matches.h5) the original
// pipeline used, backed by go.etcd.io/bbolt. Each per-map store holds three
// buckets keyed by image name (or name-pair for matches), storing
// little-endian float32 arrays as raw values — no schema evolution is
// needed since each map directory owns exactly one store written by
// exactly one build.
package featurestore

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.etcd.io/bbolt"

	"spatialserver/internal/apperrors"
)

var (
	bucketLocalFeatures  = []byte("local_features")
	bucketGlobalFeatures = []byte("global_features")
	bucketMatches        = []byte("matches")
)

// Store wraps a single bbolt database file for one map's feature data.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the feature store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, &apperrors.Internal{Op: "featurestore.Open", Err: err}
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketLocalFeatures, bucketGlobalFeatures, bucketMatches} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &apperrors.Internal{Op: "featurestore.Open", Err: err}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// LocalFeatures is one image's keypoints and descriptor matrix, flattened
// for storage. Keypoints are (x, y) pairs; Descriptors is
// (len(Keypoints)/2)*DescriptorDim float32 values, row-major.
type LocalFeatures struct {
	Keypoints      []float32 // 2 per keypoint
	Descriptors    []float32
	DescriptorDim  int
}

// PutLocalFeatures stores the local features for imageName.
func (s *Store) PutLocalFeatures(imageName string, f LocalFeatures) error {
	buf := encodeFloat32Header(f.DescriptorDim, len(f.Keypoints)/2)
	buf = append(buf, encodeFloat32Slice(f.Keypoints)...)
	buf = append(buf, encodeFloat32Slice(f.Descriptors)...)
	return s.put(bucketLocalFeatures, imageName, buf)
}

// GetLocalFeatures retrieves the local features for imageName.
func (s *Store) GetLocalFeatures(imageName string) (LocalFeatures, bool, error) {
	raw, ok, err := s.get(bucketLocalFeatures, imageName)
	if err != nil || !ok {
		return LocalFeatures{}, ok, err
	}
	dim, n, rest := decodeFloat32Header(raw)
	kp := rest[:n*2*4]
	desc := rest[n*2*4:]
	return LocalFeatures{
		Keypoints:     decodeFloat32Slice(kp),
		Descriptors:   decodeFloat32Slice(desc),
		DescriptorDim: dim,
	}, true, nil
}

// PutGlobalDescriptor stores imageName's whole-image retrieval descriptor.
func (s *Store) PutGlobalDescriptor(imageName string, descriptor []float32) error {
	return s.put(bucketGlobalFeatures, imageName, encodeFloat32Slice(descriptor))
}

// GetGlobalDescriptor retrieves imageName's retrieval descriptor.
func (s *Store) GetGlobalDescriptor(imageName string) ([]float32, bool, error) {
	raw, ok, err := s.get(bucketGlobalFeatures, imageName)
	if err != nil || !ok {
		return nil, ok, err
	}
	return decodeFloat32Slice(raw), true, nil
}

// MatchPair is one matched keypoint-index pair between two images.
type MatchPair struct {
	IdxA, IdxB int32
}

// pairKey builds the deterministic storage key for an unordered image pair.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// PutMatches stores the keypoint-index correspondences between images a
// and b.
func (s *Store) PutMatches(a, b string, matches []MatchPair) error {
	buf := make([]byte, 4+8*len(matches))
	binary.LittleEndian.PutUint32(buf, uint32(len(matches)))
	off := 4
	for _, m := range matches {
		binary.LittleEndian.PutUint32(buf[off:], uint32(m.IdxA))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(m.IdxB))
		off += 8
	}
	return s.put(bucketMatches, pairKey(a, b), buf)
}

// GetMatches retrieves the keypoint-index correspondences between images a
// and b.
func (s *Store) GetMatches(a, b string) ([]MatchPair, bool, error) {
	raw, ok, err := s.get(bucketMatches, pairKey(a, b))
	if err != nil || !ok {
		return nil, ok, err
	}
	if len(raw) < 4 {
		return nil, false, &apperrors.Internal{Op: "featurestore.GetMatches", Err: fmt.Errorf("truncated record")}
	}
	n := binary.LittleEndian.Uint32(raw)
	out := make([]MatchPair, 0, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		a := int32(binary.LittleEndian.Uint32(raw[off:]))
		b := int32(binary.LittleEndian.Uint32(raw[off+4:]))
		out = append(out, MatchPair{IdxA: a, IdxB: b})
		off += 8
	}
	return out, true, nil
}

func (s *Store) put(bucket []byte, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
}

func (s *Store) get(bucket []byte, key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, &apperrors.Internal{Op: "featurestore.get", Err: err}
	}
	return out, out != nil, nil
}

func encodeFloat32Header(dim, n int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, uint32(dim))
	binary.LittleEndian.PutUint32(buf[4:], uint32(n))
	return buf
}

func decodeFloat32Header(raw []byte) (dim, n int, rest []byte) {
	dim = int(binary.LittleEndian.Uint32(raw))
	n = int(binary.LittleEndian.Uint32(raw[4:]))
	return dim, n, raw[8:]
}

func encodeFloat32Slice(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32Slice(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
