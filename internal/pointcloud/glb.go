package pointcloud

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"spatialserver/internal/apperrors"
)

// glb (glTF-binary) container layout: a 12-byte header, then a JSON chunk
// describing the scene graph, then a binary chunk holding the raw buffer
// data the JSON's accessors index into. This reader only decodes the one
// shape a Polycam/Kiri raw.glb export actually needs: the first mesh
// primitive's POSITION accessor and its triangle index accessor.
const (
	glbMagic       = 0x46546C67 // "glTF"
	chunkTypeJSON  = 0x4E4F534A // "JSON"
	chunkTypeBin   = 0x004E4942 // "BIN\x00"
	accessorFloat  = 5126
	accessorUShort = 5123
	accessorUInt   = 5125
)

type gltfDocument struct {
	Meshes []struct {
		Primitives []struct {
			Attributes map[string]int `json:"attributes"`
			Indices    int            `json:"indices"`
		} `json:"primitives"`
	} `json:"meshes"`
	Accessors []struct {
		BufferView    int    `json:"bufferView"`
		ComponentType int    `json:"componentType"`
		Count         int    `json:"count"`
		Type          string `json:"type"`
	} `json:"accessors"`
	BufferViews []struct {
		Buffer     int `json:"buffer"`
		ByteOffset int `json:"byteOffset"`
		ByteLength int `json:"byteLength"`
	} `json:"bufferViews"`
}

// ReadGLBMesh decodes the first mesh primitive of a glTF-binary (.glb)
// stream into a Mesh, carrying the capture source's own mesh through for
// inspection rather than reconstructing one.
func ReadGLBMesh(r io.Reader) (Mesh, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Mesh{}, &apperrors.Input{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("read glb header: %w", err)}
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != glbMagic {
		return Mesh{}, &apperrors.Input{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("not a glb file (bad magic)")}
	}

	var doc gltfDocument
	var bin []byte
	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return Mesh{}, &apperrors.Internal{Op: "pointcloud.ReadGLBMesh", Err: err}
		}
		length := binary.LittleEndian.Uint32(chunkHeader[0:4])
		chunkType := binary.LittleEndian.Uint32(chunkHeader[4:8])

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return Mesh{}, &apperrors.Internal{Op: "pointcloud.ReadGLBMesh", Err: err}
		}

		switch chunkType {
		case chunkTypeJSON:
			if err := json.Unmarshal(data, &doc); err != nil {
				return Mesh{}, &apperrors.Internal{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("decode glb json chunk: %w", err)}
			}
		case chunkTypeBin:
			bin = data
		}
	}

	if len(doc.Meshes) == 0 || len(doc.Meshes[0].Primitives) == 0 {
		return Mesh{}, &apperrors.Input{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("glb contains no mesh primitives")}
	}
	prim := doc.Meshes[0].Primitives[0]

	posAccessorIdx, ok := prim.Attributes["POSITION"]
	if !ok {
		return Mesh{}, &apperrors.Input{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("primitive has no POSITION attribute")}
	}

	vertices, err := readVec3Accessor(doc, bin, posAccessorIdx)
	if err != nil {
		return Mesh{}, err
	}

	faces, err := readIndexAccessor(doc, bin, prim.Indices)
	if err != nil {
		return Mesh{}, err
	}

	return Mesh{Vertices: vertices, Faces: faces}, nil
}

func accessorBytes(doc gltfDocument, bin []byte, accessorIdx int) ([]byte, int, int, error) {
	if accessorIdx < 0 || accessorIdx >= len(doc.Accessors) {
		return nil, 0, 0, &apperrors.Input{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("accessor index %d out of range", accessorIdx)}
	}
	acc := doc.Accessors[accessorIdx]
	if acc.BufferView < 0 || acc.BufferView >= len(doc.BufferViews) {
		return nil, 0, 0, &apperrors.Input{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("bufferView index %d out of range", acc.BufferView)}
	}
	bv := doc.BufferViews[acc.BufferView]
	if bv.ByteOffset+bv.ByteLength > len(bin) {
		return nil, 0, 0, &apperrors.Input{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("bufferView exceeds binary chunk length")}
	}
	return bin[bv.ByteOffset : bv.ByteOffset+bv.ByteLength], acc.ComponentType, acc.Count, nil
}

func readVec3Accessor(doc gltfDocument, bin []byte, accessorIdx int) ([]r3Point, error) {
	data, componentType, count, err := accessorBytes(doc, bin, accessorIdx)
	if err != nil {
		return nil, err
	}
	if componentType != accessorFloat {
		return nil, &apperrors.Input{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("unsupported POSITION component type %d", componentType)}
	}

	out := make([]r3Point, 0, count)
	for i := 0; i < count; i++ {
		off := i * 12
		if off+12 > len(data) {
			break
		}
		x := math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		y := math.Float32frombits(binary.LittleEndian.Uint32(data[off+4:]))
		z := math.Float32frombits(binary.LittleEndian.Uint32(data[off+8:]))
		out = append(out, r3Point{X: float64(x), Y: float64(y), Z: float64(z)})
	}
	return out, nil
}

func readIndexAccessor(doc gltfDocument, bin []byte, accessorIdx int) ([][3]int, error) {
	data, componentType, count, err := accessorBytes(doc, bin, accessorIdx)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, count)
	switch componentType {
	case accessorUShort:
		for i := 0; i < count; i++ {
			off := i * 2
			if off+2 > len(data) {
				break
			}
			indices = append(indices, int(binary.LittleEndian.Uint16(data[off:])))
		}
	case accessorUInt:
		for i := 0; i < count; i++ {
			off := i * 4
			if off+4 > len(data) {
				break
			}
			indices = append(indices, int(binary.LittleEndian.Uint32(data[off:])))
		}
	default:
		return nil, &apperrors.Input{Op: "pointcloud.ReadGLBMesh", Err: fmt.Errorf("unsupported index component type %d", componentType)}
	}

	faces := make([][3]int, 0, len(indices)/3)
	for i := 0; i+2 < len(indices); i += 3 {
		faces = append(faces, [3]int{indices[i], indices[i+1], indices[i+2]})
	}
	return faces, nil
}
