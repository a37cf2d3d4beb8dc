package pointcloud

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"testing"
)

// buildTestGLB assembles a minimal, spec-valid glb with a single triangle:
// three float32 vec3 positions plus three uint16 indices, each in its own
// bufferView within one binary chunk.
func buildTestGLB(t *testing.T) []byte {
	t.Helper()

	posBytes := make([]byte, 0, 36)
	positions := [][3]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	for _, p := range positions {
		for _, c := range p {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, math.Float32bits(c))
			posBytes = append(posBytes, b...)
		}
	}

	idxBytes := make([]byte, 6)
	binary.LittleEndian.PutUint16(idxBytes[0:], 0)
	binary.LittleEndian.PutUint16(idxBytes[2:], 1)
	binary.LittleEndian.PutUint16(idxBytes[4:], 2)

	bin := append(append([]byte{}, posBytes...), idxBytes...)

	doc := map[string]any{
		"meshes": []any{
			map[string]any{
				"primitives": []any{
					map[string]any{
						"attributes": map[string]any{"POSITION": 0},
						"indices":    1,
					},
				},
			},
		},
		"accessors": []any{
			map[string]any{"bufferView": 0, "componentType": accessorFloat, "count": 3, "type": "VEC3"},
			map[string]any{"bufferView": 1, "componentType": accessorUShort, "count": 3, "type": "SCALAR"},
		},
		"bufferViews": []any{
			map[string]any{"buffer": 0, "byteOffset": 0, "byteLength": len(posBytes)},
			map[string]any{"buffer": 0, "byteOffset": len(posBytes), "byteLength": len(idxBytes)},
		},
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal test glb json: %v", err)
	}
	// glTF chunks are 4-byte aligned; pad the JSON chunk with spaces.
	for len(jsonBytes)%4 != 0 {
		jsonBytes = append(jsonBytes, ' ')
	}
	for len(bin)%4 != 0 {
		bin = append(bin, 0)
	}

	var buf bytes.Buffer
	header := make([]byte, 12)
	binary.LittleEndian.PutUint32(header[0:], glbMagic)
	binary.LittleEndian.PutUint32(header[4:], 2)
	totalLength := uint32(12 + 8 + len(jsonBytes) + 8 + len(bin))
	binary.LittleEndian.PutUint32(header[8:], totalLength)
	buf.Write(header)

	writeChunk(&buf, chunkTypeJSON, jsonBytes)
	writeChunk(&buf, chunkTypeBin, bin)

	return buf.Bytes()
}

func writeChunk(buf *bytes.Buffer, chunkType uint32, data []byte) {
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(hdr[4:], chunkType)
	buf.Write(hdr)
	buf.Write(data)
}

func TestReadGLBMeshDecodesTriangle(t *testing.T) {
	data := buildTestGLB(t)

	mesh, err := ReadGLBMesh(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadGLBMesh: %v", err)
	}
	if len(mesh.Vertices) != 3 {
		t.Fatalf("got %d vertices, want 3", len(mesh.Vertices))
	}
	if len(mesh.Faces) != 1 {
		t.Fatalf("got %d faces, want 1", len(mesh.Faces))
	}
	if mesh.Faces[0] != [3]int{0, 1, 2} {
		t.Fatalf("face = %v, want [0 1 2]", mesh.Faces[0])
	}
	if mesh.Vertices[1].X != 1 {
		t.Fatalf("vertex 1 X = %v, want 1", mesh.Vertices[1].X)
	}
}

func TestReadGLBMeshThenWritePLYMesh(t *testing.T) {
	data := buildTestGLB(t)
	mesh, err := ReadGLBMesh(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadGLBMesh: %v", err)
	}

	var out bytes.Buffer
	if err := WritePLYMesh(&out, mesh); err != nil {
		t.Fatalf("WritePLYMesh: %v", err)
	}
	if !strings.Contains(out.String(), "element vertex 3") {
		t.Fatalf("expected ply header to report 3 vertices, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "element face 1") {
		t.Fatalf("expected ply header to report 1 face, got:\n%s", out.String())
	}
}

func TestReadGLBMeshRejectsBadMagic(t *testing.T) {
	if _, err := ReadGLBMesh(bytes.NewReader([]byte("not a glb file"))); err == nil {
		t.Fatalf("expected error for invalid magic")
	}
}
