package pointcloud

import (
	"bufio"
	"fmt"
	"io"
)

// Mesh is a triangle mesh carried through from a Polycam/Kiri capture's
// raw.glb for optional inspection — not a reconstructed mesh, just a
// copy-through of whatever mesh the capture source already provides.
type Mesh struct {
	Vertices []r3Point
	Faces    [][3]int
}

type r3Point struct{ X, Y, Z float64 }

// WritePLYMesh writes an ASCII PLY file (vertex + face elements). No
// third-party PLY writer exists in the examples pool — the one PLY library
// present there (github.com/chenzhekl/goply) is read-only, so this is a
// small hand-rolled writer; see DESIGN.md.
func WritePLYMesh(w io.Writer, m Mesh) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\n")
	fmt.Fprintf(bw, "format ascii 1.0\n")
	fmt.Fprintf(bw, "element vertex %d\n", len(m.Vertices))
	fmt.Fprintf(bw, "property float x\n")
	fmt.Fprintf(bw, "property float y\n")
	fmt.Fprintf(bw, "property float z\n")
	fmt.Fprintf(bw, "element face %d\n", len(m.Faces))
	fmt.Fprintf(bw, "property list uchar int vertex_indices\n")
	fmt.Fprintf(bw, "end_header\n")
	for _, v := range m.Vertices {
		fmt.Fprintf(bw, "%g %g %g\n", v.X, v.Y, v.Z)
	}
	for _, f := range m.Faces {
		fmt.Fprintf(bw, "3 %d %d %d\n", f[0], f[1], f[2])
	}
	return bw.Flush()
}
