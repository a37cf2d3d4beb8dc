package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"

	"spatialserver/internal/apperrors"
)

// PCDEncoding selects the DATA section encoding written by ToPCD.
type PCDEncoding int

const (
	PCDASCII PCDEncoding = iota
	PCDBinary
)

func packRGB(r, g, b uint8) float32 {
	v := uint32(r)<<16 | uint32(g)<<8 | uint32(b)
	bits := v // reinterpret as float32 bit pattern, matching PCL's packed-rgb convention
	return math.Float32frombits(bits)
}

func unpackRGB(f float32) (uint8, uint8, uint8) {
	v := math.Float32bits(f)
	return uint8(v >> 16), uint8(v >> 8), uint8(v)
}

// ToPCD writes cloud in the PCD .7 file format (FIELDS x y z rgb) with the
// requested encoding.
func ToPCD(cloud *Cloud, w io.Writer, enc PCDEncoding) error {
	n := cloud.Size()
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "VERSION .7\n")
	fmt.Fprintf(bw, "FIELDS x y z rgb\n")
	fmt.Fprintf(bw, "SIZE 4 4 4 4\n")
	fmt.Fprintf(bw, "TYPE F F F I\n")
	fmt.Fprintf(bw, "COUNT 1 1 1 1\n")
	fmt.Fprintf(bw, "WIDTH %d\n", n)
	fmt.Fprintf(bw, "HEIGHT 1\n")
	fmt.Fprintf(bw, "VIEWPOINT 0 0 0 1 0 0 0\n")
	fmt.Fprintf(bw, "POINTS %d\n", n)

	switch enc {
	case PCDBinary:
		fmt.Fprintf(bw, "DATA binary\n")
		if err := bw.Flush(); err != nil {
			return err
		}
		for _, p := range cloud.Points() {
			rgb := packRGB(p.R, p.G, p.B)
			vals := []float32{float32(p.Position.X), float32(p.Position.Y), float32(p.Position.Z), rgb}
			if err := binary.Write(w, binary.LittleEndian, vals); err != nil {
				return &apperrors.Internal{Op: "pointcloud.ToPCD", Err: err}
			}
		}
	default:
		fmt.Fprintf(bw, "DATA ascii\n")
		for _, p := range cloud.Points() {
			rgbBits := math.Float32bits(packRGB(p.R, p.G, p.B))
			fmt.Fprintf(bw, "%g %g %g %d\n", p.Position.X, p.Position.Y, p.Position.Z, rgbBits)
		}
		return bw.Flush()
	}
	return nil
}

// ReadPCD parses a PCD file produced by ToPCD (ascii or binary, FIELDS x y
// z [rgb]).
func ReadPCD(r io.Reader) (*Cloud, error) {
	br := bufio.NewReader(r)

	var fields []string
	var points int
	var dataMode string

	for {
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return nil, &apperrors.Input{Op: "pointcloud.ReadPCD", Err: err}
		}
		line = strings.TrimSpace(line)
		fieldsLine := strings.Fields(line)
		if len(fieldsLine) == 0 {
			continue
		}
		switch strings.ToUpper(fieldsLine[0]) {
		case "FIELDS":
			fields = fieldsLine[1:]
		case "POINTS":
			points, _ = strconv.Atoi(fieldsLine[1])
		case "DATA":
			dataMode = strings.ToLower(fieldsLine[1])
		}
		if dataMode != "" {
			break
		}
	}

	hasRGB := false
	for _, f := range fields {
		if f == "rgb" {
			hasRGB = true
		}
	}

	cloud := NewWithCapacity(points)
	switch dataMode {
	case "binary":
		stride := len(fields) * 4
		buf := make([]byte, stride)
		for i := 0; i < points; i++ {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, &apperrors.Input{Op: "pointcloud.ReadPCD", Err: err}
			}
			x := math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4]))
			y := math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8]))
			z := math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12]))
			p := Point{Position: r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)}}
			if hasRGB && stride >= 16 {
				rgbBits := math.Float32frombits(binary.LittleEndian.Uint32(buf[12:16]))
				p.R, p.G, p.B = unpackRGB(rgbBits)
				p.HasColor = true
			}
			cloud.Set(p)
		}
	default:
		for i := 0; i < points; i++ {
			line, err := br.ReadString('\n')
			if err != nil && line == "" {
				break
			}
			f := strings.Fields(line)
			if len(f) < 3 {
				continue
			}
			x, _ := strconv.ParseFloat(f[0], 64)
			y, _ := strconv.ParseFloat(f[1], 64)
			z, _ := strconv.ParseFloat(f[2], 64)
			p := Point{Position: r3.Vector{X: x, Y: y, Z: z}}
			if hasRGB && len(f) >= 4 {
				bits, _ := strconv.ParseUint(f[3], 10, 32)
				p.R, p.G, p.B = unpackRGB(math.Float32frombits(uint32(bits)))
				p.HasColor = true
			}
			cloud.Set(p)
		}
	}
	return cloud, nil
}
