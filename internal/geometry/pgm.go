package geometry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"spatialserver/internal/apperrors"
)

func readPGM(path string) (Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return Mask{}, &apperrors.Input{Op: "geometry.readPGM", Err: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic, err := readToken(r)
	if err != nil || magic != "P5" {
		return Mask{}, &apperrors.Input{Op: "geometry.readPGM", Err: fmt.Errorf("not a binary PGM file")}
	}
	wStr, _ := readToken(r)
	hStr, _ := readToken(r)
	_, _ = readToken(r) // maxval

	w, _ := strconv.Atoi(wStr)
	h, _ := strconv.Atoi(hStr)

	data := make([]byte, w*h)
	if _, err := io.ReadFull(r, data); err != nil {
		return Mask{}, &apperrors.Input{Op: "geometry.readPGM", Err: err}
	}

	bits := make([]bool, w*h)
	for i, b := range data {
		bits[i] = b != 0
	}
	return Mask{Width: w, Height: h, Bits: bits}, nil
}

// readToken reads the next whitespace-delimited token, skipping '#'
// comments, matching the PGM plain-header grammar.
func readToken(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			for {
				c, err := r.ReadByte()
				if err != nil || c == '\n' {
					break
				}
			}
			continue
		}
		if b == ' ' || b == '\n' || b == '\t' || b == '\r' {
			if sb.Len() > 0 {
				return sb.String(), nil
			}
			continue
		}
		sb.WriteByte(b)
	}
}
