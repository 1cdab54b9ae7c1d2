package pointfile

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ObjectFile is the parsed calibration object definition.
type ObjectFile struct {
	Points []r3.Vector
	// White is set when the target uses white blobs on a dark background.
	White bool
	// Scale is applied per axis to every point. It is (1, 1, 1) when the header has none.
	Scale r3.Vector
}

// parseObjectHeader reads a header line of the form "[white] [sX,sY,sZ]", where the scale may be
// prefixed with "s". ok is false when the line is not a header.
func parseObjectHeader(line string, obj *ObjectFile) bool {
	fields := splitFields(line)
	if len(fields) == 0 {
		return false
	}
	header := false
	var scale []float64
	for _, f := range fields {
		lower := strings.ToLower(f)
		if lower == "white" {
			obj.White = true
			header = true
			continue
		}
		if lower == "black" {
			header = true
			continue
		}
		if strings.HasPrefix(lower, "s") {
			lower = strings.TrimPrefix(lower, "s")
			header = true
		}
		if v, err := strconv.ParseFloat(lower, 64); err == nil {
			scale = append(scale, v)
		}
	}
	if !header {
		return false
	}
	if len(scale) >= 3 {
		obj.Scale = r3.Vector{X: scale[0], Y: scale[1], Z: scale[2]}
	}
	return true
}

// ReadObject reads a calibration object file: an optional header line followed by one x,y,z
// point per line.
func ReadObject(r io.Reader) (*ObjectFile, error) {
	obj := &ObjectFile{Scale: r3.Vector{X: 1, Y: 1, Z: 1}}
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if first {
			first = false
			if parseObjectHeader(line, obj) {
				continue
			}
		}
		vals := parseValues(line)
		if len(vals) < 3 {
			continue
		}
		obj.Points = append(obj.Points, r3.Vector{
			X: vals[0] * obj.Scale.X,
			Y: vals[1] * obj.Scale.Y,
			Z: vals[2] * obj.Scale.Z,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading calibration object")
	}
	if len(obj.Points) == 0 {
		return nil, errors.New("calibration object has no points")
	}
	return obj, nil
}

// Reference names one point of a calibration object or marker set. IDs are 1-based in files.
type Reference struct {
	ID   int
	Name string
}

// ReadReferences reads "id name" lines. Lines without a positive integer id are skipped.
func ReadReferences(r io.Reader) ([]Reference, error) {
	var out []Reference
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := splitFields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id < 1 {
			continue
		}
		out = append(out, Reference{ID: id, Name: strings.Join(fields[1:], " ")})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading references")
	}
	return out, nil
}

// WriteReferences writes "id name" lines.
func WriteReferences(w io.Writer, refs []Reference) error {
	lines := make([]string, len(refs))
	for i, ref := range refs {
		lines[i] = strconv.Itoa(ref.ID) + " " + ref.Name
	}
	return writeLines(w, lines)
}
