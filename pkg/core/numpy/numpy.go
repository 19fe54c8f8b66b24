// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy reads and writes arrays in Python's NumPy npy and npz formats.
//
// LiftPose3D uses it for all of its binary artifacts: datasets prepared in Python, checkpoints and
// test results, so they can be opened with `numpy.load` on the other side.
//
// Arrays are always float64 in memory. Reading accepts any numeric or boolean dtype (little-endian),
// writing always produces '<f8'.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const magicString = "\x93NUMPY"

// FromNpyFile reads a .npy file.
func FromNpyFile(filePath string) (*Array, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	return FromNpyReader(file)
}

// FromNpyReader reads one array in .npy format from r.
func FromNpyReader(r io.Reader) (*Array, error) {
	magic := make([]byte, len(magicString))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read magic string")
	}
	if string(magic) != magicString {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}

	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, errors.Wrapf(err, "failed to read version")
	}

	var headerLen uint32
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = uint32(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = binary.LittleEndian.Uint32(lenBytes)
		if headerLen > 1<<20 {
			return nil, errors.Errorf("header length %d is too large", headerLen)
		}
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	dtype, shape, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse .npy header")
	}
	if strings.HasPrefix(dtype, ">") {
		return nil, errors.Errorf("big-endian .npy files (%q) are not supported", dtype)
	}
	decoder, elementSize, err := npyDecoder(dtype)
	if err != nil {
		return nil, err
	}

	array := &Array{Shape: shape}
	size := array.Size()
	raw := make([]byte, size*elementSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read array data (expected %d bytes)", len(raw))
	}
	array.Data = make([]float64, size)
	for ii := range size {
		array.Data[ii] = decoder(raw[ii*elementSize : (ii+1)*elementSize])
	}
	if fortranOrder && len(shape) > 1 {
		array.Data = fortranToCOrder(shape, array.Data)
	}
	return array, nil
}

// fortranToCOrder returns the values of a column-major array re-ordered in row-major order.
func fortranToCOrder(dims []int, fortranData []float64) []float64 {
	cData := make([]float64, len(fortranData))
	coordinates := make([]int, len(dims))
	for cIndex := range cData {
		tempIndex := cIndex
		for axis := len(dims) - 1; axis >= 0; axis-- {
			coordinates[axis] = tempIndex % dims[axis]
			tempIndex /= dims[axis]
		}
		fortranIndex, multiplier := 0, 1
		for axis, dim := range dims {
			fortranIndex += coordinates[axis] * multiplier
			multiplier *= dim
		}
		cData[cIndex] = fortranData[fortranIndex]
	}
	return cData
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader extracts dtype, shape and fortran_order from the .npy header, e.g.:
// "{'descr': '<f8', 'fortran_order': False, 'shape': (10, 3), }".
func parseNpyHeader(header string) (dtype string, shape []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		err = errors.Errorf("could not find 'descr' in header: %q", header)
		return
	}
	dtype = mDescr[1]

	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in header: %q", header)
		return
	}
	fortranOrder = mFortran[1] == "True"

	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		err = errors.Errorf("could not find 'shape' in header: %q", header)
		return
	}
	shape = []int{}
	for _, part := range strings.Split(mShape[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Trailing comma of "(N,)" or the scalar "()".
			continue
		}
		dim, parseErr := strconv.Atoi(part)
		if parseErr != nil {
			err = errors.Wrapf(parseErr, "invalid shape value %q in header", part)
			return
		}
		shape = append(shape, dim)
	}
	return
}

// npyDecoder returns a function that converts one little-endian element of the given NumPy dtype
// to float64, and the size in bytes of the element.
func npyDecoder(npyType string) (decoder func([]byte) float64, size int, err error) {
	switch {
	case npyType == "|b1", npyType == "?", npyType == "b1":
		return func(b []byte) float64 {
			if b[0] != 0 {
				return 1
			}
			return 0
		}, 1, nil
	case strings.HasSuffix(npyType, "i1"):
		return func(b []byte) float64 { return float64(int8(b[0])) }, 1, nil
	case strings.HasSuffix(npyType, "u1"):
		return func(b []byte) float64 { return float64(b[0]) }, 1, nil
	case strings.HasSuffix(npyType, "i2"):
		return func(b []byte) float64 { return float64(int16(binary.LittleEndian.Uint16(b))) }, 2, nil
	case strings.HasSuffix(npyType, "u2"):
		return func(b []byte) float64 { return float64(binary.LittleEndian.Uint16(b)) }, 2, nil
	case strings.HasSuffix(npyType, "i4"):
		return func(b []byte) float64 { return float64(int32(binary.LittleEndian.Uint32(b))) }, 4, nil
	case strings.HasSuffix(npyType, "u4"):
		return func(b []byte) float64 { return float64(binary.LittleEndian.Uint32(b)) }, 4, nil
	case strings.HasSuffix(npyType, "i8"):
		return func(b []byte) float64 { return float64(int64(binary.LittleEndian.Uint64(b))) }, 8, nil
	case strings.HasSuffix(npyType, "u8"):
		return func(b []byte) float64 { return float64(binary.LittleEndian.Uint64(b)) }, 8, nil
	case strings.HasSuffix(npyType, "f4"):
		return func(b []byte) float64 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}, 4, nil
	case strings.HasSuffix(npyType, "f8"):
		return func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }, 8, nil
	default:
		return nil, 0, errors.Errorf("unsupported NumPy dtype: %s", npyType)
	}
}

// ToNpyWriter writes the array to w in .npy format (version 1.0, dtype '<f8').
func ToNpyWriter(array *Array, w io.Writer) error {
	if len(array.Data) != array.Size() {
		return errors.Errorf("invalid array: shape %v requires %d values, got %d",
			array.Shape, array.Size(), len(array.Data))
	}
	var shapeTuple string
	switch array.Rank() {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", array.Shape[0])
	default:
		dimsStr := make([]string, array.Rank())
		for ii, dim := range array.Shape {
			dimsStr[ii] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(dimsStr, ", "))
	}

	// Magic (6) + version (2) + header length (2) + header must be a multiple of 64, and the
	// header is terminated by a newline.
	var headerBuf bytes.Buffer
	headerBuf.WriteString(fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': %s, }", shapeTuple))
	for (10+headerBuf.Len()+1)%64 != 0 {
		headerBuf.WriteByte(' ')
	}
	headerBuf.WriteByte('\n')
	header := headerBuf.Bytes()

	preamble := make([]byte, 0, 10)
	preamble = append(preamble, magicString...)
	preamble = append(preamble, 1, 0)
	preamble = binary.LittleEndian.AppendUint16(preamble, uint16(len(header)))
	if _, err := w.Write(preamble); err != nil {
		return errors.Wrapf(err, "failed to write .npy preamble")
	}
	if _, err := w.Write(header); err != nil {
		return errors.Wrapf(err, "failed to write .npy header")
	}
	data := make([]byte, 0, 8*len(array.Data))
	for _, value := range array.Data {
		data = binary.LittleEndian.AppendUint64(data, math.Float64bits(value))
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrapf(err, "failed to write array data")
	}
	return nil
}

// ToNpyFile writes the array to a .npy file.
func ToNpyFile(array *Array, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(array, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npy file %q", filePath)
}

// FromNpzFile reads a .npz file and returns its arrays keyed by name.
func FromNpzFile(filePath string) (map[string]*Array, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	arrays, err := FromNpzReader(file, info.Size())
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	return arrays, nil
}

// FromNpzReader reads a .npz archive (a zip file of .npy entries).
// Names may contain "/", which NumPy preserves as given to `numpy.savez`.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*Array, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create zip reader for .npz")
	}
	results := make(map[string]*Array, len(zipReader.File))
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid path in .npz archive: %q (normalized to %q)", f.Name, cleanPath)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			klog.V(2).Infof("skipping non-array entry %q in .npz", f.Name)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		array, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read array %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = array
	}
	return results, nil
}

// ToNpzWriter writes the arrays as a .npz archive. Entries are written sorted by name.
func ToNpzWriter(arrays map[string]*Array, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	names := make([]string, 0, len(arrays))
	for name := range arrays {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		npyName := name + ".npy"
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := ToNpyWriter(arrays[name], fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write array %q to .npz archive", name)
		}
	}
	return errors.Wrapf(zipWriter.Close(), "failed to close .npz archive")
}

// ToNpzFile writes the arrays to a .npz file. The file is truncated if it exists.
func ToNpzFile(arrays map[string]*Array, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	if err = ToNpzWriter(arrays, file); err != nil {
		_ = file.Close()
		return errors.WithMessagef(err, "writing %q", filePath)
	}
	return errors.Wrapf(file.Close(), "failed to close .npz file %q", filePath)
}
