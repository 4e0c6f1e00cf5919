// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// .nii.gz). Only the subset of the format the pipeline needs is
// implemented: 3D grids, the common scalar datatypes, and scl
// slope/intercept scaling. Field layout follows the official nifti1.h
// definition.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"brainmap/internal/voxel"
)

// NIfTI-1 datatype codes.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
)

const (
	headerSize    = 348
	dataOffset    = 352
	spatialUnitMM = 2
)

// Header is the on-disk NIfTI-1 header, 348 bytes.
type Header struct {
	SizeOfHdr      int32
	DataTypeUnused [10]byte
	DBNameUnused   [18]byte
	ExtentsUnused  int32
	SessionUnused  int16
	RegularUnused  byte
	DimInfo        byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	Datatype   int16
	BitPix     int16
	SliceStart int16
	PixDim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XYZTUnits  byte
	CalMax     float32
	CalMin     float32
	SliceDur   float32
	TOffset    float32
	GlmaxUnused int32
	GlminUnused int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// ReadVolume reads a scalar volume, converting voxel data to float32
// and applying scl slope/intercept when present.
func ReadVolume(path string) (*voxel.Volume, error) {
	hdr, order, data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	shape := shapeOf(hdr)
	v := voxel.NewVolume(shape)
	v.VoxelSize = voxelSizeOf(hdr)
	if err := decodeFloats(hdr, order, data, v.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	applyScaling(hdr, v.Data)
	return v, nil
}

// ReadLabelVolume reads an integer-labeled volume. Float datatypes are
// rounded to the nearest integer so label identity survives tools that
// only write floats.
func ReadLabelVolume(path string) (*voxel.LabelVolume, error) {
	hdr, order, data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	shape := shapeOf(hdr)
	l := voxel.NewLabelVolume(shape)
	l.VoxelSize = voxelSizeOf(hdr)
	floats := make([]float32, shape.NumVoxels())
	if err := decodeFloats(hdr, order, data, floats); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	applyScaling(hdr, floats)
	for i, f := range floats {
		l.Data[i] = int32(math.Round(float64(f)))
	}
	return l, nil
}

// WriteVolume writes v as a float32 NIfTI-1 file. A ".gz" suffix on
// path selects gzip compression.
func WriteVolume(path string, v *voxel.Volume) error {
	hdr := newHeader(v.Shape, v.VoxelSize, DTFloat32, 32)
	buf := new(bytes.Buffer)
	for _, f := range v.Data {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return writeFile(path, hdr, buf.Bytes())
}

// WriteLabelVolume writes l as an int32 NIfTI-1 file.
func WriteLabelVolume(path string, l *voxel.LabelVolume) error {
	hdr := newHeader(l.Shape, l.VoxelSize, DTInt32, 32)
	buf := new(bytes.Buffer)
	for _, label := range l.Data {
		if err := binary.Write(buf, binary.LittleEndian, label); err != nil {
			return err
		}
	}
	return writeFile(path, hdr, buf.Bytes())
}

// IsVolumePath reports whether path names a NIfTI file.
func IsVolumePath(path string) bool {
	return strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz")
}

// StripExt removes the .nii or .nii.gz suffix.
func StripExt(path string) string {
	path = strings.TrimSuffix(path, ".gz")
	return strings.TrimSuffix(path, ".nii")
}

func newHeader(shape voxel.Shape, voxelSize [3]float64, datatype int16, bitpix int16) Header {
	hdr := Header{
		SizeOfHdr: headerSize,
		Datatype:  datatype,
		BitPix:    bitpix,
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: spatialUnitMM,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim[0] = 3
	hdr.Dim[1] = int16(shape.X)
	hdr.Dim[2] = int16(shape.Y)
	hdr.Dim[3] = int16(shape.Z)
	for i := 4; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	hdr.PixDim[0] = 1
	hdr.PixDim[1] = float32(voxelSize[0])
	hdr.PixDim[2] = float32(voxelSize[1])
	hdr.PixDim[3] = float32(voxelSize[2])
	return hdr
}

func shapeOf(hdr Header) voxel.Shape {
	return voxel.Shape{X: int(hdr.Dim[1]), Y: int(hdr.Dim[2]), Z: int(hdr.Dim[3])}
}

func voxelSizeOf(hdr Header) [3]float64 {
	size := [3]float64{float64(hdr.PixDim[1]), float64(hdr.PixDim[2]), float64(hdr.PixDim[3])}
	for i, s := range size {
		if s <= 0 {
			size[i] = 1
		}
	}
	return size
}

func applyScaling(hdr Header, data []float32) {
	if hdr.SclSlope == 0 || (hdr.SclSlope == 1 && hdr.SclInter == 0) {
		return
	}
	for i := range data {
		data[i] = hdr.SclSlope*data[i] + hdr.SclInter
	}
}

func readFile(path string) (Header, binary.ByteOrder, []byte, error) {
	var hdr Header
	f, err := os.Open(path)
	if err != nil {
		return hdr, nil, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return hdr, nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return hdr, nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(raw) < headerSize {
		return hdr, nil, nil, fmt.Errorf("%s: truncated nifti header (%d bytes)", path, len(raw))
	}

	// Byte order is inferred from dim[0], which must be 1..7.
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
		return hdr, nil, nil, err
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &hdr); err != nil {
			return hdr, nil, nil, err
		}
	}
	if err := validate(hdr); err != nil {
		return hdr, nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	offset := int(hdr.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	n := int(hdr.Dim[1]) * int(hdr.Dim[2]) * int(hdr.Dim[3]) * int(hdr.BitPix) / 8
	if len(raw) < offset+n {
		return hdr, nil, nil, fmt.Errorf("%s: truncated voxel data, want %d bytes have %d", path, n, len(raw)-offset)
	}
	return hdr, order, raw[offset : offset+n], nil
}

func validate(hdr Header) error {
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		return fmt.Errorf("cannot infer byte order: dim[0]=%d not in [1,7]", hdr.Dim[0])
	}
	if hdr.SizeOfHdr != headerSize {
		return fmt.Errorf("invalid header size %d", hdr.SizeOfHdr)
	}
	if hdr.Magic != [4]byte{'n', '+', '1', 0} {
		return fmt.Errorf("unsupported magic %q: header and data must share one file", hdr.Magic[:3])
	}
	switch hdr.Datatype {
	case DTUint8, DTInt16, DTInt32, DTFloat32, DTFloat64:
		return nil
	default:
		return fmt.Errorf("unsupported datatype code %d", hdr.Datatype)
	}
}

func decodeFloats(hdr Header, order binary.ByteOrder, data []byte, out []float32) error {
	n := len(out)
	switch hdr.Datatype {
	case DTUint8:
		for i := 0; i < n; i++ {
			out[i] = float32(data[i])
		}
	case DTInt16:
		for i := 0; i < n; i++ {
			out[i] = float32(int16(order.Uint16(data[i*2:])))
		}
	case DTInt32:
		for i := 0; i < n; i++ {
			out[i] = float32(int32(order.Uint32(data[i*4:])))
		}
	case DTFloat32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(order.Uint32(data[i*4:]))
		}
	case DTFloat64:
		for i := 0; i < n; i++ {
			out[i] = float32(math.Float64frombits(order.Uint64(data[i*8:])))
		}
	default:
		return fmt.Errorf("unsupported datatype code %d", hdr.Datatype)
	}
	return nil
}

func writeFile(path string, hdr Header, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	// Four pad bytes bring the data offset to 352.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}
