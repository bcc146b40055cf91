package lprnet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/platereader/nn"
	"github.com/knights-analytics/platereader/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WeightsExtension is the file extension of weight blobs.
const WeightsExtension = ".safetensors"

const metadataKey = "__metadata__"

// maxHeaderSize bounds the JSON header of a weight blob.
const maxHeaderSize = 100 * 1024 * 1024

// LoadError reports a weight blob that could not be read or bound to the network.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading weights from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadSafetensors decodes a safetensors blob into float32 tensors keyed by name.
// F32, F16, BF16 and F64 payloads are accepted.
func ReadSafetensors(data []byte) (map[string]*tensor.Dense, error) {
	if len(data) < 8 {
		return nil, errors.New("blob is too short for a safetensors header")
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > maxHeaderSize || headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("invalid header size %d for a blob of %d bytes", headerSize, len(data))
	}
	payload := data[8+headerSize:]

	var header map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &header); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	tensors := make(map[string]*tensor.Dense, len(header))
	for name, raw := range header {
		if name == metadataKey {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("decoding entry %s: %w", name, err)
		}
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(payload)) {
			return nil, fmt.Errorf("tensor %s: data offsets %v outside payload of %d bytes", name, info.DataOffsets, len(payload))
		}
		values, err := decodeValues(info.DType, payload[start:end])
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		shape := info.Shape
		if len(shape) == 0 {
			shape = []int{1}
		}
		t, err := nn.FromData(values, shape...)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = t
	}
	return tensors, nil
}

func decodeValues(dtype string, raw []byte) ([]float32, error) {
	var width int
	switch dtype {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	case "F64":
		width = 8
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
	if len(raw)%width != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %s values", len(raw), dtype)
	}
	values := make([]float32, len(raw)/width)
	for i := range values {
		b := raw[i*width : (i+1)*width]
		switch dtype {
		case "F32":
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		case "F16":
			values[i] = halfToFloat32(binary.LittleEndian.Uint16(b))
		case "BF16":
			values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
		case "F64":
			values[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
	}
	return values, nil
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff
	switch exp {
	case 0:
		// zero or subnormal: mant * 2^-24
		v := float32(mant) / (1 << 24)
		if sign != 0 {
			v = -v
		}
		return v
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// WriteSafetensors encodes params as F32 tensors in the given order. The metadata map may be nil.
func WriteSafetensors(w io.Writer, params []nn.Named, metadata map[string]string) error {
	header := make(map[string]any, len(params)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, p := range params {
		if _, exists := header[p.Name]; exists {
			return fmt.Errorf("duplicate tensor name %s", p.Name)
		}
		size := int64(len(nn.Float32s(p.Tensor))) * 4
		header[p.Name] = tensorInfo{DType: "F32", Shape: nn.Shape(p.Tensor), DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 8+len(headerBytes)+int(offset)))
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(headerBytes)))
	buf.Write(sizeBytes[:])
	buf.Write(headerBytes)
	var word [4]byte
	for _, p := range params {
		for _, v := range nn.Float32s(p.Tensor) {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			buf.Write(word[:])
		}
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// BindWeights copies the named tensors into the network parameters. Every parameter must be
// present with its declared shape; nothing is modified unless all of them are.
func (n *Network) BindWeights(weights map[string]*tensor.Dense) error {
	params := n.Parameters()
	var errs []error
	for _, p := range params {
		w, ok := weights[p.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("missing tensor %s", p.Name))
			continue
		}
		if !slices.Equal(nn.Shape(w), nn.Shape(p.Tensor)) {
			errs = append(errs, &nn.ShapeError{Op: p.Name, Expected: nn.Shape(p.Tensor), Got: nn.Shape(w)})
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, p := range params {
		copy(nn.Float32s(p.Tensor), nn.Float32s(weights[p.Name]))
	}
	if unused := len(weights) - len(params); unused > 0 {
		known := make(map[string]struct{}, len(params))
		for _, p := range params {
			known[p.Name] = struct{}{}
		}
		var names []string
		for name := range weights {
			if _, ok := known[name]; !ok {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		log.Debug().Int("count", len(names)).Strs("names", names).Msg("ignoring unused weight tensors")
	}
	return nil
}

// LoadWeights reads a weight blob from a local path or object storage URL and binds it. All
// failures are returned as *LoadError; shape mismatches additionally match *nn.ShapeError with
// errors.As. Loading must complete before the network is shared between goroutines.
func (n *Network) LoadWeights(path string) error {
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return &LoadError{Path: path, Err: err}
	}
	weights, err := ReadSafetensors(data)
	if err != nil {
		return &LoadError{Path: path, Err: err}
	}
	if err = n.BindWeights(weights); err != nil {
		return &LoadError{Path: path, Err: err}
	}
	log.Debug().Str("path", path).Int("tensors", len(weights)).Msg("bound network weights")
	return nil
}

// SaveWeights writes the network parameters to path as a weight blob.
func (n *Network) SaveWeights(path string) (err error) {
	writer, err := fileutil.NewFileWriter(path, "")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	metadata := map[string]string{"format": "pt", "classes": fmt.Sprint(n.classCount)}
	return WriteSafetensors(writer, n.Parameters(), metadata)
}
