package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"
)

// Method identifies the strategy that produced stored bytes.
type Method string

const (
	MethodDictionary  Method = "dictionary-deflate"
	MethodRunLength   Method = "run-length"
	MethodPassthrough Method = "passthrough"
)

// Result carries compressed bytes plus the metadata recorded on the Source.
type Result struct {
	Data           []byte  `json:"-"`
	OriginalSize   int     `json:"original_size"`
	CompressedSize int     `json:"compressed_size"`
	Ratio          float64 `json:"ratio"`
	Method         Method  `json:"method"`
}

// strategy is one entry of the ordered compression cascade.
type strategy interface {
	Method() Method
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Engine compresses archival text through an ordered strategy list.
type Engine struct {
	strategies []strategy
	logger     *zap.Logger
}

// NewEngine creates a compression engine with the default cascade:
// dictionary deflate, run-length, passthrough.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		strategies: []strategy{
			&deflateStrategy{dict: dictionary()},
			&runLengthStrategy{},
			&passthroughStrategy{},
		},
		logger: logger.With(zap.String("component", "compression")),
	}
}

// Compress tries each strategy in order and returns the first result that
// succeeds and does not grow the input. The passthrough tail guarantees a
// result, so Compress never fails.
func (e *Engine) Compress(data []byte) Result {
	original := len(data)

	for _, s := range e.strategies {
		out, err := s.Compress(data)
		if err != nil {
			e.logger.Warn("compression strategy failed, trying next",
				zap.String("method", string(s.Method())),
				zap.Error(err))
			continue
		}
		if s.Method() != MethodPassthrough && len(out) >= original {
			// Grew the input; let a later strategy handle it.
			continue
		}

		ratio := 1.0
		if original > 0 {
			ratio = float64(len(out)) / float64(original)
		}
		return Result{
			Data:           out,
			OriginalSize:   original,
			CompressedSize: len(out),
			Ratio:          ratio,
			Method:         s.Method(),
		}
	}

	// Unreachable: passthrough never fails. Kept as a hard floor.
	return Result{
		Data:           data,
		OriginalSize:   original,
		CompressedSize: original,
		Ratio:          1.0,
		Method:         MethodPassthrough,
	}
}

// Decompress reverses Compress for the given method.
func (e *Engine) Decompress(data []byte, method Method) ([]byte, error) {
	for _, s := range e.strategies {
		if s.Method() == method {
			return s.Decompress(data)
		}
	}
	return nil, fmt.Errorf("unknown compression method: %s", method)
}

// ====== dictionary deflate ======

type deflateStrategy struct {
	dict []byte
}

func (s *deflateStrategy) Method() Method { return MethodDictionary }

func (s *deflateStrategy) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriterDict(&buf, flate.BestCompression, s.dict)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *deflateStrategy) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReaderDict(bytes.NewReader(data), s.dict)
	defer r.Close()
	return io.ReadAll(r)
}

// ====== run-length encoding ======

// rleMarker introduces a run triple: marker, count, byte. A literal marker
// byte in the input is escaped as a run of length 1.
const rleMarker = 0xF5

type runLengthStrategy struct{}

func (s *runLengthStrategy) Method() Method { return MethodRunLength }

func (s *runLengthStrategy) Compress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	i := 0
	for i < len(data) {
		b := data[i]
		run := 1
		for i+run < len(data) && data[i+run] == b && run < 255 {
			run++
		}
		if run >= 4 || b == rleMarker {
			out.WriteByte(rleMarker)
			out.WriteByte(byte(run))
			out.WriteByte(b)
		} else {
			for j := 0; j < run; j++ {
				out.WriteByte(b)
			}
		}
		i += run
	}
	return out.Bytes(), nil
}

func (s *runLengthStrategy) Decompress(data []byte) ([]byte, error) {
	var out bytes.Buffer
	i := 0
	for i < len(data) {
		if data[i] == rleMarker {
			if i+2 >= len(data) {
				return nil, fmt.Errorf("truncated run-length stream at offset %d", i)
			}
			count := int(data[i+1])
			b := data[i+2]
			for j := 0; j < count; j++ {
				out.WriteByte(b)
			}
			i += 3
			continue
		}
		out.WriteByte(data[i])
		i++
	}
	return out.Bytes(), nil
}

// ====== passthrough ======

type passthroughStrategy struct{}

func (s *passthroughStrategy) Method() Method { return MethodPassthrough }

func (s *passthroughStrategy) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (s *passthroughStrategy) Decompress(data []byte) ([]byte, error) {
	return data, nil
}
