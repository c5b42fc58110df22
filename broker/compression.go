package broker

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4"
)

// propCompressed and propCompressionAlgo are the message properties stamped
// on send and consulted on receive to reverse the transformation.
const (
	propCompressed      = "Compressed"
	propCompressionAlgo = "CompressionAlgorithm"
)

// applyCompression compresses msg.Payload in place according to cfg, if the
// payload meets cfg.MinSize and the algorithm isn't none. Skips an external
// (zero-copy) payload, since rewriting its bytes would defeat the caller's
// buffer-ownership contract.
func (b *Broker) applyCompression(msg *Message, cfg CompressionConfig) error {
	algo := cfg.Algorithm
	if cfg.Auto && algo == CompressionNone {
		b.configMu.RLock()
		algo = b.defaultCompression
		b.configMu.RUnlock()
	}
	if algo == CompressionNone || msg.Payload.External {
		return nil
	}
	if cfg.MinSize > 0 && msg.Payload.Len() < cfg.MinSize {
		return nil
	}
	if v, _ := msg.Property(propCompressed); v == "1" {
		return nil
	}

	var out bytes.Buffer
	switch algo {
	case CompressionGzip:
		level := cfg.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		w, err := gzip.NewWriterLevel(&out, level)
		if err != nil {
			return Newf(OperationFailed, "compression: %v", err)
		}
		if _, err := w.Write(msg.Payload.Bytes); err != nil {
			return Newf(OperationFailed, "compression: %v", err)
		}
		if err := w.Close(); err != nil {
			return Newf(OperationFailed, "compression: %v", err)
		}
	case CompressionSnappy:
		out.Write(snappy.Encode(nil, msg.Payload.Bytes))
	case CompressionLZ4:
		w := lz4.NewWriter(&out)
		if _, err := w.Write(msg.Payload.Bytes); err != nil {
			return Newf(OperationFailed, "compression: %v", err)
		}
		if err := w.Close(); err != nil {
			return Newf(OperationFailed, "compression: %v", err)
		}
	default:
		return New(InvalidArgument, nil)
	}

	msg.Payload.Bytes = out.Bytes()
	msg.SetProperty(propCompressed, "1")
	msg.SetProperty(propCompressionAlgo, algo.String())
	return nil
}

// looksCompressed sniffs a gzip magic header (1f 8b) or a zlib stream
// header (CMF/FLG checksum divisible by 31), so a payload compressed by a
// producer that never stamped the property still gets decompressed.
func looksCompressed(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	if buf[0] == 0x1f && buf[1] == 0x8b {
		return true
	}
	cmf, flg := buf[0], buf[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// reverseCompression decompresses msg.Payload if the compressed property
// was stamped, clearing both properties on success.
func reverseCompression(msg *Message) error {
	v, ok := msg.Property(propCompressed)
	if !ok || v != "1" {
		if looksCompressed(msg.Payload.Bytes) {
			if decoded, err := gunzip(msg.Payload.Bytes); err == nil {
				msg.Payload.Bytes = decoded
			} else if zr, zerr := zlib.NewReader(bytes.NewReader(msg.Payload.Bytes)); zerr == nil {
				if decoded, rerr := io.ReadAll(zr); rerr == nil {
					msg.Payload.Bytes = decoded
				}
				_ = zr.Close()
			}
		}
		return nil
	}
	algoName, _ := msg.Property(propCompressionAlgo)

	var r io.Reader
	switch algoName {
	case CompressionGzip.String():
		decoded, err := gunzip(msg.Payload.Bytes)
		if err != nil {
			return Newf(OperationFailed, "decompression: %v", err)
		}
		msg.Payload.Bytes = decoded
		msg.ClearProperty(propCompressed)
		msg.ClearProperty(propCompressionAlgo)
		return nil
	case CompressionSnappy.String():
		decoded, err := snappy.Decode(nil, msg.Payload.Bytes)
		if err != nil {
			return Newf(OperationFailed, "decompression: %v", err)
		}
		msg.Payload.Bytes = decoded
		msg.ClearProperty(propCompressed)
		msg.ClearProperty(propCompressionAlgo)
		return nil
	case CompressionLZ4.String():
		r = lz4.NewReader(bytes.NewReader(msg.Payload.Bytes))
	default:
		return Newf(OperationFailed, "decompression: unknown algorithm %q", algoName)
	}

	decoded, err := io.ReadAll(r)
	if err != nil {
		return Newf(OperationFailed, "decompression: %v", err)
	}
	msg.Payload.Bytes = decoded
	msg.ClearProperty(propCompressed)
	msg.ClearProperty(propCompressionAlgo)
	return nil
}

func gunzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
