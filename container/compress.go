package container

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/emberengine/content/asset"
)

// compressChunk LZ4 block compresses a payload and prefixes it with the
// uncompressed size as a little-endian i32, the layout the container
// format stores for compressed chunks. The second return is false when
// the data is incompressible, in which case the chunk should be stored
// raw with the compression flag cleared.
func compressChunk(data []byte) ([]byte, bool) {
	bound := lz4.CompressBlockBound(len(data))
	out := make([]byte, 4+bound)
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	n, err := lz4.CompressBlock(data, out[4:], nil)
	// CompressBlock returns 0 when the data cannot be made smaller.
	if err != nil || n == 0 || n+4 >= len(data) {
		return nil, false
	}
	return out[:4+n], true
}

// decompressChunk reverses compressChunk. The payload must start with
// the i32 uncompressed size followed by the LZ4 block.
func decompressChunk(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, errors.Wrap(asset.ErrCorrupted, "compressed chunk too short")
	}
	size := int32(binary.LittleEndian.Uint32(payload))
	if size < 0 {
		return nil, errors.Wrap(asset.ErrCorrupted, "negative chunk size")
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(payload[4:], out)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	if n != int(size) {
		return nil, errors.Wrapf(asset.ErrCorrupted,
			"lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return out, nil
}
