package device

import "encoding/binary"

// BytesToNum decodes a little-endian value of 1 to 8 bytes.
func BytesToNum(bytes []byte) uint64 {
	res := uint64(0)

	for i := len(bytes) - 1; i >= 0; i-- {
		res = res<<8 | uint64(bytes[i])
	}

	return res
}

// NumToBytes encodes a fixed size unsigned integer in little-endian order.
// Other types yield an empty slice.
func NumToBytes(x interface{}) []byte {
	switch v := x.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v)
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, v)
	}

	return []byte{}
}
