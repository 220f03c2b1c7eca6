package readmodel

import (
	"encoding/binary"
	"hash/fnv"
)

// recordDigest hashes one record. Namespace checksums XOR the digests so the
// result is independent of iteration order.
func recordDigest(id string, lastSeq uint64, data []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], lastSeq)
	h.Write(seq[:])
	h.Write(data)
	return h.Sum64()
}
