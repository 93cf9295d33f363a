package broker

import (
	"encoding/binary"
)

// Key layout. Every queue and topic shares one Pebble store.
//
//	q/{name}/meta                     lastSeq (8B)
//	q/{name}/msg/{seq}                record
//	q/{name}/ready/{^prio}{seq}       availability index, higher priority first
//	q/{name}/delay/{fireMs}{seq}      prio (4B)
//	q/{name}/lease/{seq}              expiresMs (8B) | consumer
//	q/{name}/lease_idx/{expMs}{seq}   lease expiry index
//	q/{name}/dlv/{seq}                deliveries (4B)
//	t/{name}/meta                     lastSeq (8B)
//	t/{name}/e/{seq}                  record
const (
	prefixQueue = "q/"
	prefixTopic = "t/"

	segMeta     = "meta"
	segMsg      = "msg/"
	segReady    = "ready/"
	segDelay    = "delay/"
	segLease    = "lease/"
	segLeaseIdx = "lease_idx/"
	segDlv      = "dlv/"
	segEntry    = "e/"
)

func queuePrefix(name string) string { return prefixQueue + name + "/" }
func topicPrefix(name string) string { return prefixTopic + name + "/" }

func appendU64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func queueMetaKey(name string) []byte { return []byte(queuePrefix(name) + segMeta) }

func msgKey(name string, seq uint64) []byte {
	return appendU64([]byte(queuePrefix(name)+segMsg), seq)
}

func readyPrefix(name string) []byte { return []byte(queuePrefix(name) + segReady) }

// readyKey inverts priority so that higher priorities sort first.
func readyKey(name string, priority uint32, seq uint64) []byte {
	return appendU64(appendU32(readyPrefix(name), ^priority), seq)
}

func delayPrefix(name string) []byte { return []byte(queuePrefix(name) + segDelay) }

func delayKey(name string, fireMs int64, seq uint64) []byte {
	return appendU64(appendU64(delayPrefix(name), uint64(fireMs)), seq)
}

func leasePrefix(name string) []byte { return []byte(queuePrefix(name) + segLease) }

func leaseKey(name string, seq uint64) []byte {
	return appendU64(leasePrefix(name), seq)
}

func leaseIdxPrefix(name string) []byte { return []byte(queuePrefix(name) + segLeaseIdx) }

func leaseIdxKey(name string, expiresMs int64, seq uint64) []byte {
	return appendU64(appendU64(leaseIdxPrefix(name), uint64(expiresMs)), seq)
}

func dlvKey(name string, seq uint64) []byte {
	return appendU64([]byte(queuePrefix(name)+segDlv), seq)
}

func topicMetaKey(name string) []byte { return []byte(topicPrefix(name) + segMeta) }

func entryPrefix(name string) []byte { return []byte(topicPrefix(name) + segEntry) }

func entryKey(name string, seq uint64) []byte {
	return appendU64(entryPrefix(name), seq)
}

// trailingSeq returns the sequence number stored in the last 8 bytes of an
// index key.
func trailingSeq(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// leadingU64 decodes the 8 bytes immediately after prefix.
func leadingU64(key []byte, prefixLen int) uint64 {
	if len(key) < prefixLen+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[prefixLen : prefixLen+8])
}
