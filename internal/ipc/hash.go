package ipc

import (
	"encoding/binary"
	"sort"

	"github.com/minio/highwayhash"
)

// methodHashKey is a fixed key: we're not authenticating anything with
// this hash (the Non-goals exclude cryptographic framing), just
// fingerprinting a method table so a proxy can notice it is talking to a
// server that renumbered its methods after a restart.
var methodHashKey = [32]byte{}

// hashMethodTable fingerprints a BindServiceReply's method table the
// same way a build fingerprints an executable: feed highwayhash a
// canonical byte stream and keep the sum. Sorting by name first makes
// the hash independent of wire order.
func hashMethodTable(methods map[string]uint32) uint64 {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)

	h, err := highwayhash.New64(methodHashKey[:])
	if err != nil {
		// highwayhash.New64 only fails on a wrong-length key, which
		// methodHashKey can never be.
		panic(err)
	}
	var idBuf [4]byte
	for _, name := range names {
		_, _ = h.Write([]byte(name))
		binary.LittleEndian.PutUint32(idBuf[:], methods[name])
		_, _ = h.Write(idBuf[:])
	}
	return h.Sum64()
}
