package reconciler

import (
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// datasetHashSize matches blake2b-256, chosen for speed over bcrypt-style
// cost (the teacher reaches for the same x/crypto module, but for a
// throwaway drift fingerprint, not a deliberately slow password hash).
const datasetHashSize = 32

// computeDatasetHash fingerprints a dataset's resolved path list and
// version, so the reconciler can detect schema/partition drift between
// refreshes without re-reading the dataset's full metadata.
func computeDatasetHash(fullPathList []string, version int64) (string, error) {
	h, err := blake2b.New(datasetHashSize, nil)
	if err != nil {
		return "", err
	}

	h.Write([]byte(strings.Join(fullPathList, "/")))
	h.Write([]byte(strconv.FormatInt(version, 10)))

	return hex.EncodeToString(h.Sum(nil)), nil
}
