package source

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/supporttools/log-sentinel/pkg/types"
)

// headSize is how many leading bytes identify a file incarnation.
const headSize = 256

func readHead(f logFile) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	head := make([]byte, headSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return head[:n], nil
}

func hashHead(head []byte) string {
	sum := sha256.Sum256(head)
	return hex.EncodeToString(sum[:])
}

func newFingerprint(info os.FileInfo, head []byte) types.Fingerprint {
	return types.Fingerprint{
		Size:     info.Size(),
		ModTime:  info.ModTime().UTC(),
		HeadHash: hashHead(head),
		HeadLen:  len(head),
	}
}

// hasRotated reports whether the file behind a checkpoint was replaced or
// truncated. The head hash is compared over the length recorded in the
// checkpoint, so a short file that keeps growing keeps its identity.
func hasRotated(prev *types.Checkpoint, current types.Fingerprint, head []byte) bool {
	if current.Size < prev.Offset {
		return true
	}
	fp := prev.Fingerprint
	if fp.IsZero() {
		return false
	}
	if !fp.ModTime.IsZero() && current.ModTime.Before(fp.ModTime) {
		return true
	}
	if len(head) < fp.HeadLen {
		return true
	}
	return hashHead(head[:fp.HeadLen]) != fp.HeadHash
}
