package provision

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/goccy/go-json"
)

// stamp records which source a cached model was extracted from.
type stamp struct {
	Source  string `json:"source"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time_unix_nano"`
	SHA256  string `json:"sha256"`
}

func stampPath(dst string) string {
	return dst + ".source.json"
}

func statStamp(src string, fi os.FileInfo) stamp {
	return stamp{Source: src, Size: fi.Size(), ModTime: fi.ModTime().UnixNano()}
}

// sameSource reports whether s and o describe the same source file contents.
func (s stamp) sameSource(o stamp) bool {
	return s.Source == o.Source && s.Size == o.Size && s.ModTime == o.ModTime
}

func readStamp(path string) (stamp, error) {
	var st stamp
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

func writeStamp(path string, st stamp) error {
	return writeAtomic(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(st)
	})
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
