package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const blobSuffix = ".replay.zst"

// Store keeps recordings as zstd-compressed JSON blobs, one file per race.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create replay dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes the recording under a fresh id and returns it. The write goes
// through a temp file and rename so readers never see a partial blob.
func (s *Store) Save(rec *Recording) (string, error) {
	id := uuid.NewString()
	if err := s.SaveAs(id, rec); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) SaveAs(id string, rec *Recording) error {
	if !validBlobID(id) {
		return fmt.Errorf("invalid replay id %q", id)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal recording: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	blob := enc.EncodeAll(raw, nil)
	enc.Close()

	final := filepath.Join(s.dir, id+blobSuffix)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write replay blob: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish replay blob: %w", err)
	}
	return nil
}

// Load reads one recording. A missing id returns (nil, nil) so callers can
// distinguish absence from corruption.
func (s *Store) Load(id string) (*Recording, error) {
	if !validBlobID(id) {
		return nil, fmt.Errorf("invalid replay id %q", id)
	}
	blob, err := os.ReadFile(filepath.Join(s.dir, id+blobSuffix))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read replay blob: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress replay %s: %w", id, err)
	}
	var rec Recording
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode replay %s: %w", id, err)
	}
	return &rec, nil
}

// Latest returns the id of the most recently written recording, or "" when
// the store is empty.
func (s *Store) Latest() (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("scan replay dir: %w", err)
	}
	type blob struct {
		id  string
		mod int64
	}
	var blobs []blob
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		blobs = append(blobs, blob{
			id:  strings.TrimSuffix(name, blobSuffix),
			mod: info.ModTime().UnixNano(),
		})
	}
	if len(blobs) == 0 {
		return "", nil
	}
	sort.Slice(blobs, func(i, j int) bool {
		if blobs[i].mod != blobs[j].mod {
			return blobs[i].mod > blobs[j].mod
		}
		return blobs[i].id > blobs[j].id
	})
	return blobs[0].id, nil
}

// validBlobID keeps ids to uuid-safe characters so they cannot escape the
// store directory.
func validBlobID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}
