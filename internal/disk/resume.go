package disk

import (
	"bytes"
	"io"
	"os"

	"github.com/anacrolix/torrent/bencode"
	"github.com/klauspost/compress/gzip"
)

// ResumeEntry is the save_resume_data/check_fastresume payload. No
// on-disk piece index format is defined here; this is metadata about
// completion state, not piece storage.
type ResumeEntry struct {
	InfoHash     string         `bencode:"info-hash"`
	NumPieces    int            `bencode:"num-pieces"`
	PieceBitmap  []byte         `bencode:"pieces"` // one byte per piece, 1 = verified
	FilePriority []int          `bencode:"file-priority,omitempty"`
	SavePath     string         `bencode:"save-path"`
	AddedTime    int64          `bencode:"added-time"`
}

// WriteResumeFile bencode-encodes entry and gzips it to path.
func WriteResumeFile(path string, entry ResumeEntry) error {
	raw, err := bencode.Marshal(entry)
	if err != nil {
		return NewError("save_resume_data", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return NewError("save_resume_data", path, err)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(raw); err != nil {
		return NewError("save_resume_data", path, err)
	}
	if err := gw.Close(); err != nil {
		return NewError("save_resume_data", path, err)
	}
	return nil
}

// ReadResumeFile reads back a resume entry written by WriteResumeFile.
func ReadResumeFile(path string) (ResumeEntry, error) {
	var entry ResumeEntry

	f, err := os.Open(path)
	if err != nil {
		return entry, NewError("check_fastresume", path, err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return entry, NewError("check_fastresume", path, err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(gr)
	if err != nil {
		return entry, NewError("check_fastresume", path, err)
	}

	if err := bencode.Unmarshal(raw, &entry); err != nil {
		return entry, NewError("check_fastresume", path, err)
	}
	return entry, nil
}

// CheckResumeFile verifies that the on-disk resume entry for path is
// compatible with the expected entry (same info-hash and piece count).
func CheckResumeFile(path string, expected ResumeEntry) error {
	existing, err := ReadResumeFile(path)
	if err != nil {
		return err
	}
	if existing.InfoHash != expected.InfoHash {
		return NewError("check_fastresume", path, ErrPartial)
	}
	if existing.NumPieces != expected.NumPieces {
		return NewError("check_fastresume", path, ErrPartial)
	}
	if !bytes.Equal(existing.PieceBitmap, expected.PieceBitmap) {
		// Caller decides whether a bitmap mismatch is fatal; we surface
		// it as a distinguishable error rather than silently accepting.
		return NewError("check_fastresume", path, ErrPartial)
	}
	return nil
}
