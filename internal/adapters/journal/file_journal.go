package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

const (
	logName  = "overrides.log"
	metaName = "overrides.meta"

	// record: [8 id][4 len][4 crc32(body)][body]
	headerLen = 16
)

var ErrCorrupt = errors.New("journal: corrupt record")

// logFile is the subset of *os.File the journal writes through.
type logFile interface {
	io.ReaderAt
	io.Writer
	io.Seeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// FileJournal is an append-only override log with a separate commit marker.
// Every Append is synced before it returns so a rate override is never
// applied without a durable record of the rate it replaced.
type FileJournal struct {
	mu        sync.Mutex
	dir       string
	path      string
	metaPath  string
	file      logFile
	latest    ports.JournalEntryID
	committed ports.JournalEntryID
	sizeBytes int64
}

var _ ports.OverrideJournal = (*FileJournal)(nil)

func Open(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &FileJournal{
		dir:      dir,
		path:     filepath.Join(dir, logName),
		metaPath: filepath.Join(dir, metaName),
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	j.file = f
	if err := j.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return j, nil
}

// recover drops a torn tail left by a crash mid-append and restores ids.
func (j *FileJournal) recover() error {
	var (
		valid  int64
		lastID ports.JournalEntryID
	)
	r := bufio.NewReader(io.NewSectionReader(j.file, 0, 1<<62))
	for {
		id, body, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorrupt) {
				break
			}
			return fmt.Errorf("journal scan: %w", err)
		}
		valid += headerLen + int64(len(body))
		lastID = id
	}
	if err := j.file.Truncate(valid); err != nil {
		return err
	}
	if _, err := j.file.Seek(valid, io.SeekStart); err != nil {
		return err
	}
	j.sizeBytes = valid
	j.latest = lastID

	committed, err := readMeta(j.metaPath)
	if err != nil {
		return err
	}
	j.committed = committed
	if j.latest < j.committed {
		j.latest = j.committed
	}
	return nil
}

func (j *FileJournal) Append(rec domain.OverrideRecord) (ports.JournalEntryID, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	id := j.latest + 1
	buf := encodeRecord(id, body)
	if _, err := j.file.Write(buf); err != nil {
		return 0, j.rewind(err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, j.rewind(err)
	}
	j.latest = id
	j.sizeBytes += int64(len(buf))
	return id, nil
}

// rewind cuts a failed append back to the last synced record so the next
// one does not land after torn bytes.
func (j *FileJournal) rewind(cause error) error {
	if err := j.file.Truncate(j.sizeBytes); err != nil {
		return errors.Join(cause, fmt.Errorf("journal rewind: %w", err))
	}
	if _, err := j.file.Seek(j.sizeBytes, io.SeekStart); err != nil {
		return errors.Join(cause, fmt.Errorf("journal rewind: %w", err))
	}
	return cause
}

func (j *FileJournal) Iterate(from ports.JournalEntryID, fn func(id ports.JournalEntryID, rec domain.OverrideRecord) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	r := bufio.NewReader(io.NewSectionReader(j.file, 0, j.sizeBytes))
	for {
		id, body, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("journal iterate: %w", err)
		}
		if id < from {
			continue
		}
		var rec domain.OverrideRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return fmt.Errorf("journal entry %d: %w", id, err)
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
}

func (j *FileJournal) Commit(upto ports.JournalEntryID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if upto > j.latest {
		upto = j.latest
	}
	if upto <= j.committed {
		return nil
	}
	j.committed = upto
	return writeMeta(j.dir, j.metaPath, j.committed)
}

// TruncateCommitted rewrites the log keeping only uncommitted entries.
func (j *FileJournal) TruncateCommitted() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmp, err := os.CreateTemp(j.dir, logName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var kept int64
	r := bufio.NewReader(io.NewSectionReader(j.file, 0, j.sizeBytes))
	w := bufio.NewWriter(tmp)
	for {
		id, body, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			tmp.Close()
			return fmt.Errorf("journal compact: %w", err)
		}
		if id <= j.committed {
			continue
		}
		n, err := w.Write(encodeRecord(id, body))
		if err != nil {
			tmp.Close()
			return err
		}
		kept += int64(n)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), j.path); err != nil {
		return err
	}

	f, err := os.OpenFile(j.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Seek(kept, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	j.file.Close()
	j.file = f
	j.sizeBytes = kept
	return nil
}

func (j *FileJournal) Stats() ports.JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ports.JournalStats{
		OldestUncommitted: j.committed + 1,
		LatestAppended:    j.latest,
		SizeBytes:         j.sizeBytes,
	}
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func encodeRecord(id ports.JournalEntryID, body []byte) []byte {
	buf := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint64(buf[0:8], uint64(id))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(body))
	copy(buf[headerLen:], body)
	return buf
}

func readRecord(r io.Reader) (ports.JournalEntryID, []byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	id := ports.JournalEntryID(binary.BigEndian.Uint64(hdr[0:8]))
	body := make([]byte, binary.BigEndian.Uint32(hdr[8:12]))
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(hdr[12:16]) {
		return 0, nil, fmt.Errorf("%w: entry %d", ErrCorrupt, id)
	}
	return id, body, nil
}

func readMeta(path string) (ports.JournalEntryID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return 0, nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal meta: %w", err)
	}
	return ports.JournalEntryID(u), nil
}

// writeMeta replaces the commit marker via rename so a crash leaves either
// the old or the new value.
func writeMeta(dir, path string, committed ports.JournalEntryID) error {
	tmp, err := os.CreateTemp(dir, metaName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := fmt.Fprintf(tmp, "%d\n", committed); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
