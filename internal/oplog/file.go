package oplog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// fileEntry is the on-disk framing of one log entry: one JSON object
// per line. Tombstone lines have a nil Record and only carry
// invalidations.
type fileEntry struct {
	Id          EntryId   `json:"id"`
	Invalidates []EntryId `json:"invalidates,omitempty"`
	Record      *Record   `json:"record,omitempty"`
}

// FileLog implements Log as an append-only JSON-lines file. Each
// Append writes one line and fsyncs before returning, so a record
// acknowledged to the caller survives a coordinator crash.
//
// Invalidation is recorded forward: a line lists the ids it
// invalidates, and Replay filters invalidated records out. The file
// therefore only ever grows; compaction is a matter of copying the
// live records to a new file, which the coordinator does not need
// during normal operation.
type FileLog struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	nextId EntryId
	closed bool

	// Replayed view of the file, maintained as entries are written so
	// Replay doesn't have to re-read the file.
	entries []fileEntry
	invalid map[EntryId]bool
}

// OpenFileLog opens (or creates) the log file at path and reads any
// existing entries so that appends continue the id sequence.
//
// A torn trailing line (a crash between write and newline) belongs to
// a record that was never acknowledged to the caller; it is dropped
// and the file truncated to the last complete line. A complete line
// that fails to parse is real corruption and refuses to open.
func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}

	l := &FileLog{
		f:       f,
		nextId:  1,
		invalid: make(map[EntryId]bool),
	}

	reader := bufio.NewReader(f)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			break // a non-empty remainder here is a torn write
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("read operation log: %w", err)
		}
		var e fileEntry
		if err := json.Unmarshal(line, &e); err != nil {
			f.Close()
			return nil, fmt.Errorf("corrupt operation log entry after id %d: %w", l.nextId-1, err)
		}
		l.entries = append(l.entries, e)
		for _, id := range e.Invalidates {
			l.invalid[id] = true
		}
		if e.Id >= l.nextId {
			l.nextId = e.Id + 1
		}
		offset += int64(len(line))
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate torn operation log tail: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek operation log: %w", err)
	}

	l.w = bufio.NewWriter(f)
	return l, nil
}

// Append writes rec and its invalidations as one line and fsyncs.
func (l *FileLog) Append(rec *Record, invalidates []EntryId) (EntryId, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return NoId, ErrClosed
	}

	stored := *rec
	e := fileEntry{
		Id:          l.nextId,
		Invalidates: liveOnly(invalidates, l.invalid),
		Record:      &stored,
	}
	if err := l.writeLocked(&e); err != nil {
		return NoId, err
	}
	return e.Id, nil
}

// Invalidate writes a tombstone line naming the given entries.
func (l *FileLog) Invalidate(ids []EntryId) (EntryId, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return NoId, ErrClosed
	}

	live := liveOnly(ids, l.invalid)
	if len(live) == 0 {
		return NoId, nil
	}
	e := fileEntry{Id: l.nextId, Invalidates: live}
	if err := l.writeLocked(&e); err != nil {
		return NoId, err
	}
	return e.Id, nil
}

func (l *FileLog) writeLocked(e *fileEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append operation log: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush operation log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync operation log: %w", err)
	}

	l.nextId = e.Id + 1
	l.entries = append(l.entries, *e)
	for _, id := range e.Invalidates {
		l.invalid[id] = true
	}
	return nil
}

// Replay yields the live records in append order.
func (l *FileLog) Replay(fn func(id EntryId, rec *Record) error) error {
	l.mu.Lock()
	snapshot := make([]fileEntry, len(l.entries))
	copy(snapshot, l.entries)
	invalid := make(map[EntryId]bool, len(l.invalid))
	for id := range l.invalid {
		invalid[id] = true
	}
	l.mu.Unlock()

	for _, e := range snapshot {
		if e.Record == nil || invalid[e.Id] {
			continue
		}
		rec := *e.Record
		if err := fn(e.Id, &rec); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the underlying file. Further operations
// return ErrClosed.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// liveOnly drops NoId and already-invalid ids from the slice.
func liveOnly(ids []EntryId, invalid map[EntryId]bool) []EntryId {
	var out []EntryId
	for _, id := range ids {
		if id != NoId && !invalid[id] {
			out = append(out, id)
		}
	}
	return out
}
