package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// IndexFileName is the name of the per-stream index file within a
// stream directory.
const IndexFileName = "data.idx"

// indexEntrySize is the fixed width of one index record: an 8-byte
// big-endian cumulative offset followed by an 8-byte big-endian
// record length.
const indexEntrySize = 16

// IndexEntry maps a stream offset to the data-log region holding the
// record that ends at that offset.
type IndexEntry struct {
	Offset Offset // offset immediately after this record
	Length uint64 // byte length of the record's framed data on disk
}

// IndexWriter appends fixed-width index entries to a stream's index
// file. Append does not fsync; callers call Sync once the entries of an
// append have been written.
type IndexWriter struct {
	file *os.File
}

// NewIndexWriter opens (or creates) an index file for appending.
func NewIndexWriter(path string) (*IndexWriter, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &IndexWriter{file: file}, nil
}

// Append writes one index entry.
func (w *IndexWriter) Append(e IndexEntry) error {
	var buf [indexEntrySize]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Offset))
	binary.BigEndian.PutUint64(buf[8:16], e.Length)
	_, err := w.file.Write(buf[:])
	return err
}

// Sync fsyncs the index file.
func (w *IndexWriter) Sync() error {
	return w.file.Sync()
}

// Close closes the index file.
func (w *IndexWriter) Close() error {
	return w.file.Close()
}

// Truncate truncates the index file to hold exactly n entries.
func (w *IndexWriter) Truncate(n int) error {
	size := int64(n) * indexEntrySize
	if err := w.file.Truncate(size); err != nil {
		return err
	}
	_, err := w.file.Seek(size, io.SeekStart)
	return err
}

// ReadIndex loads every entry from an index file. A trailing partial
// entry (fewer than indexEntrySize bytes) is silently dropped, since
// it indicates a crash mid-fsync and the corresponding data-log bytes
// are not trustworthy either.
func ReadIndex(path string) ([]IndexEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var entries []IndexEntry
	var buf [indexEntrySize]byte
	for {
		n, err := io.ReadFull(r, buf[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || n != indexEntrySize {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("read index: %w", err)
		}
		entries = append(entries, IndexEntry{
			Offset: Offset(binary.BigEndian.Uint64(buf[0:8])),
			Length: binary.BigEndian.Uint64(buf[8:16]),
		})
	}
	return entries, nil
}

// Position returns the data-log byte position of the record that
// precedes entries[i] (i.e. where entries[i]'s record begins).
func Position(entries []IndexEntry, i int) int64 {
	var pos int64
	for j := 0; j < i; j++ {
		pos += int64(entries[j].Length)
	}
	return pos
}
