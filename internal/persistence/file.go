// Package persistence writes run histories and analysis reports as JSON data
// files under datadir/<datatype>/YYYY/MM/DD/.
package persistence

import (
	"compress/gzip"
	"io"
	"os"
	"path"
	"time"

	"github.com/goccy/go-json"
)

// DataFile describes a JSON file written by WriteDataFile.
type DataFile struct {
	Prefix   string
	Datatype string
	Subtest  string
	UUID     string
	Path     string
	// Size is the number of bytes written.
	Size int
}

// filePath returns the output path for a new file and creates its
// directory.
func filePath(datadir, datatype, subtest, uuid, ext string) (string, error) {
	timestamp := time.Now().UTC()
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+uuid+ext), nil
}

// WriteDataFile writes the JSON representation of data to a new file. It
// never overwrites an existing file.
func WriteDataFile(datadir, datatype, subtest, uuid string, data any) (*DataFile, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	p, err := filePath(datadir, datatype, subtest, uuid, ".json")
	if err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	n, err := fp.Write(b)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		UUID:     uuid,
		Path:     p,
		Size:     n,
	}, nil
}

// Stream is a gzip'd newline-delimited JSON file, used for interim
// snapshots written while a capture is being followed.
type Stream struct {
	Path string

	writer io.WriteCloser
	enc    *json.Encoder
	fp     *os.File
}

// NewStream creates a new Stream under datadir.
func NewStream(datadir, datatype, subtest, uuid string) (*Stream, error) {
	p, err := filePath(datadir, datatype, subtest, uuid, ".ndjson.gz")
	if err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	return &Stream{
		Path:   p,
		writer: writer,
		enc:    json.NewEncoder(writer),
		fp:     fp,
	}, nil
}

// Write appends one JSON line to the stream.
func (s *Stream) Write(v any) error {
	return s.enc.Encode(v)
}

// Close closes the gzip writer and the file.
func (s *Stream) Close() error {
	err := s.writer.Close()
	if err != nil {
		s.fp.Close()
		return err
	}
	return s.fp.Close()
}
