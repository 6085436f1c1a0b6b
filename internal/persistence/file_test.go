package persistence_test

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/leonetem/leonetem/internal/persistence"
)

// A struct that can be marshalled to JSON.
type MarshallableStruct struct {
	Test string
}

func TestWriteDataFile(t *testing.T) {
	dir := t.TempDir()
	df, err := persistence.WriteDataFile(dir, "run", "sat0", "fake-uuid", MarshallableStruct{Test: "foo"})
	if err != nil {
		t.Fatalf("cannot create test datafile: %v", err)
	}

	if df.Prefix != dir || df.Datatype != "run" ||
		df.Subtest != "sat0" || df.UUID != "fake-uuid" {
		t.Fatalf("invalid field values in DataFile: %+v", df)
	}

	// Check the generated path.
	prefix := path.Join(dir, "run", time.Now().UTC().Format("2006/01/02"), "run-sat0-")
	if !strings.HasPrefix(df.Path, prefix) ||
		!strings.HasSuffix(df.Path, "fake-uuid.json") {
		t.Errorf("invalid output path: %s", df.Path)
	}
	content, err := os.ReadFile(df.Path)
	if err != nil {
		t.Fatalf("error while reading file content: %v", err)
	}
	if string(content) != `{"Test":"foo"}` {
		t.Errorf("unexpected file content: %s", string(content))
	}
	if df.Size != len(content) {
		t.Errorf("invalid Size: %d (should be %d)", df.Size, len(content))
	}
}

func TestWriteDataFile_Unmarshallable(t *testing.T) {
	_, err := persistence.WriteDataFile(t.TempDir(), "run", "x", "id", make(chan int))
	if err == nil {
		t.Errorf("WriteDataFile() with a channel should fail")
	}
}

func TestStream(t *testing.T) {
	s, err := persistence.NewStream(t.TempDir(), "qos", "follow", "fake-uuid")
	if err != nil {
		t.Fatalf("NewStream() error = %v", err)
	}
	if !strings.HasSuffix(s.Path, "fake-uuid.ndjson.gz") {
		t.Errorf("invalid output path: %s", s.Path)
	}
	for i := 0; i < 3; i++ {
		if err := s.Write(MarshallableStruct{Test: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	fp, err := os.Open(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer fp.Close()
	gz, err := gzip.NewReader(fp)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	var lines []string
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	want := []string{`{"Test":"0"}`, `{"Test":"1"}`, `{"Test":"2"}`}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("stream lines = %q, want %q", lines, want)
	}
}
