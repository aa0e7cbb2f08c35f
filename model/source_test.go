package model

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func nextOrFatal(t *testing.T, src Source) [][]float64 {
	b, e := src.Next()
	if e != nil {
		t.Fatal(e)
	}
	return b
}

func TestSliceSource(t *testing.T) {

	data := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}, {6}}
	src := NewSliceSource(data, 3)

	sizes := []int{}
	total := 0
	for {
		b, e := src.Next()
		if e == io.EOF {
			break
		}
		if e != nil {
			t.Fatal(e)
		}
		sizes = append(sizes, len(b))
		total += len(b)
	}
	if total != len(data) {
		t.Fatalf("expected %d observations, got %d", len(data), total)
	}
	expected := []int{3, 3, 1}
	for i, n := range expected {
		if sizes[i] != n {
			t.Errorf("Wrong batch size. Expected: [%d], Got: [%d]", n, sizes[i])
		}
	}

	// Replay after reset.
	if e := src.Reset(); e != nil {
		t.Fatal(e)
	}
	b := nextOrFatal(t, src)
	if b[0][0] != 0 {
		t.Fatalf("reset did not rewind, got %f", b[0][0])
	}
}

func TestSliceSourceWholeDataset(t *testing.T) {

	data := [][]float64{{0}, {1}, {2}}
	src := NewSliceSource(data, 0)
	b := nextOrFatal(t, src)
	if len(b) != len(data) {
		t.Fatalf("expected whole data set in one batch, got %d", len(b))
	}
	if _, e := src.Next(); e != io.EOF {
		t.Fatalf("expected io.EOF, got %v", e)
	}
}

func TestSeqReader(t *testing.T) {

	var buf bytes.Buffer
	seqs := [][]int{{0, 1, 1, 0}, {1, 1, 0, 0}, {0, 0}}
	if e := WriteSeqs(&buf, seqs); e != nil {
		t.Fatal(e)
	}

	// A stream has no whole-dataset fallback.
	if _, e := NewSeqReader(strings.NewReader(buf.String()), 0); e == nil {
		t.Fatalf("expected configuration error for missing batch size")
	}

	src, e := NewSeqReader(strings.NewReader(buf.String()), 2)
	if e != nil {
		t.Fatal(e)
	}
	b1, e1 := src.Next()
	if e1 != nil {
		t.Fatal(e1)
	}
	if len(b1) != 2 {
		t.Fatalf("expected 2 sequences in first batch, got %d", len(b1))
	}
	b2, e2 := src.Next()
	if e2 != nil {
		t.Fatal(e2)
	}
	if len(b2) != 1 || len(b2[0]) != 2 {
		t.Fatalf("wrong final batch: %+v", b2)
	}
	if _, e := src.Next(); e != io.EOF {
		t.Fatalf("expected io.EOF, got %v", e)
	}

	// strings.Reader supports seeking, so the stream is replayable.
	if e := src.Reset(); e != nil {
		t.Fatal(e)
	}
	b1, e1 = src.Next()
	if e1 != nil {
		t.Fatal(e1)
	}
	for i, v := range seqs[0] {
		if b1[0][i] != v {
			t.Fatalf("replayed sequence mismatch: %+v", b1[0])
		}
	}
}

func TestSeqReaderBadData(t *testing.T) {

	in := `{"states": [0, 1.5, 1]}`
	src, e := NewSeqReader(strings.NewReader(in), 1)
	if e != nil {
		t.Fatal(e)
	}
	if _, e := src.Next(); e == nil {
		t.Fatalf("expected error for non-integer state index")
	}
}

func TestObsReader(t *testing.T) {

	var buf bytes.Buffer
	data := [][]float64{{0.1, 0.2}, {1.1, 1.2}, {2.1, 2.2}, {3.1, 3.2}, {4.1, 4.2}}
	if e := WriteObs(&buf, data); e != nil {
		t.Fatal(e)
	}

	if _, e := NewObsReader(strings.NewReader(buf.String()), 0); e == nil {
		t.Fatalf("expected configuration error for missing batch size")
	}

	src, e := NewObsReader(strings.NewReader(buf.String()), 2)
	if e != nil {
		t.Fatal(e)
	}
	total := 0
	for {
		b, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		total += len(b)
	}
	if total != len(data) {
		t.Fatalf("expected %d observations, got %d", len(data), total)
	}

	if e := src.Reset(); e != nil {
		t.Fatal(e)
	}
	b, err := src.Next()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range data[0] {
		if b[0][i] != v {
			t.Fatalf("replayed observation mismatch: %+v", b[0])
		}
	}
}

func TestObsReaderNotReplayable(t *testing.T) {

	var buf bytes.Buffer
	if e := WriteObs(&buf, [][]float64{{1}}); e != nil {
		t.Fatal(e)
	}

	// bytes.Buffer has no Seek method.
	src, e := NewObsReader(&buf, 1)
	if e != nil {
		t.Fatal(e)
	}
	if _, e := src.Next(); e != nil {
		t.Fatal(e)
	}
	if e := src.Reset(); e == nil {
		t.Fatalf("expected error resetting a non-seekable stream")
	}
}

func TestObsReaderBadData(t *testing.T) {

	in := `{"values": ["a", "b"]}`
	src, e := NewObsReader(strings.NewReader(in), 1)
	if e != nil {
		t.Fatal(e)
	}
	if _, e := src.Next(); e == nil {
		t.Fatalf("expected error for non-numeric values")
	}
}
