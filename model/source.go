// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package model

import (
	"encoding/json"
	"io"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// A Source supplies successive mini-batches of observation vectors.
// Next returns io.EOF after the last batch. Reset rewinds the source so
// the batches can be replayed; sources that cannot rewind return an
// error.
type Source interface {
	Next() ([][]float64, error)
	Reset() error
}

// A SeqSource supplies mini-batches of variable-length state sequences.
type SeqSource interface {
	Next() ([][]int, error)
	Reset() error
}

// SliceSource is a Source backed by an in-memory data set.
// Not safe to use with multiple goroutines.
type SliceSource struct {
	data      [][]float64
	batchSize int
	next      int
}

// NewSliceSource creates a Source that yields data in batches of
// batchSize observations. A batch size of zero yields the whole data set
// as a single batch.
func NewSliceSource(data [][]float64, batchSize int) *SliceSource {
	if batchSize <= 0 || batchSize > len(data) {
		batchSize = len(data)
	}
	return &SliceSource{data: data, batchSize: batchSize}
}

// Len returns the number of observations in the data set.
func (s *SliceSource) Len() int { return len(s.data) }

// Next returns the next batch.
func (s *SliceSource) Next() ([][]float64, error) {
	if s.next >= len(s.data) {
		return nil, io.EOF
	}
	end := s.next + s.batchSize
	if end > len(s.data) {
		end = len(s.data)
	}
	b := s.data[s.next:end]
	s.next = end
	return b, nil
}

// Reset rewinds to the first batch.
func (s *SliceSource) Reset() error {
	s.next = 0
	return nil
}

// SeqSliceSource is a SeqSource backed by in-memory sequences.
// Not safe to use with multiple goroutines.
type SeqSliceSource struct {
	seqs      [][]int
	batchSize int
	next      int
}

// NewSeqSliceSource creates a SeqSource that yields the sequences in
// batches of batchSize. A batch size of zero yields all sequences as a
// single batch.
func NewSeqSliceSource(seqs [][]int, batchSize int) *SeqSliceSource {
	if batchSize <= 0 || batchSize > len(seqs) {
		batchSize = len(seqs)
	}
	return &SeqSliceSource{seqs: seqs, batchSize: batchSize}
}

// Len returns the number of sequences in the data set.
func (s *SeqSliceSource) Len() int { return len(s.seqs) }

// Next returns the next batch of sequences.
func (s *SeqSliceSource) Next() ([][]int, error) {
	if s.next >= len(s.seqs) {
		return nil, io.EOF
	}
	end := s.next + s.batchSize
	if end > len(s.seqs) {
		end = len(s.seqs)
	}
	b := s.seqs[s.next:end]
	s.next = end
	return b, nil
}

// Reset rewinds to the first batch.
func (s *SeqSliceSource) Reset() error {
	s.next = 0
	return nil
}

// Seq is a data format to represent a sequence of states.
// We use it to read json data.
type Seq struct {
	States []int  `json:"states"`
	ID     string `json:"id,omitempty"`
}

// SeqReader reads state sequences from a stream of JSON objects, one Seq
// value per line, and yields them in batches.
//
// Example to create a SeqReader from a file (error handling ignored for
// brevity):
//
//	r, _ := os.Open(fn)             // Open file.
//	src, _ := NewSeqReader(r, 32)   // Read batches of 32 sequences.
//	for {
//	        batch, e := src.Next()  // Next batch. (See model.SeqSource.)
//	        if e == io.EOF {
//	                break
//	        }
//	        ...
//	}
type SeqReader struct {
	reader    io.Reader
	dec       *json.Decoder
	batchSize int
}

// NewSeqReader creates a SeqReader. A stream has no length-known
// fallback, so the batch size must be set; requesting the whole data set
// as one batch is a configuration error.
func NewSeqReader(reader io.Reader, batchSize int) (*SeqReader, error) {
	if batchSize <= 0 {
		return nil, errors.New("batch size must be set for streaming sources")
	}
	return &SeqReader{
		reader:    reader,
		dec:       json.NewDecoder(reader),
		batchSize: batchSize,
	}, nil
}

// Next returns the next batch of sequences. A malformed record, which
// includes non-integer state values, fails the whole batch.
func (sr *SeqReader) Next() ([][]int, error) {

	batch := make([][]int, 0, sr.batchSize)
	for len(batch) < sr.batchSize {
		var v Seq
		err := sr.dec.Decode(&v)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode state sequence")
		}
		batch = append(batch, v.States)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Reset rewinds the stream when the underlying reader is an io.Seeker.
func (sr *SeqReader) Reset() error {

	s, ok := sr.reader.(io.Seeker)
	if !ok {
		return errors.New("source is not replayable")
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return err
	}
	sr.dec = json.NewDecoder(sr.reader)
	return nil
}

// Close underlying reader if reader implements the io.Closer interface.
func (sr *SeqReader) Close() error {

	c, ok := sr.reader.(io.Closer)
	if ok {
		e := c.Close()
		if e != nil {
			return e
		}
	}
	return nil
}

// WriteSeqs writes sequences to w in the SeqReader format. Used to
// prepare data sets for training tools.
func WriteSeqs(w io.Writer, seqs [][]int) error {

	enc := json.NewEncoder(w)
	for i, s := range seqs {
		if err := enc.Encode(Seq{States: s}); err != nil {
			return errors.Wrapf(err, "failed to encode sequence %d", i)
		}
	}
	glog.V(2).Infof("wrote %d sequences", len(seqs))
	return nil
}

// Obs is a data format to represent one observation vector.
// We use it to read json data.
type Obs struct {
	Values []float64 `json:"values"`
	ID     string    `json:"id,omitempty"`
}

// ObsReader reads observation vectors from a stream of JSON objects, one
// Obs value per line, and yields them in batches. See SeqReader for the
// usage pattern.
type ObsReader struct {
	reader    io.Reader
	dec       *json.Decoder
	batchSize int
}

// NewObsReader creates an ObsReader. As with NewSeqReader the batch size
// must be set.
func NewObsReader(reader io.Reader, batchSize int) (*ObsReader, error) {
	if batchSize <= 0 {
		return nil, errors.New("batch size must be set for streaming sources")
	}
	return &ObsReader{
		reader:    reader,
		dec:       json.NewDecoder(reader),
		batchSize: batchSize,
	}, nil
}

// Next returns the next batch of observations.
func (or *ObsReader) Next() ([][]float64, error) {

	batch := make([][]float64, 0, or.batchSize)
	for len(batch) < or.batchSize {
		var v Obs
		err := or.dec.Decode(&v)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode observation")
		}
		batch = append(batch, v.Values)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Reset rewinds the stream when the underlying reader is an io.Seeker.
func (or *ObsReader) Reset() error {

	s, ok := or.reader.(io.Seeker)
	if !ok {
		return errors.New("source is not replayable")
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return err
	}
	or.dec = json.NewDecoder(or.reader)
	return nil
}

// Close underlying reader if reader implements the io.Closer interface.
func (or *ObsReader) Close() error {

	c, ok := or.reader.(io.Closer)
	if ok {
		return c.Close()
	}
	return nil
}

// WriteObs writes observation vectors to w in the ObsReader format.
func WriteObs(w io.Writer, data [][]float64) error {

	enc := json.NewEncoder(w)
	for i, v := range data {
		if err := enc.Encode(Obs{Values: v}); err != nil {
			return errors.Wrapf(err, "failed to encode observation %d", i)
		}
	}
	glog.V(2).Infof("wrote %d observations", len(data))
	return nil
}
