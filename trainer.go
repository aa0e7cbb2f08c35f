// Copyright (c) 2014 AKUALAB INC., All rights reserved.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package emkit

import (
	"io"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar"

	"github.com/akualab/emkit/model"
)

// Trainer runs the accumulate, merge, commit cycle on a fitter. Every
// epoch reads the source from the start, folds the per-batch statistics
// into a single record and commits it once. With more than one worker
// batches are processed concurrently; the committed parameters do not
// depend on the worker count beyond floating point rounding.
type Trainer struct {
	fitter   model.Fitter
	epochs   int
	workers  int
	progress bool
}

// NewTrainer creates a trainer for the given fitter. Use the options to
// set the number of epochs and workers.
func NewTrainer(fitter model.Fitter, options ...func(*Trainer)) *Trainer {

	if fitter == nil {
		glog.Fatalf("cannot create a trainer without a fitter")
	}
	t := &Trainer{
		fitter:  fitter,
		epochs:  1,
		workers: 1,
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// Train fits the model to the data in src. The source is rewound at the
// start of every epoch.
func (t *Trainer) Train(src model.Source) error {

	var bar *progressbar.ProgressBar
	if t.progress {
		bar = progressbar.New(t.epochs)
	}
	for ep := 0; ep < t.epochs; ep++ {
		if err := src.Reset(); err != nil {
			return errors.Wrap(err, "training needs a replayable source")
		}
		acc, err := t.epoch(src)
		if err != nil {
			return err
		}
		if acc == nil {
			return errors.New("source produced no data")
		}
		if err := t.fitter.Apply(acc); err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		glog.V(1).Infof("trained epoch %d of %d", ep+1, t.epochs)
	}
	return nil
}

func (t *Trainer) epoch(src model.Source) (model.Stats, error) {

	if t.workers < 2 {
		var acc model.Stats
		for {
			x, err := src.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			if len(x) == 0 {
				continue
			}
			local, e := t.fitter.EStep(x)
			if e != nil {
				return nil, e
			}
			if acc, e = t.fitter.Update(acc, local); e != nil {
				return nil, e
			}
		}
		return acc, nil
	}
	return t.epochParallel(src)
}

// epochParallel fans batches out to the workers. Each worker folds its
// own accumulator; the per-worker records are merged at the end.
func (t *Trainer) epochParallel(src model.Source) (model.Stats, error) {

	var wg sync.WaitGroup
	ch := make(chan [][]float64, t.workers)
	locals := make([]model.Stats, t.workers)
	workerErrs := make([]error, t.workers)

	for w := 0; w < t.workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for x := range ch {
				if workerErrs[w] != nil {
					continue // keep draining so the feeder never blocks
				}
				local, err := t.fitter.EStep(x)
				if err != nil {
					workerErrs[w] = err
					continue
				}
				acc, err := t.fitter.Update(locals[w], local)
				if err != nil {
					workerErrs[w] = err
					continue
				}
				locals[w] = acc
			}
		}(w)
	}

	var feedErr error
	for {
		x, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			feedErr = err
			break
		}
		if len(x) == 0 {
			continue
		}
		ch <- x
	}
	close(ch)
	wg.Wait()

	if feedErr != nil {
		return nil, feedErr
	}
	for _, err := range workerErrs {
		if err != nil {
			return nil, err
		}
	}
	var acc model.Stats
	var err error
	for _, local := range locals {
		if acc, err = t.fitter.Update(acc, local); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// Epochs sets the number of training epochs. Default is 1.
func Epochs(n int) func(*Trainer) {
	return func(t *Trainer) { t.epochs = n }
}

// Workers sets the number of concurrent workers. Default is 1.
func Workers(n int) func(*Trainer) {
	return func(t *Trainer) { t.workers = n }
}

// Progress draws a progress bar on standard output while training.
func Progress() func(*Trainer) {
	return func(t *Trainer) { t.progress = true }
}
