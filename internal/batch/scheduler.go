// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Runs all jobs on a pool of the given number of workers, one job per
// dispatch. newRunner is called once per pool slot before any job starts;
// if it fails, no job runs. Calls done for every outcome in completion
// order, from the calling goroutine, and returns all outcomes in that order.
// Blocks until every job has finished.
func Run(jobs []Job, workers int, newRunner func(slot int) (Runner, error), c *Context, done func(Outcome)) ([]Outcome, error) {
	if workers < 1 {
		return nil, fmt.Errorf("pool size must be positive, got %d", workers)
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}
	runners := make([]Runner, 0, workers)
	closeAll := func() error {
		var errs []error
		for _, r := range runners {
			if err := r.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	for slot := 0; slot < workers; slot++ {
		r, err := newRunner(slot)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("starting worker %d: %w", slot, err)
		}
		runners = append(runners, r)
	}

	queue := make(chan Job)
	results := make(chan Outcome, workers)
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			for job := range queue {
				results <- r.Run(job)
			}
		}(r)
	}
	go func() {
		for _, job := range jobs {
			queue <- job
		}
		close(queue)
		wg.Wait()
		close(results)
	}()

	outs := make([]Outcome, 0, len(jobs))
	for out := range results {
		logOutcome(c.Logger, out)
		if done != nil {
			done(out)
		}
		outs = append(outs, out)
	}
	return outs, closeAll()
}

func logOutcome(logger *slog.Logger, out Outcome) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.Int("index", out.Job.Index),
		slog.String("source", out.Job.Source),
		slog.String("dest", out.Job.Dest),
		slog.String("status", out.Status.String()),
	}
	switch out.Status {
	case Written:
		logger.Info("job done", append(attrs, slog.Int("frames", out.Frames), slog.Int("pixels", out.Pixels),
			slog.Float64("seconds", out.Seconds))...)
	case SkippedMissingInput:
		logger.Warn("job skipped", append(attrs, slog.String("error", out.Error))...)
	default:
		logger.Error("job failed", append(attrs, slog.String("error", out.Error))...)
	}
}

// Counts outcomes per status
func Tally(outs []Outcome) map[Status]int {
	t := make(map[Status]int)
	for _, o := range outs {
		t[o.Status]++
	}
	return t
}
