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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mlnoga/sparsepix/internal/fits"
	"github.com/mlnoga/sparsepix/internal/segment"
	"github.com/mlnoga/sparsepix/internal/sparse"
	"github.com/valyala/fastrand"
)

const workerEnv = "SPARSEPIX_TEST_WORKER"

// Doubles as the worker child for ProcessRunner tests
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		if err := ServeWorker(os.Stdin, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestPartitionScenario(t *testing.T) {
	tests := []struct {
		jobID      int
		start, end int
	}{
		{0, 0, 64},
		{1, 64, 128},
		{2, 128, 192},
		{3, 192, 200},
		{4, 200, 200},
	}
	for _, tt := range tests {
		p := Partition{JobID: tt.jobID, Workers: 8, FilesPerWorker: 8}
		start, end := p.Range(200)
		if start != tt.start || end != tt.end {
			t.Errorf("job %d range=[%d,%d); want [%d,%d)", tt.jobID, start, end, tt.start, tt.end)
		}
	}
	if s := Slots(200, 8, 8); s != 4 {
		t.Errorf("slots=%d; want 4", s)
	}
}

func TestPartitionCoversAll(t *testing.T) {
	rng := fastrand.RNG{}
	for trial := 0; trial < 200; trial++ {
		total := int(rng.Uint32n(1000))
		workers := 1 + int(rng.Uint32n(16))
		perWorker := 1 + int(rng.Uint32n(16))
		slots := Slots(total, workers, perWorker)
		seen := make([]int, total)
		for j := 0; j < slots; j++ {
			start, end := Partition{JobID: j, Workers: workers, FilesPerWorker: perWorker}.Range(total)
			if start >= end {
				t.Fatalf("total %d w %d f %d: slot %d is empty", total, workers, perWorker, j)
			}
			for i := start; i < end; i++ {
				seen[i]++
			}
		}
		for i, n := range seen {
			if n != 1 {
				t.Fatalf("total %d w %d f %d: file %d covered %d times", total, workers, perWorker, i, n)
			}
		}
	}
}

func TestPartitionValidate(t *testing.T) {
	bad := []Partition{{-1, 8, 8}, {0, 0, 8}, {0, 8, 0}}
	for _, p := range bad {
		if p.Validate() == nil {
			t.Errorf("%+v validated", p)
		}
	}
	if err := (Partition{3, 1, 1}).Validate(); err != nil {
		t.Error(err)
	}
}

type fakeRunner struct {
	slot   int
	active *int32
	peak   *int32
	closed *int32
}

func (f *fakeRunner) Run(job Job) Outcome {
	n := atomic.AddInt32(f.active, 1)
	for {
		p := atomic.LoadInt32(f.peak)
		if n <= p || atomic.CompareAndSwapInt32(f.peak, p, n) {
			break
		}
	}
	// later jobs finish first
	time.Sleep(time.Duration(10-job.Index%10) * time.Millisecond)
	atomic.AddInt32(f.active, -1)
	st := Written
	if job.Index%3 == 0 {
		st = SkippedMissingInput
	}
	return Outcome{Job: job, Status: st}
}

func (f *fakeRunner) Close() error {
	atomic.AddInt32(f.closed, 1)
	return nil
}

func TestRunPool(t *testing.T) {
	jobs := make([]Job, 25)
	for i := range jobs {
		jobs[i] = Job{Index: i, Source: fmt.Sprintf("f%02d", i)}
	}
	var active, peak, closed, started int32
	newRunner := func(slot int) (Runner, error) {
		atomic.AddInt32(&started, 1)
		return &fakeRunner{slot: slot, active: &active, peak: &peak, closed: &closed}, nil
	}
	var calls []int
	c := &Context{Log: io.Discard}
	outs, err := Run(jobs, 4, newRunner, c, func(o Outcome) { calls = append(calls, o.Job.Index) })
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != len(jobs) || len(calls) != len(jobs) {
		t.Fatalf("%d outcomes %d callbacks; want %d", len(outs), len(calls), len(jobs))
	}
	for i := range outs {
		if outs[i].Job.Index != calls[i] {
			t.Errorf("outcome %d is job %d, callback saw %d", i, outs[i].Job.Index, calls[i])
		}
	}
	sort.Ints(calls)
	for i, idx := range calls {
		if idx != i {
			t.Fatalf("job %d missing or duplicated", i)
		}
	}
	if started != 4 || closed != 4 {
		t.Errorf("started %d closed %d runners; want 4", started, closed)
	}
	if peak > 4 {
		t.Errorf("%d concurrent jobs; want at most 4", peak)
	}
	tally := Tally(outs)
	if tally[SkippedMissingInput] != 9 || tally[Written] != 16 {
		t.Errorf("tally=%v", tally)
	}
}

func TestRunFewerJobsThanWorkers(t *testing.T) {
	var started int32
	newRunner := func(slot int) (Runner, error) {
		atomic.AddInt32(&started, 1)
		var a, p, c int32
		return &fakeRunner{slot: slot, active: &a, peak: &p, closed: &c}, nil
	}
	outs, err := Run([]Job{{Index: 1}, {Index: 2}}, 8, newRunner, &Context{}, nil)
	if err != nil || len(outs) != 2 || started != 2 {
		t.Errorf("outs %d started %d err %v; want 2 2 nil", len(outs), started, err)
	}
	outs, err = Run(nil, 8, newRunner, &Context{}, nil)
	if err != nil || len(outs) != 0 {
		t.Errorf("empty run gave %d outcomes, err %v", len(outs), err)
	}
	if _, err := Run(nil, 0, newRunner, &Context{}, nil); err == nil {
		t.Error("pool of 0 accepted")
	}
}

func TestRunStartFailure(t *testing.T) {
	var closed int32
	newRunner := func(slot int) (Runner, error) {
		if slot == 2 {
			return nil, errors.New("no memory")
		}
		var a, p int32
		return &fakeRunner{slot: slot, active: &a, peak: &p, closed: &closed}, nil
	}
	ran := false
	_, err := Run(make([]Job, 10), 4, newRunner, &Context{}, func(Outcome) { ran = true })
	if err == nil || ran {
		t.Errorf("err=%v ran=%v; want error and no jobs", err, ran)
	}
	if closed != 2 {
		t.Errorf("closed %d runners; want 2", closed)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, Written},
		{fmt.Errorf("a.fits: %w", fits.ErrMissingDataset), SkippedMissingInput},
		{fmt.Errorf("a.fits: %w", segment.ErrIrregularData), FailedIrregularData},
		{fmt.Errorf("a.fits: %w", segment.ErrShapeMismatch), FailedIrregularData},
		{&os.PathError{Op: "open", Path: "a.fits", Err: os.ErrNotExist}, SkippedMissingInput},
		{os.ErrPermission, FailedResource},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v)=%v; want %v", tt.err, got, tt.want)
		}
	}
}

func TestCheckShape(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.fits")
	writeTestCube(t, src)
	jobs := []Job{
		{Source: filepath.Join(dir, "missing.fits")},
		{Source: src},
		{Source: src},
	}

	opts, _ := segment.NewOptions(1, 100, 3, 6, 8)
	if err := CheckShape(jobs, opts); err != nil {
		t.Errorf("no mask: %v", err)
	}
	if err := opts.SetMask(&fits.Image{Width: 5, Height: 5, Data: make([]float64, 25)}, segment.MaskBad); err != nil {
		t.Fatal(err)
	}
	if err := CheckShape(jobs, opts); !errors.Is(err, segment.ErrShapeMismatch) || !strings.Contains(err.Error(), src) {
		t.Errorf("5x5 mask on 4x4 frames: err=%v; want ErrShapeMismatch naming %s", err, src)
	}
	if err := CheckShape(jobs[:1], opts); err != nil {
		t.Errorf("no readable source: %v", err)
	}

	good, _ := segment.NewOptions(1, 100, 3, 6, 8)
	if err := good.SetMask(&fits.Image{Width: 4, Height: 4, Data: make([]float64, 16)}, segment.MaskBad); err != nil {
		t.Fatal(err)
	}
	if err := CheckShape(jobs, good); err != nil {
		t.Errorf("4x4 mask on 4x4 frames: %v", err)
	}
}

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	in := Outcome{Job: Job{Index: 7, Source: "a.fits", Dest: "a.spx", Dataset: "d"}, Status: FailedIrregularData, Frames: 3, Error: "x"}
	if err := writeFrame(&buf, in); err != nil {
		t.Fatal(err)
	}
	if err := writeFrame(&buf, Job{Index: 8}); err != nil {
		t.Fatal(err)
	}
	var out Outcome
	if err := readFrame(&buf, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v; want %+v", out, in)
	}
	var job Job
	if err := readFrame(&buf, &job); err != nil || job.Index != 8 {
		t.Errorf("job %+v err %v", job, err)
	}
	if err := readFrame(&buf, &job); err != io.EOF {
		t.Errorf("err=%v at end; want io.EOF", err)
	}
	buf.Write([]byte{0, 0, 0, 9, 1})
	if err := readFrame(&buf, &job); err != io.ErrUnexpectedEOF {
		t.Errorf("err=%v on truncated message; want io.ErrUnexpectedEOF", err)
	}
}

// Writes a two frame uint16 cube with one three pixel spot per frame
func writeTestCube(t *testing.T, fileName string) {
	t.Helper()
	data := make([]float64, 2*4*4)
	for f := 0; f < 2; f++ {
		for c := 0; c < 3; c++ {
			data[f*16+4+c] = 100
		}
	}
	bitpix, bzero := sparse.Uint16.Bitpix()
	err := fits.WriteFile(fileName, []fits.HDU{{Bitpix: bitpix, Bzero: bzero, Naxisn: []int{4, 4, 2}, Data: data}})
	if err != nil {
		t.Fatal(err)
	}
}

func testJobs(t *testing.T) []Job {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.fits")
	writeTestCube(t, src)
	return []Job{
		{Index: 0, Source: src, Dest: filepath.Join(dir, "out", "a.spx"), ExpectedFrames: 2},
		{Index: 1, Source: src, Dest: filepath.Join(dir, "out", "b.spx"), Dataset: "missing"},
		{Index: 2, Source: src, Dest: filepath.Join(dir, "out", "c.spx"), ExpectedFrames: 5},
	}
}

func checkOutcomes(t *testing.T, outs []Outcome) {
	t.Helper()
	want := []Status{Written, SkippedMissingInput, FailedIrregularData}
	for i, o := range outs {
		if o.Status != want[i] {
			t.Errorf("job %d status %v (%s); want %v", i, o.Status, o.Error, want[i])
		}
	}
	if outs[0].Frames != 2 || outs[0].Pixels != 6 {
		t.Errorf("frames %d pixels %d; want 2 6", outs[0].Frames, outs[0].Pixels)
	}
	if _, err := os.Stat(outs[0].Job.Dest); err != nil {
		t.Error(err)
	}
	for _, o := range outs[1:] {
		if _, err := os.Stat(o.Job.Dest); !os.IsNotExist(err) {
			t.Errorf("%s exists after failure", o.Job.Dest)
		}
	}
}

func TestServeWorker(t *testing.T) {
	jobs := testJobs(t)
	opts, _ := segment.NewOptions(1, 100, 3, 6, 8)

	jobR, jobW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- ServeWorker(jobR, outW, io.Discard)
		outW.Close()
	}()

	if err := writeFrame(jobW, opts); err != nil {
		t.Fatal(err)
	}
	outs := make([]Outcome, len(jobs))
	for i, job := range jobs {
		if err := writeFrame(jobW, job); err != nil {
			t.Fatal(err)
		}
		if err := readFrame(outR, &outs[i]); err != nil {
			t.Fatal(err)
		}
	}
	jobW.Close()
	if err := <-done; err != nil {
		t.Errorf("worker exit: %v", err)
	}
	checkOutcomes(t, outs)
}

func TestProcessRunner(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	t.Setenv(workerEnv, "1")
	jobs := testJobs(t)
	opts, _ := segment.NewOptions(1, 100, 3, 6, 8)
	var log bytes.Buffer
	r, err := NewProcessRunner(exe, nil, opts, &log)
	if err != nil {
		t.Fatal(err)
	}
	outs := make([]Outcome, len(jobs))
	for i, job := range jobs {
		outs[i] = r.Run(job)
	}
	if err := r.Close(); err != nil {
		t.Errorf("close: %v, log %s", err, log.String())
	}
	checkOutcomes(t, outs)
}
