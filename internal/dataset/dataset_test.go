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

package dataset

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mlnoga/sparsepix/internal/batch"
	"github.com/mlnoga/sparsepix/internal/fits"
	"github.com/mlnoga/sparsepix/internal/sparse"
	"github.com/valyala/fastrand"
)

func TestSparseName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"scan0001/eiger_0000.fits", "scan0001_eiger_0000_sparse.spx"},
		{"scan0002/eiger_0001.fits.gz", "scan0002_eiger_0001_sparse.spx"},
		{"frame.h5", "frame_sparse.spx"},
		{"noext", "noext_sparse.spx"},
	}
	for _, tt := range tests {
		if got := SparseName(tt.in); got != tt.want {
			t.Errorf("SparseName(%q)=%q; want %q", tt.in, got, tt.want)
		}
	}
}

func writeJobFile(t *testing.T, dir, content string) string {
	t.Helper()
	name := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(name, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestLoadDefaults(t *testing.T) {
	name := writeJobFile(t, t.TempDir(), `
datapath: /data/raw
analysispath: /data/analysis
datasetpath: entry_0000/measurement/data
imagefiles: [a/1.fits, a/2.fits]
sparsefiles: [a_1_sparse.spx, a_2_sparse.spx]
segmenter:
  cut: 25
  connectivity: 4
`)
	ds, err := Load(name)
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultSegmenterOptions()
	want.Cut, want.Connectivity = 25, 4
	if ds.Segmenter != want {
		t.Errorf("segmenter=%+v; want %+v", ds.Segmenter, want)
	}
	if ds.FileName() != name || len(ds.ImageFiles) != 2 {
		t.Errorf("file %q images %v", ds.FileName(), ds.ImageFiles)
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	ds := &DataSet{
		DataPath:      "raw",
		AnalysisPath:  "out",
		DatasetPath:   "PRIMARY",
		ImageFiles:    []string{"s1/a.fits", "s1/b.fits"},
		SparseFiles:   []string{"s1_a_sparse.spx", "s1_b_sparse.spx"},
		FramesPerFile: []int{100, 100},
		Segmenter:     DefaultSegmenterOptions(),
	}
	ds.Segmenter.MaskFile, ds.Segmenter.MaskConvention = "mask.fits", "bad"
	name := filepath.Join(dir, "job.yaml")
	if err := ds.Save(name); err != nil {
		t.Fatal(err)
	}
	got, err := Load(name)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, ds) {
		t.Errorf("loaded %+v; want %+v", got, ds)
	}
}

func TestValidate(t *testing.T) {
	base := func() *DataSet {
		return &DataSet{
			ImageFiles:  []string{"a.fits", "b.fits"},
			SparseFiles: []string{"a_sparse.spx", "b_sparse.spx"},
			Segmenter:   DefaultSegmenterOptions(),
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		modify func(ds *DataSet)
	}{
		{"short sparse list", func(ds *DataSet) { ds.SparseFiles = ds.SparseFiles[:1] }},
		{"frame counts", func(ds *DataSet) { ds.FramesPerFile = []int{3} }},
		{"negative frames", func(ds *DataSet) { ds.FramesPerFile = []int{3, -1} }},
		{"shared destination", func(ds *DataSet) { ds.SparseFiles[1] = ds.SparseFiles[0] }},
		{"mask without convention", func(ds *DataSet) { ds.Segmenter.MaskFile = "m.fits" }},
		{"zero cut", func(ds *DataSet) { ds.Segmenter.Cut = 0 }},
		{"no rungs", func(ds *DataSet) { ds.Segmenter.ThresholdRungs = 0 }},
		{"no cores", func(ds *DataSet) { ds.Segmenter.CoresPerJob = 0 }},
	}
	for _, tt := range tests {
		ds := base()
		tt.modify(ds)
		if ds.Validate() == nil {
			t.Errorf("%s: validated", tt.name)
		}
	}
}

func TestNewFromFilesAndJobs(t *testing.T) {
	dir := t.TempDir()
	for s := 1; s <= 2; s++ {
		os.MkdirAll(filepath.Join(dir, fmt.Sprintf("scan%d", s)), 0755)
		for f := 0; f < 3; f++ {
			os.WriteFile(filepath.Join(dir, fmt.Sprintf("scan%d/img_%d.fits", s, f)), nil, 0644)
		}
	}
	ds, err := NewFromFiles(dir, "/analysis", "PRIMARY", "*/*.fits")
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.ImageFiles) != 6 || ds.ImageFiles[3] != "scan2/img_0.fits" || ds.SparseFiles[3] != "scan2_img_0_sparse.spx" {
		t.Fatalf("images %v sparse %v", ds.ImageFiles, ds.SparseFiles)
	}
	ds.FramesPerFile = []int{10, 10, 10, 10, 10, 7}

	jobs, err := ds.Jobs(batch.Partition{JobID: 1, Workers: 2, FilesPerWorker: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].Index != 4 || jobs[1].Index != 5 {
		t.Fatalf("jobs %+v", jobs)
	}
	j := jobs[1]
	if j.Source != filepath.Join(dir, "scan2/img_2.fits") || j.Dest != "/analysis/scan2_img_2_sparse.spx" ||
		j.Dataset != "PRIMARY" || j.ExpectedFrames != 7 {
		t.Errorf("job %+v", j)
	}
	if jobs, _ := ds.Jobs(batch.Partition{JobID: 2, Workers: 2, FilesPerWorker: 2}); len(jobs) != 0 {
		t.Errorf("%d jobs beyond the last slot", len(jobs))
	}
	if _, err := NewFromFiles(dir, "/analysis", "", "*.none"); err == nil {
		t.Error("empty match accepted")
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a"), nil, 0644)
	os.WriteFile(filepath.Join(dir, "c"), nil, 0644)
	var buf bytes.Buffer
	done, missing := CheckFiles(dir, []string{"a", "b", "c", "d", "e"}, 2, &buf)
	if done != 2 || missing != 3 {
		t.Errorf("done=%d missing=%d; want 2 3", done, missing)
	}
	if lines := strings.Count(buf.String(), "missing "); lines != 2 {
		t.Errorf("%d missing lines; want 2:\n%s", lines, buf.String())
	}
}

func TestWriteJobArrayScript(t *testing.T) {
	dir := t.TempDir()
	ds := &DataSet{DataPath: dir, AnalysisPath: filepath.Join(dir, "out"), Segmenter: DefaultSegmenterOptions()}
	for i := 0; i < 200; i++ {
		ds.ImageFiles = append(ds.ImageFiles, fmt.Sprintf("f%03d.fits", i))
		ds.SparseFiles = append(ds.SparseFiles, SparseName(ds.ImageFiles[i]))
	}
	var buf bytes.Buffer
	if _, err := ds.WriteJobArrayScript("sparsepix", &buf); err == nil {
		t.Error("unsaved data set accepted")
	}
	if err := ds.Save(filepath.Join(dir, "job.yaml")); err != nil {
		t.Fatal(err)
	}
	name, err := ds.WriteJobArrayScript("/usr/bin/sparsepix", &buf)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	script := string(data)
	for _, want := range []string{"--array=0-3\n", "--cpus-per-task=8\n", "/usr/bin/sparsepix segment " + filepath.Join(dir, "job.yaml") + " $SLURM_ARRAY_TASK_ID"} {
		if !strings.Contains(script, want) {
			t.Errorf("script lacks %q:\n%s", want, script)
		}
	}
	if !strings.Contains(buf.String(), "total files to process 200 done 0") {
		t.Errorf("output %q", buf.String())
	}

	// nothing to do once all destinations exist
	for _, s := range ds.SparseFiles {
		os.WriteFile(filepath.Join(ds.AnalysisPath, s), nil, 0644)
	}
	if name, err := ds.WriteJobArrayScript("sparsepix", &buf); name != "" || err != nil {
		t.Errorf("name=%q err=%v when done", name, err)
	}
}

func writeSparse(t *testing.T, name string, nnz []int) {
	t.Helper()
	w, err := sparse.NewFrameWriter(name, "PRIMARY", len(nnz), 10, 10, sparse.Uint16)
	if err != nil {
		t.Fatal(err)
	}
	for i, n := range nnz {
		if n == 0 {
			err = w.WriteEmpty(i)
		} else {
			row, col, val := make([]uint16, n), make([]uint16, n), make([]float64, n)
			for k := range row {
				row[k], col[k], val[k] = uint16(k/10), uint16(k%10), 5
			}
			err = w.WriteFrame(i, row, col, val)
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestImportNNZ(t *testing.T) {
	dir := t.TempDir()
	ds := &DataSet{AnalysisPath: dir, SparseFiles: []string{"a.spx", "b.spx"}}
	writeSparse(t, filepath.Join(dir, "a.spx"), []int{3, 0})
	writeSparse(t, filepath.Join(dir, "b.spx"), []int{1, 4, 2})
	var buf bytes.Buffer
	nnz, err := ds.ImportNNZ(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(nnz, []uint32{3, 0, 1, 4, 2}) {
		t.Errorf("nnz=%v", nnz)
	}
	if !strings.Contains(buf.String(), "average 2.000000") {
		t.Errorf("output %q", buf.String())
	}
	ds.SparseFiles = append(ds.SparseFiles, "c.spx")
	if _, err := ds.ImportNNZ(&buf); err == nil {
		t.Error("missing file accepted")
	}
}

func TestOptionsLoadsCalibration(t *testing.T) {
	dir := t.TempDir()
	err := fits.WriteFile(filepath.Join(dir, "mask.fits"), []fits.HDU{{Bitpix: 8, Naxisn: []int{3, 2}, Data: []float64{0, 1, 0, 0, 0, 1}}})
	if err != nil {
		t.Fatal(err)
	}
	ds := &DataSet{Segmenter: DefaultSegmenterOptions()}
	ds.Segmenter.MaskFile, ds.Segmenter.MaskConvention = "mask.fits", "bad"
	if err := ds.Save(filepath.Join(dir, "job.yaml")); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	opts, err := ds.Options(&buf)
	if err != nil {
		t.Fatal(err)
	}
	want := []bool{false, true, false, false, false, true}
	if opts.Height != 2 || opts.Width != 3 || !reflect.DeepEqual(opts.Mask, want) {
		t.Errorf("%dx%d mask %v; want 2x3 %v", opts.Height, opts.Width, opts.Mask, want)
	}
	if len(opts.Thresholds) != 6 || opts.Connectivity != 8 {
		t.Errorf("options %s", opts)
	}
}

func TestPlan(t *testing.T) {
	dir := t.TempDir()
	rng := fastrand.RNG{}
	data := make([]float64, 2*40*30)
	for i := range data {
		data[i] = float64(90 + rng.Uint32n(21))
	}
	err := fits.WriteFile(filepath.Join(dir, "b.fits"), []fits.HDU{{Bitpix: 16, Naxisn: []int{30, 40, 2}, Data: data}})
	if err != nil {
		t.Fatal(err)
	}
	ds := &DataSet{
		DataPath:     dir,
		AnalysisPath: filepath.Join(dir, "out"),
		ImageFiles:   []string{"a.fits", "b.fits", "c.fits"},
		SparseFiles:  []string{"a_sparse.spx", "b_sparse.spx", "c_sparse.spx"},
		Segmenter:    DefaultSegmenterOptions(),
	}
	ds.Segmenter.CoresPerJob, ds.Segmenter.FilesPerCore = 1, 2
	p, err := ds.Plan(&batch.Context{MemoryMB: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if p.Files != 3 || p.Done != 0 || p.Slots != 2 {
		t.Errorf("files %d done %d slots %d; want 3 0 2", p.Files, p.Done, p.Slots)
	}
	if p.Sample != filepath.Join(dir, "b.fits") || p.Height != 40 || p.Width != 30 || p.Frames != 2 {
		t.Errorf("sample %s %dx%d %d frames", p.Sample, p.Height, p.Width, p.Frames)
	}
	if !p.MemoryOK || p.WorkerMB < 1 {
		t.Errorf("memory ok %v worker %d MB", p.MemoryOK, p.WorkerMB)
	}
	var buf bytes.Buffer
	p.Print(&buf)
	if !strings.Contains(buf.String(), "2 frames of 30x40 pixels") {
		t.Errorf("plan output %q", buf.String())
	}
}
