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

// Package dataset describes a collection of source image files and their
// sparse destinations as a YAML job file, together with the segmentation
// options that steer processing.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mlnoga/sparsepix/internal/batch"
	"github.com/mlnoga/sparsepix/internal/fits"
	"github.com/mlnoga/sparsepix/internal/segment"
	"gopkg.in/yaml.v3"
)

// Suffix replacing the source extension in destination names
const SparseSuffix = "_sparse.spx"

// Segmentation parameters as stored in the job file
type SegmenterOptions struct {
	Cut            float64 `yaml:"cut"`
	HowMany        int     `yaml:"howmany"`
	PixelsInSpot   int     `yaml:"pixels_in_spot"`
	MaskFile       string  `yaml:"maskfile,omitempty"`
	MaskConvention string  `yaml:"mask_convention,omitempty"` // good or bad
	BgFile         string  `yaml:"bgfile,omitempty"`
	CoresPerJob    int     `yaml:"cores_per_job"`
	FilesPerCore   int     `yaml:"files_per_core"`
	ThresholdRungs int     `yaml:"threshold_rungs"`
	Connectivity   int     `yaml:"connectivity"`
}

func DefaultSegmenterOptions() SegmenterOptions {
	return SegmenterOptions{
		Cut:            1,
		HowMany:        100000,
		PixelsInSpot:   3,
		CoresPerJob:    8,
		FilesPerCore:   8,
		ThresholdRungs: 6,
		Connectivity:   8,
	}
}

func (so *SegmenterOptions) Validate() error {
	if !(so.Cut > 0) {
		return fmt.Errorf("cut must be positive, got %g", so.Cut)
	}
	if so.MaskFile != "" && so.MaskConvention != segment.MaskGood && so.MaskConvention != segment.MaskBad {
		return fmt.Errorf("maskfile %s needs mask_convention %q or %q, got %q",
			so.MaskFile, segment.MaskGood, segment.MaskBad, so.MaskConvention)
	}
	if so.ThresholdRungs < 1 {
		return fmt.Errorf("threshold_rungs must be positive, got %d", so.ThresholdRungs)
	}
	return so.Partition(0).Validate()
}

// Partition for the given job array slot
func (so *SegmenterOptions) Partition(jobID int) batch.Partition {
	return batch.Partition{JobID: jobID, Workers: so.CoresPerJob, FilesPerWorker: so.FilesPerCore}
}

// Builds the segmentation options, loading mask and background files.
// Relative calibration file names are resolved against base.
func (so *SegmenterOptions) Build(base string, logWriter io.Writer) (*segment.Options, error) {
	opts, err := segment.NewOptions(so.Cut, so.HowMany, so.PixelsInSpot, so.ThresholdRungs, so.Connectivity)
	if err != nil {
		return nil, err
	}
	if so.MaskFile != "" {
		img, err := fits.ReadImage(resolve(base, so.MaskFile), logWriter)
		if err != nil {
			return nil, err
		}
		if err := opts.SetMask(img, so.MaskConvention); err != nil {
			return nil, err
		}
		fmt.Fprintf(logWriter, "# Opened mask %s\n", img.FileName)
	}
	if so.BgFile != "" {
		img, err := fits.ReadImage(resolve(base, so.BgFile), logWriter)
		if err != nil {
			return nil, err
		}
		if err := opts.SetBackground(img); err != nil {
			return nil, err
		}
		fmt.Fprintf(logWriter, "# Opened background %s\n", img.FileName)
	}
	return opts, nil
}

func resolve(base, name string) string {
	if base == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(base, name)
}

// Ordered source files, their destinations and the segmentation options
type DataSet struct {
	DataPath      string           `yaml:"datapath"`
	AnalysisPath  string           `yaml:"analysispath"`
	DatasetPath   string           `yaml:"datasetpath"` // image HDU inside each source file
	ImageFiles    []string         `yaml:"imagefiles"`  // relative to DataPath
	SparseFiles   []string         `yaml:"sparsefiles"` // relative to AnalysisPath, matches ImageFiles
	FramesPerFile []int            `yaml:"frames_per_file,omitempty"`
	Segmenter     SegmenterOptions `yaml:"segmenter"`

	fileName string
}

// Loads and validates a job file. Missing segmenter settings take defaults.
func Load(fileName string) (*DataSet, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	ds := &DataSet{Segmenter: DefaultSegmenterOptions()}
	if err := yaml.Unmarshal(data, ds); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", fileName, err)
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job file %s: %w", fileName, err)
	}
	ds.fileName = fileName
	return ds, nil
}

// Writes the job file
func (ds *DataSet) Save(fileName string) error {
	data, err := yaml.Marshal(ds)
	if err != nil {
		return err
	}
	if err := os.WriteFile(fileName, data, 0644); err != nil {
		return err
	}
	ds.fileName = fileName
	return nil
}

// Name of the job file this data set was loaded from or saved to
func (ds *DataSet) FileName() string { return ds.fileName }

func (ds *DataSet) Validate() error {
	if len(ds.SparseFiles) != len(ds.ImageFiles) {
		return fmt.Errorf("%d sparse files for %d image files", len(ds.SparseFiles), len(ds.ImageFiles))
	}
	if len(ds.FramesPerFile) != 0 && len(ds.FramesPerFile) != len(ds.ImageFiles) {
		return fmt.Errorf("%d frame counts for %d image files", len(ds.FramesPerFile), len(ds.ImageFiles))
	}
	for i, n := range ds.FramesPerFile {
		if n < 0 {
			return fmt.Errorf("negative frame count %d for %s", n, ds.ImageFiles[i])
		}
	}
	seen := make(map[string]int, len(ds.SparseFiles))
	for i, name := range ds.SparseFiles {
		if j, ok := seen[name]; ok {
			return fmt.Errorf("image files %s and %s share destination %s", ds.ImageFiles[j], ds.ImageFiles[i], name)
		}
		seen[name] = i
	}
	return ds.Segmenter.Validate()
}

// Builds the segmentation options. Calibration files are resolved relative
// to the directory of the job file.
func (ds *DataSet) Options(logWriter io.Writer) (*segment.Options, error) {
	base := ""
	if ds.fileName != "" {
		base = filepath.Dir(ds.fileName)
	}
	return ds.Segmenter.Build(base, logWriter)
}

// Destination name for a source file relative to the data path
func SparseName(name string) string {
	name = strings.ReplaceAll(filepath.ToSlash(name), "/", "_")
	name = strings.TrimSuffix(name, ".gz")
	return strings.TrimSuffix(name, filepath.Ext(name)) + SparseSuffix
}

// Creates a data set from all files below dataPath matching pattern,
// for example "*/*.fits", in lexical order.
func NewFromFiles(dataPath, analysisPath, datasetPath, pattern string) (*DataSet, error) {
	matches, err := filepath.Glob(filepath.Join(dataPath, pattern))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no files match %s in %s", pattern, dataPath)
	}
	sort.Strings(matches)
	ds := &DataSet{
		DataPath:     dataPath,
		AnalysisPath: analysisPath,
		DatasetPath:  datasetPath,
		Segmenter:    DefaultSegmenterOptions(),
	}
	for _, m := range matches {
		rel, err := filepath.Rel(dataPath, m)
		if err != nil {
			return nil, err
		}
		ds.ImageFiles = append(ds.ImageFiles, filepath.ToSlash(rel))
		ds.SparseFiles = append(ds.SparseFiles, SparseName(rel))
	}
	return ds, nil
}

// Jobs of the given job array slot. Empty beyond the last slot.
func (ds *DataSet) Jobs(p batch.Partition) ([]batch.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	start, end := p.Range(len(ds.ImageFiles))
	jobs := make([]batch.Job, 0, end-start)
	for i := start; i < end; i++ {
		job := batch.Job{
			Index:   i,
			Source:  filepath.Join(ds.DataPath, ds.ImageFiles[i]),
			Dest:    filepath.Join(ds.AnalysisPath, ds.SparseFiles[i]),
			Dataset: ds.DatasetPath,
		}
		if len(ds.FramesPerFile) > 0 {
			job.ExpectedFrames = ds.FramesPerFile[i]
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Counts which of the named files exist below dir. Prints the full names of
// up to verbose missing files to w.
func CheckFiles(dir string, names []string, verbose int, w io.Writer) (done, missing int) {
	for _, name := range names {
		full := filepath.Join(dir, name)
		if _, err := os.Stat(full); err == nil {
			done++
			continue
		}
		missing++
		if verbose > 0 {
			fmt.Fprintf(w, "missing %s\n", full)
			verbose--
		}
	}
	return done, missing
}

func (ds *DataSet) CheckImages(w io.Writer) (done, missing int) {
	return CheckFiles(ds.DataPath, ds.ImageFiles, 0, w)
}

func (ds *DataSet) CheckSparse(w io.Writer) (done, missing int) {
	return CheckFiles(ds.AnalysisPath, ds.SparseFiles, 2, w)
}

// Prints paths, file counts and progress
func (ds *DataSet) Report(w io.Writer) {
	fmt.Fprintf(w, "datapath = %q\nanalysispath = %q\ndatasetpath = %q\n", ds.DataPath, ds.AnalysisPath, ds.DatasetPath)
	fmt.Fprintf(w, "# files %d\n", len(ds.ImageFiles))
	done, missing := ds.CheckImages(w)
	fmt.Fprintf(w, "# Collected %d missing %d\n", done, missing)
	done, missing = ds.CheckSparse(w)
	fmt.Fprintf(w, "# Segmented %d missing %d\n", done, missing)
}

var errNoFiles = errors.New("data set has no files")
