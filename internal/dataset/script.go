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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/mlnoga/sparsepix/internal/batch"
	"github.com/mlnoga/sparsepix/internal/sparse"
	"github.com/mlnoga/sparsepix/internal/stats"
)

// Name of the job array script inside the slurm directory
const ScriptName = "sparsepix_slurm.sh"

var scriptTemplate = template.Must(template.New("slurm").Parse(`#!/bin/bash
#SBATCH --job-name=array-sparsepix
#SBATCH --output={{.Dir}}/sparsepix_%A_%a.out
#SBATCH --error={{.Dir}}/sparsepix_%A_%a.err
#SBATCH --array=0-{{.LastSlot}}
#SBATCH --time=02:00:00
#SBATCH --ntasks=1
#SBATCH --cpus-per-task={{.Cores}}
#
date
echo Running on $HOSTNAME : {{.Command}}
{{.Command}} > {{.Dir}}/sparsepix_${SLURM_ARRAY_JOB_ID}_${SLURM_ARRAY_TASK_ID}.log 2>&1
date
`))

type scriptParams struct {
	Dir      string
	LastSlot int
	Cores    int
	Command  string
}

// Writes a job array script running exe on every slot of the saved data set
// into <analysispath>/slurm. Returns the script name, or "" if all sparse
// files exist already.
func (ds *DataSet) WriteJobArrayScript(exe string, w io.Writer) (string, error) {
	if ds.fileName == "" {
		return "", fmt.Errorf("data set must be saved before writing a job array script")
	}
	total := len(ds.SparseFiles)
	if total == 0 {
		return "", errNoFiles
	}
	done, _ := CheckFiles(ds.AnalysisPath, ds.SparseFiles, 0, w)
	fmt.Fprintf(w, "total files to process %d done %d\n", total, done)
	if done == total {
		return "", nil
	}

	dir := filepath.Join(ds.AnalysisPath, "slurm")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	jobFile, err := filepath.Abs(ds.fileName)
	if err != nil {
		return "", err
	}
	slots := batch.Slots(total, ds.Segmenter.CoresPerJob, ds.Segmenter.FilesPerCore)
	params := scriptParams{
		Dir:      dir,
		LastSlot: slots - 1,
		Cores:    ds.Segmenter.CoresPerJob,
		Command:  fmt.Sprintf("%s segment %s $SLURM_ARRAY_TASK_ID", exe, jobFile),
	}

	name := filepath.Join(dir, ScriptName)
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	if err := scriptTemplate.Execute(f, params); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	fmt.Fprintf(w, "wrote %s for %d slots\n", name, slots)
	return name, nil
}

// Reads the per-frame pixel counts of all sparse files in order
func (ds *DataSet) ImportNNZ(w io.Writer) ([]uint32, error) {
	var nnz []uint32
	for _, name := range ds.SparseFiles {
		f, err := sparse.Open(filepath.Join(ds.AnalysisPath, name))
		if err != nil {
			return nil, err
		}
		d := f.Dataset(sparse.DatasetNNZ)
		if d == nil {
			f.Close()
			return nil, fmt.Errorf("%s: no %s dataset", name, sparse.DatasetNNZ)
		}
		n, err := d.ReadUint32s()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		nnz = append(nnz, n...)
	}
	s := stats.NNZSummary(nnz)
	fmt.Fprintf(w, "imported nnz, average %f\n", s.Mean)
	return nnz, nil
}
