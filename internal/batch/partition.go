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

import "fmt"

// Static assignment of a contiguous file range to one job array slot.
// Slot J covers files [J*W*F, min((J+1)*W*F, total)).
type Partition struct {
	JobID          int
	Workers        int
	FilesPerWorker int
}

func (p Partition) Validate() error {
	if p.JobID < 0 {
		return fmt.Errorf("job id must not be negative, got %d", p.JobID)
	}
	if p.Workers < 1 || p.FilesPerWorker < 1 {
		return fmt.Errorf("workers %d and files per worker %d must be positive", p.Workers, p.FilesPerWorker)
	}
	return nil
}

func (p Partition) FilesPerJob() int { return p.Workers * p.FilesPerWorker }

// Half-open file index range of this slot, clipped to total. Empty for
// slots beyond the last.
func (p Partition) Range(total int) (start, end int) {
	start = p.JobID * p.FilesPerJob()
	end = start + p.FilesPerJob()
	if end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return start, end
}

// Number of job array slots needed to cover total files
func Slots(total, workers, filesPerWorker int) int {
	perJob := workers * filesPerWorker
	if perJob <= 0 || total <= 0 {
		return 0
	}
	return (total + perJob - 1) / perJob
}
