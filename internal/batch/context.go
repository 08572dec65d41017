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

// Package batch partitions source files into job array slots and runs the
// files of one slot through a pool of independent workers.
package batch

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/pbnjay/memory"
)

// An execution context for a batch run
type Context struct {
	Log        io.Writer    // human readable progress
	Logger     *slog.Logger // structured per-job outcomes
	MemoryMB   int          // memory.TotalMemory()/1024/1024
	MaxThreads int
}

func NewContext(log io.Writer, logger *slog.Logger) *Context {
	return &Context{
		Log:        log,
		Logger:     logger,
		MemoryMB:   int(memory.TotalMemory() / 1024 / 1024),
		MaxThreads: runtime.GOMAXPROCS(0),
	}
}

// Estimated memory per worker in MB for frames of the given grid: the dense
// frame, the sparse buffers and labeling grid, and one compressed chunk per
// output dataset.
func WorkerMB(height, width int) int {
	area := int64(height) * int64(width)
	perPixel := int64(8 + 2 + 2 + 8 + 4 + 1 + 4) // frame, row, col, val, labels, keep, label grid
	bytes := area*perPixel + 4*10000*8
	return int((bytes + (1 << 20) - 1) >> 20)
}

// Checks whether workers fit into memory, returning a warning message if not
func (c *Context) CheckMemory(workers, height, width int) (ok bool, msg string) {
	need := workers * WorkerMB(height, width)
	if c.MemoryMB > 0 && need > c.MemoryMB*7/10 {
		return false, fmt.Sprintf("%d workers need about %d MB for %dx%d frames, more than 70%% of %d MB physical memory",
			workers, need, height, width, c.MemoryMB)
	}
	return true, fmt.Sprintf("%d workers need about %d MB of %d MB physical memory", workers, need, c.MemoryMB)
}
