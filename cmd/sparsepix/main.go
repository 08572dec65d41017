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

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/klauspost/cpuid"
	nl "github.com/mlnoga/sparsepix/internal"
	"github.com/mlnoga/sparsepix/internal/batch"
	"github.com/mlnoga/sparsepix/internal/dataset"
	"github.com/mlnoga/sparsepix/internal/fits"
	"github.com/mlnoga/sparsepix/internal/rest"
	"github.com/mlnoga/sparsepix/internal/sparse"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")
var logFile = flag.String("log", "", "save log output to `file` in addition to stdout")
var verbose = flag.Bool("v", false, "also log debug records")

var datasetPath = flag.String("dataset", "PRIMARY", "setup: image HDU inside each source file, by EXTNAME")
var framesPerFile = flag.Int("frames", 0, "setup: expected frames per source file, 0=any")

var cut = flag.Float64("cut", 1, "keep pixels strictly above this intensity")
var howMany = flag.Int("howmany", 100000, "maximum pixels kept per frame")
var pixelsInSpot = flag.Int("pixelsInSpot", 3, "minimum connected spot size in pixels, 0 or 1=keep isolated pixels")
var maskFile = flag.String("mask", "", "exclude pixels per mask from FITS or TIFF `file`")
var maskConvention = flag.String("maskConvention", "", "mask convention: good=nonzero marks usable pixels, bad=nonzero marks excluded pixels")
var bgFile = flag.String("bg", "", "subtract background from FITS or TIFF `file` before the cut")
var cores = flag.Int("cores", 8, "workers per job array slot")
var filesPerCore = flag.Int("files", 8, "files per worker per job array slot")
var rungs = flag.Int("rungs", 6, "threshold ladder rungs for the pixel cap, thresholds are cut*2^i")
var connectivity = flag.Int("connectivity", 8, "pixel neighbourhood for spots, 4 or 8")

var isolate = flag.Bool("isolate", true, "segment: run each worker in a separate process, -isolate=false runs workers as goroutines")

var addr = flag.String("addr", ":8080", "serve: listen on `address`")
var chroot = flag.String("chroot", "", "serve: change filesystem root to `dir`, requires root")
var setuid = flag.Int("setuid", -1, "serve: switch to user `id` after start, -1=keep")

func main() {
	logWriter := nl.LogWriter
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Sparsepix Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] command (args)

Commands:
  setup   datapath analysispath pattern job.yaml  Create a job file and job array script for all matching files
  segment job.yaml jobid       Segment the files of one job array slot
  plan    job.yaml             Show job array size, memory needs and a suggested cut
  check   job.yaml             Count collected and segmented files
  nnz     job.yaml             Summarize pixel counts of all segmented files
  inspect file.spx             Validate a sparse file and show its contents
  export  file.spx frame out.fits  Write one frame of a sparse file as dense image
  serve                        Serve the HTTP API
  worker                       Serve one worker process on stdin/stdout (internal)
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}

	// Worker processes speak the binary protocol on stdout, everything else goes to stderr
	if args[0] == "worker" {
		if err := batch.ServeWorker(os.Stdin, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
			os.Exit(-1)
		}
		return
	}

	// Initialize logging to file in addition to stdout, if selected
	if *logFile != "" {
		if err := nl.LogAlsoToFile(*logFile); err != nil {
			nl.LogFatalf("Unable to open logfile '%s'\n", *logFile)
		}
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := nl.NewLogger(logWriter, level, *logFile == "")

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			nl.LogFatalf("Could not create CPU profile: %s\n", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			nl.LogFatalf("Could not start CPU profile: %s\n", err)
		}
		defer pprof.StopCPUProfile()
	}

	var err error
	switch args[0] {
	case "setup":
		err = cmdSetup(args[1:], logWriter)

	case "segment":
		printCPU(logWriter)
		err = cmdSegment(args[1:], logWriter, logger)

	case "plan":
		err = cmdPlan(args[1:], logWriter, logger)

	case "check":
		err = cmdCheck(args[1:], logWriter)

	case "nnz":
		err = cmdNNZ(args[1:], logWriter)

	case "inspect":
		err = cmdInspect(args[1:], logWriter)

	case "export":
		err = cmdExport(args[1:], logWriter)

	case "serve":
		if err = (rest.Sandbox{Root: *chroot, UID: *setuid}).Apply(logWriter); err == nil {
			s := &rest.Server{Logger: logger}
			err = s.Serve(*addr)
		}

	case "legal":
		cmdLegal(logWriter)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	fmt.Fprintf(logWriter, "\nDone after %v\n", time.Since(start))

	// Store memory profile if flagged
	if *memprofile != "" {
		f, ferr := os.Create(*memprofile)
		if ferr != nil {
			nl.LogFatalf("Could not create memory profile: %s\n", ferr)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if ferr := pprof.Lookup("allocs").WriteTo(f, 0); ferr != nil {
			nl.LogFatalf("Could not write allocation profile: %s\n", ferr)
		}
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		nl.LogSync()
		os.Exit(-1)
	}
	nl.LogSync()
}

var errUsage = errors.New("wrong number of arguments, see help")

func printCPU(logWriter io.Writer) {
	fmt.Fprintf(logWriter, "# %s, %d physical %d logical cores, AVX2 %v, GOMAXPROCS %d\n",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.AVX2(), runtime.GOMAXPROCS(0))
}

// Applies segmenter flags given on the command line over the job file settings
func applyFlags(so *dataset.SegmenterOptions) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cut":
			so.Cut = *cut
		case "howmany":
			so.HowMany = *howMany
		case "pixelsInSpot":
			so.PixelsInSpot = *pixelsInSpot
		case "mask":
			so.MaskFile = *maskFile
		case "maskConvention":
			so.MaskConvention = *maskConvention
		case "bg":
			so.BgFile = *bgFile
		case "cores":
			so.CoresPerJob = *cores
		case "files":
			so.FilesPerCore = *filesPerCore
		case "rungs":
			so.ThresholdRungs = *rungs
		case "connectivity":
			so.Connectivity = *connectivity
		}
	})
}

// Loads a job file and applies command line overrides
func loadJob(fileName string) (*dataset.DataSet, error) {
	ds, err := dataset.Load(fileName)
	if err != nil {
		return nil, err
	}
	applyFlags(&ds.Segmenter)
	if err := ds.Segmenter.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

func cmdSetup(args []string, logWriter io.Writer) error {
	if len(args) != 4 {
		return errUsage
	}
	ds, err := dataset.NewFromFiles(args[0], args[1], *datasetPath, args[2])
	if err != nil {
		return err
	}
	applyFlags(&ds.Segmenter)
	if *framesPerFile > 0 {
		ds.FramesPerFile = make([]int, len(ds.ImageFiles))
		for i := range ds.FramesPerFile {
			ds.FramesPerFile[i] = *framesPerFile
		}
	}
	if err := ds.Validate(); err != nil {
		return err
	}
	// load calibration files once, so precondition failures surface now
	if _, err := ds.Options(logWriter); err != nil {
		return err
	}
	if err := ds.Save(args[3]); err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "wrote %s with %d files\n", args[3], len(ds.ImageFiles))
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	_, err = ds.WriteJobArrayScript(exe, logWriter)
	return err
}

func cmdSegment(args []string, logWriter io.Writer, logger *slog.Logger) error {
	if len(args) != 2 {
		return errUsage
	}
	ds, err := loadJob(args[0])
	if err != nil {
		return err
	}
	jobID, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("job id %q: %w", args[1], err)
	}
	opts, err := ds.Options(logWriter)
	if err != nil {
		return err
	}
	p := ds.Segmenter.Partition(jobID)
	jobs, err := ds.Jobs(p)
	if err != nil {
		return err
	}
	if err := batch.CheckShape(jobs, opts); err != nil {
		return err
	}

	bc := batch.NewContext(logWriter, logger)
	start, end := p.Range(len(ds.ImageFiles))
	fmt.Fprintf(logWriter, "# Segmenting files [%d,%d) of %d with %d workers, %d MB memory\n# %s\n",
		start, end, len(ds.ImageFiles), p.Workers, bc.MemoryMB, opts)
	if p.Workers > bc.MaxThreads {
		logger.Warn("more workers than threads", slog.Int("workers", p.Workers), slog.Int("threads", bc.MaxThreads))
	}

	newRunner := func(int) (batch.Runner, error) { return batch.NewLocalRunner(opts, logWriter) }
	if *isolate {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		newRunner = func(int) (batch.Runner, error) {
			return batch.NewProcessRunner(exe, []string{"worker"}, opts, logWriter)
		}
	}
	outs, err := batch.Run(jobs, p.Workers, newRunner, bc, func(out batch.Outcome) {
		if out.Status == batch.Written {
			fmt.Fprintf(logWriter, "%s\n", out.Job.Dest)
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "All done\n")

	tally := batch.Tally(outs)
	if failed := len(outs) - tally[batch.Written] - tally[batch.SkippedMissingInput]; failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(outs))
	}
	return nil
}

func cmdPlan(args []string, logWriter io.Writer, logger *slog.Logger) error {
	if len(args) != 1 {
		return errUsage
	}
	ds, err := loadJob(args[0])
	if err != nil {
		return err
	}
	plan, err := ds.Plan(batch.NewContext(logWriter, logger))
	if err != nil {
		return err
	}
	plan.Print(logWriter)
	return nil
}

func cmdCheck(args []string, logWriter io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	ds, err := dataset.Load(args[0])
	if err != nil {
		return err
	}
	ds.Report(logWriter)
	return nil
}

func cmdNNZ(args []string, logWriter io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	ds, err := dataset.Load(args[0])
	if err != nil {
		return err
	}
	_, err = ds.ImportNNZ(logWriter)
	return err
}

func cmdInspect(args []string, logWriter io.Writer) error {
	if len(args) != 1 {
		return errUsage
	}
	fs, err := sparse.ReadFrames(args[0])
	if err != nil {
		return err
	}
	fs.Print(logWriter)
	if err := fs.Check(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	fmt.Fprintf(logWriter, "%s is consistent\n", args[0])
	return nil
}

func cmdExport(args []string, logWriter io.Writer) error {
	if len(args) != 3 {
		return errUsage
	}
	fs, err := sparse.ReadFrames(args[0])
	if err != nil {
		return err
	}
	i, err := strconv.Atoi(args[1])
	if err != nil || i < 0 || i >= fs.FrameCount {
		return fmt.Errorf("frame %q out of range [0,%d)", args[1], fs.FrameCount)
	}
	bitpix, bzero := fs.ValueType.Bitpix()
	hdu := fits.HDU{
		Bitpix: bitpix,
		Bzero:  bzero,
		Naxisn: []int{fs.Width, fs.Height},
		Data:   fs.Dense(i, nil),
	}
	if err := fits.WriteFile(args[2], []fits.HDU{hdu}); err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "Wrote frame %d of %s to %s\n", i, args[0], args[2])
	return nil
}
