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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/mlnoga/sparsepix/internal/segment"
	"github.com/vmihailenco/msgpack/v5"
)

// Largest accepted protocol message, guards against reading garbage lengths
const maxFrameSize = 1 << 30

// Writes v as one message: 4 bytes big endian length, then msgpack data
func writeFrame(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Reads one message written by writeFrame into v. Returns io.EOF if r ends
// cleanly before a message.
func readFrame(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

// Serves a worker process: reads the options once, then answers each job
// with one outcome until r is closed. Progress output goes to log.
func ServeWorker(r io.Reader, w io.Writer, log io.Writer) error {
	br := bufio.NewReader(r)
	var opts segment.Options
	if err := readFrame(br, &opts); err != nil {
		return fmt.Errorf("reading options: %w", err)
	}
	runner, err := NewLocalRunner(&opts, log)
	if err != nil {
		return err
	}
	for {
		var job Job
		if err := readFrame(br, &job); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading job: %w", err)
		}
		if err := writeFrame(w, runner.Run(job)); err != nil {
			return fmt.Errorf("writing outcome: %w", err)
		}
	}
}

// Runs jobs in a child process speaking the ServeWorker protocol on its
// standard input and output. A crashed child fails only its current job and
// is restarted for the next one.
type ProcessRunner struct {
	path string
	args []string
	opts *segment.Options
	log  io.Writer

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// Starts the worker command path with args, sending it the options.
// The child's standard error goes to log.
func NewProcessRunner(path string, args []string, opts *segment.Options, log io.Writer) (*ProcessRunner, error) {
	r := &ProcessRunner{path: path, args: args, opts: opts, log: log}
	if err := r.start(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ProcessRunner) start() error {
	cmd := exec.Command(r.path, r.args...)
	cmd.Stderr = r.log
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker %s: %w", r.path, err)
	}
	r.cmd, r.stdin, r.stdout = cmd, stdin, bufio.NewReader(stdout)
	if err := writeFrame(r.stdin, r.opts); err != nil {
		r.kill()
		return fmt.Errorf("sending options to worker: %w", err)
	}
	return nil
}

func (r *ProcessRunner) kill() {
	if r.cmd == nil {
		return
	}
	r.stdin.Close()
	r.cmd.Process.Kill()
	r.cmd.Wait()
	r.cmd = nil
}

func (r *ProcessRunner) Run(job Job) Outcome {
	fail := func(err error) Outcome {
		r.kill()
		return Outcome{Job: job, Status: FailedResource, Error: err.Error()}
	}
	if r.cmd == nil {
		if err := r.start(); err != nil {
			return Outcome{Job: job, Status: FailedResource, Error: err.Error()}
		}
	}
	if err := writeFrame(r.stdin, job); err != nil {
		return fail(fmt.Errorf("sending job to worker: %w", err))
	}
	var out Outcome
	if err := readFrame(r.stdout, &out); err != nil {
		return fail(fmt.Errorf("worker lost: %w", err))
	}
	return out
}

// Ends the child after its current job
func (r *ProcessRunner) Close() error {
	if r.cmd == nil {
		return nil
	}
	r.stdin.Close()
	err := r.cmd.Wait()
	r.cmd = nil
	return err
}
