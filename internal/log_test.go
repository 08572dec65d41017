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

package internal

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLogTee(t *testing.T) {
	var stdout bytes.Buffer
	logStdout = &stdout
	defer func() { logStdout = os.Stdout }()

	name := filepath.Join(t.TempDir(), "run.log")
	if err := LogAlsoToFile(name); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			LogPrintf("worker %d done\n", i)
		}(i)
	}
	wg.Wait()
	LogPrintln("All done")
	LogSync()

	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != stdout.String() {
		t.Errorf("file %q differs from stdout %q", data, stdout.String())
	}
	if n := strings.Count(stdout.String(), "\n"); n != 9 {
		t.Errorf("%d lines; want 9", n)
	}

	// a second file replaces the first
	name2 := filepath.Join(t.TempDir(), "run2.log")
	if err := LogAlsoToFile(name2); err != nil {
		t.Fatal(err)
	}
	LogPrintf("x\n")
	LogSync()
	if data, _ := os.ReadFile(name2); string(data) != "x\n" {
		t.Errorf("second log %q", data)
	}
	logMu.Lock()
	closeLogFile()
	logMu.Unlock()
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, false)
	logger.Debug("hidden")
	logger.Warn("job skipped", slog.String("source", "a.fits"))
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "job skipped") || !strings.Contains(out, "source=a.fits") {
		t.Errorf("log output %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("colors in %q", out)
	}
	NewLogger(io.Discard, slog.LevelDebug, true).Info("ok")
}
