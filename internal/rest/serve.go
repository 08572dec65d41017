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
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/sparsepix/internal/batch"
	"github.com/mlnoga/sparsepix/internal/dataset"
)

// HTTP front end over job files on the server's file system
type Server struct {
	Logger *slog.Logger
}

// Creates the router with all API routes, without logging middleware
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/status", postStatus)
			v1.POST("/plan", s.postPlan)
			v1.POST("/segment", s.postSegment)
		}
	}
	return r
}

// Listens and serves on addr, for example ":8080"
func (s *Server) Serve(addr string) error {
	r := s.Router()
	r.Use(gin.Logger())
	return r.Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

type jobFileArgs struct {
	JobFile string `json:"jobFile" binding:"required"`
}

func loadDataSet(c *gin.Context, args *jobFileArgs) *dataset.DataSet {
	if err := c.ShouldBindJSON(args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil
	}
	ds, err := dataset.Load(args.JobFile)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil
	}
	return ds
}

type statusReply struct {
	Files     int `json:"files"`
	Collected int `json:"collected"`
	Missing   int `json:"missing"`
	Segmented int `json:"segmented"`
	Pending   int `json:"pending"`
}

func postStatus(c *gin.Context) {
	var args jobFileArgs
	ds := loadDataSet(c, &args)
	if ds == nil {
		return
	}
	var reply statusReply
	reply.Files = len(ds.ImageFiles)
	reply.Collected, reply.Missing = ds.CheckImages(io.Discard)
	reply.Segmented, reply.Pending = ds.CheckSparse(io.Discard)
	c.JSON(http.StatusOK, reply)
}

func (s *Server) postPlan(c *gin.Context) {
	var args jobFileArgs
	ds := loadDataSet(c, &args)
	if ds == nil {
		return
	}
	plan, err := ds.Plan(batch.NewContext(io.Discard, s.Logger))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, plan)
}

type segmentArgs struct {
	JobFile string `json:"jobFile" binding:"required"`
	JobID   *int   `json:"jobId" binding:"required"`
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

// Runs one job array slot and streams progress as plain text
func (s *Server) postSegment(c *gin.Context) {
	var args segmentArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ds, err := dataset.Load(args.JobFile)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := ds.Segmenter.Partition(*args.JobID)
	jobs, err := ds.Jobs(p)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/plain")
	c.Writer.WriteHeader(http.StatusOK)
	logWriter := &streamWriter{w: c.Writer}

	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}
	opts, err := ds.Options(logWriter)
	if err == nil {
		err = batch.CheckShape(jobs, opts)
	}
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		logWriter.Flush()
		return
	}

	bc := batch.NewContext(logWriter, s.Logger)
	newRunner := func(int) (batch.Runner, error) { return batch.NewLocalRunner(opts, logWriter) }
	outs, err := batch.Run(jobs, p.Workers, newRunner, bc, func(out batch.Outcome) {
		if out.Status == batch.Written {
			fmt.Fprintf(logWriter, "%s\n", out.Job.Dest)
		} else {
			fmt.Fprintf(logWriter, "%s: %s: %s\n", out.Job.Source, out.Status, out.Error)
		}
		logWriter.Flush()
	})
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	} else {
		tally := batch.Tally(outs)
		fmt.Fprintf(logWriter, "All done, %d written %d skipped %d failed\n", tally[batch.Written],
			tally[batch.SkippedMissingInput], len(outs)-tally[batch.Written]-tally[batch.SkippedMissingInput])
	}
	logWriter.Flush()
}

// Response writer shared by concurrent workers
type streamWriter struct {
	mu sync.Mutex
	w  gin.ResponseWriter
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *streamWriter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
}
