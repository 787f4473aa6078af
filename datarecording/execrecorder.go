package datarecording

import (
	"os"
	"strings"
	"time"
)

// ExecTable is the table an ExecRecorder writes to.
const ExecTable = "exec_info"

const execTimeFormat = "2006-01-02 15:04:05.000000000"

// ExecInfo is one property of a program run.
type ExecInfo struct {
	Property string
	Value    string
}

// An ExecRecorder records how the program that produced a database was run.
type ExecRecorder struct {
	recorder DataRecorder
	now      func() time.Time
	entries  []ExecInfo
}

// NewExecRecorder creates the exec table in the recorder.
func NewExecRecorder(recorder DataRecorder, now func() time.Time) *ExecRecorder {
	recorder.CreateTable(ExecTable, ExecInfo{})

	return &ExecRecorder{
		recorder: recorder,
		now:      now,
	}
}

// Start notes the start time, the command line, and the working directory.
func (e *ExecRecorder) Start() {
	e.Record("Start Time", e.now().Format(execTimeFormat))
	e.Record("Command", strings.Join(os.Args, " "))

	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	e.Record("Working Directory", cwd)
}

// Record adds a property. Properties are written by End.
func (e *ExecRecorder) Record(property, value string) {
	e.entries = append(e.entries, ExecInfo{Property: property, Value: value})
}

// End writes all the properties along with the end time.
func (e *ExecRecorder) End() {
	e.Record("End Time", e.now().Format(execTimeFormat))

	for _, entry := range e.entries {
		e.recorder.InsertData(ExecTable, entry)
	}

	e.entries = nil

	e.recorder.Flush()
}
