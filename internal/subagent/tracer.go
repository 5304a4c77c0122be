package subagent

import (
	"encoding/json"
	"os"
	"sync"
)

// tracerLock is the process-wide lock spec §4.H requires: every job log
// tracer, regardless of which JobLog instance owns it, serializes writes
// to its file through this single mutex.
var tracerLock sync.Mutex

// Tracer appends JSON-line records to a file on disk.
type Tracer struct {
	path string
}

// NewTracer opens (creating if absent) the trace log at path. A blank path
// fails to open and returns an error; tracing is disabled by passing a nil
// *Tracer to NewJobLog.
func NewTracer(path string) (*Tracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &Tracer{path: path}, nil
}

// Write appends one JSON-line record, holding the process-wide trace lock
// for the duration of the write.
func (t *Tracer) Write(e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	tracerLock.Lock()
	defer tracerLock.Unlock()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}
