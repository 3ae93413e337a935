package gitops

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/adaptive-git/transport-core/internal/events"
)

// progressWriter adapts go-git's Progress io.Writer (a raw byte stream of
// the server's sideband progress text, e.g. "Counting objects:  45%
// (9/20)\r") into GitProgress events. go-git writes whatever bytes the
// server sent with no line buffering guarantee, so this accumulates a
// buffer and only emits on a complete \r- or \n-terminated line.
type progressWriter struct {
	bus    *events.Bus
	taskID string
	buf    []byte
}

func newProgressWriter(bus *events.Bus, taskID string) *progressWriter {
	return &progressWriter{bus: bus, taskID: taskID}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n := len(p)
	w.buf = append(w.buf, p...)
	for {
		idx := indexAny(w.buf, '\r', '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		w.emit(line)
	}
	return n, nil
}

func indexAny(b []byte, chars ...byte) int {
	for i, c := range b {
		for _, want := range chars {
			if c == want {
				return i
			}
		}
	}
	return -1
}

// progressLinePattern matches git's "<phase>: <percent>% (<done>/<total>)"
// sideband progress lines.
var progressLinePattern = regexp.MustCompile(`^([A-Za-z ]+):\s+\d+% \((\d+)/(\d+)\)`)

func (w *progressWriter) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" || w.bus == nil {
		return
	}

	m := progressLinePattern.FindStringSubmatch(line)
	if m == nil {
		w.bus.Publish(events.GitProgress{ID: w.taskID, Phase: line})
		return
	}
	done, _ := strconv.Atoi(m[2])
	total, _ := strconv.Atoi(m[3])
	w.bus.Publish(events.GitProgress{
		ID:           w.taskID,
		Phase:        strings.TrimSpace(m[1]),
		ObjectsDone:  done,
		ObjectsTotal: total,
	})
}
