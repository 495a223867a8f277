package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/akearney/conveyor/internal/pipeline/state"
)

// appendProgress records a run event. Events go to the optional in-process
// sink, are appended to progress.ndjson, and the latest one is mirrored to
// live.json for cheap "what is it doing right now" polling. Persistence is
// best-effort: a full disk never kills a run.
func (e *Engine) appendProgress(ev map[string]any) {
	ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	ev["run_id"] = e.opts.RunID
	if e.opts.ProgressSink != nil {
		e.opts.ProgressSink(ev)
	}
	if e.opts.LogsRoot == "" {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	path := filepath.Join(e.opts.LogsRoot, "progress.ndjson")
	if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		_, _ = f.Write(append(b, '\n'))
		_ = f.Close()
	}
	_ = state.WriteFileAtomic(filepath.Join(e.opts.LogsRoot, "live.json"), b)
}
