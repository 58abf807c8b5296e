package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"harness/internal/metrics"
	"harness/internal/sse"
)

// follow streams x's frames after cursor until the execution finishes or
// the client goes away. Leaving early does not affect the execution.
func (s *Server) follow(w http.ResponseWriter, r *http.Request, x *execution, cursor uint64) {
	sw := sse.NewWriter(w)
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		frames, wait, finished, dropped := x.since(cursor)
		if dropped {
			metrics.ReplayDrops.Inc()
			slog.Warn("replay buffer overrun", "execution_id", x.id, "cursor", cursor)
			if err := sw.Comment("replay truncated"); err != nil {
				return
			}
		}
		for _, f := range frames {
			if err := sw.Send(f); err != nil {
				slog.Debug("stream client gone", "execution_id", x.id, "error", err)
				return
			}
			cursor = parseCursor(f.ID)
		}
		if finished && len(frames) == 0 {
			return
		}
		if finished {
			continue
		}

		select {
		case <-wait:
		case <-ticker.C:
			if err := sw.Comment("keep-alive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
