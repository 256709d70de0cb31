package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"goa.design/clue/log"

	"reviewgenius/internal/jsonstream"
	"reviewgenius/internal/services"
)

const (
	ndjsonContentType = "application/x-ndjson"

	// profileJobTrailer carries the id of the profile update queued after grading.
	profileJobTrailer = "X-Profile-Job"
)

// streamEvents writes src as newline-delimited JSON, flushing after every
// event. An error from src ends the stream with one error event. It reports
// whether src was drained to the end.
func streamEvents(ctx context.Context, w http.ResponseWriter, src jsonstream.EventSource) bool {
	defer src.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	var sent int
	for {
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			log.Info(ctx, log.KV{K: "msg", V: "event stream complete"}, log.KV{K: "events", V: sent})
			return true
		}
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "event stream aborted"}, log.KV{K: "events", V: sent})
			ev = services.FailureEvent(err)
		}
		if werr := enc.Encode(ev); werr != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "client went away"}, log.KV{K: "err", V: werr.Error()})
			return false
		}
		_ = rc.Flush()
		sent++
		if err != nil {
			return false
		}
	}
}
