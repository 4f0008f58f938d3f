package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"vxi11-gpib-server/pkg/protocol"
)

// DefaultHistoryCount is how many records /history returns without ?n=.
const DefaultHistoryCount = 20

// HistoryReader reads the recent activity of one device.
type HistoryReader interface {
	History(ctx context.Context, device string, n int64) ([]*protocol.ActivityRecord, error)
}

// HistoryHandler serves GET ?device=<name>&n=<count> as a JSON array,
// newest record first.
func HistoryHandler(r HistoryReader, log *logrus.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		device := req.URL.Query().Get("device")
		if device == "" {
			http.Error(w, "missing device", http.StatusBadRequest)
			return
		}

		n := int64(DefaultHistoryCount)
		if v := req.URL.Query().Get("n"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil || parsed <= 0 {
				http.Error(w, "bad n", http.StatusBadRequest)
				return
			}
			n = parsed
		}

		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		recs, err := r.History(ctx, device, n)
		if err != nil {
			log.Warnf("read history %s: %v", device, err)
			http.Error(w, "history unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recs)
	})
}
