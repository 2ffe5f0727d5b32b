package runtime

import (
	"net/http"

	"github.com/drblury/robohub/internal/runtime/jsoncodec"
	"github.com/drblury/robohub/internal/runtime/orchestrator"
)

// Status is the snapshot served on /api/status.
type Status struct {
	AppID    string                      `json:"app_id"`
	State    string                      `json:"state"`
	Failures int                         `json:"failures"`
	Error    string                      `json:"error,omitempty"`
	Dropped  uint64                      `json:"agent_dropped"`
	Channels []orchestrator.HealthSample `json:"channels"`
}

// Status returns the current run state and the last channel health report.
// Safe from any goroutine.
func (s *Service) Status() Status {
	st := Status{
		AppID:    s.Conf.AppID,
		State:    s.supervisor.State().String(),
		Failures: s.supervisor.Failures(),
		Dropped:  s.client.Dropped(),
		Channels: s.status.Health(),
	}
	if err := s.supervisor.Err(); err != nil {
		st.Error = err.Error()
	}
	if st.Channels == nil {
		st.Channels = []orchestrator.HealthSample{}
	}
	return st
}

// StatusHandler serves Status as JSON.
func (s *Service) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := jsoncodec.Encode(w, s.Status()); err != nil {
			s.Logger.Error("Failed to encode status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}
