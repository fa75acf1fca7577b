package devserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/planproof/planproof/internal/compliance"
	"github.com/planproof/planproof/pkg/panicerr"
)

type streamFrame struct {
	TaskID       string             `json:"task_id"`
	Status       string             `json:"status"`
	Step         string             `json:"step,omitempty"`
	Progress     float64            `json:"progress,omitempty"`
	ComplianceID int64              `json:"compliance_id,omitempty"`
	ProjectID    int64              `json:"project_id,omitempty"`
	Result       *compliance.Result `json:"result,omitempty"`
}

var pipelineSteps = []struct {
	step string
	pct  float64
}{
	{"extracting text", 10},
	{"analyzing text", 35},
	{"analyzing drawings", 65},
	{"evaluating code compliance", 85},
}

// handleStream upgrades the connection and replays a fake analysis for the
// task: one frame per pipeline step, then the completion frame with the
// result, then a clean close.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, ok := s.store.task(taskID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			slog.String("task_id", taskID), slog.String("error.message", err.Error()))
		return
	}

	if err := panicerr.Safe(func() error {
		defer conn.Close()
		for _, st := range pipelineSteps {
			frame := streamFrame{
				TaskID:       task.id,
				Status:       "processing",
				Step:         st.step,
				Progress:     st.pct,
				ComplianceID: task.complianceID,
				ProjectID:    task.projectID,
			}
			if err := conn.WriteJSON(frame); err != nil {
				return err
			}
			select {
			case <-r.Context().Done():
				return r.Context().Err()
			case <-time.After(s.stepDelay):
			}
		}

		result := fakeResult(task.filename)
		s.store.completeTask(task.id, result)
		if err := conn.WriteJSON(streamFrame{
			TaskID:       task.id,
			Status:       "completed",
			Progress:     100,
			ComplianceID: task.complianceID,
			ProjectID:    task.projectID,
			Result:       &result,
		}); err != nil {
			return err
		}
		return conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	})(); err != nil {
		s.logger.Warn("fake pipeline stream ended early",
			slog.String("task_id", taskID), slog.String("error.message", err.Error()))
	}
}

func fakeResult(filename string) compliance.Result {
	approved := true
	return compliance.Result{
		Approved:   &approved,
		Score:      0.92,
		Confidence: 0.81,
		Summary:    "No blocking violations found in " + filename + ".",
		TextFindings: []compliance.Finding{
			{Description: "Egress widths meet minimum requirements", Status: "pass"},
		},
		Recommendations: []string{
			"Verify fire-rated assembly details before permit issuance.",
		},
	}
}
