// Package webhook posts terminal task events to a configured HTTP endpoint.
// Delivery is best-effort and asynchronous; the dispatch path never waits on
// it.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"mediaflow/internal/db"
)

// Notifier sends task terminal events to one webhook URL.
type Notifier struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// New creates a Notifier; an empty URL yields a nil Notifier, which is safe
// to skip at wiring time.
func New(url string, log zerolog.Logger) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("component", "webhook").Logger(),
	}
}

// event is the delivered payload.
type event struct {
	Event         string     `json:"event"`
	TaskID        int64      `json:"task_id"`
	Type          string     `json:"type"`
	Status        string     `json:"status"`
	ResultSummary string     `json:"result_summary,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// TaskTerminal delivers a terminal-status event in the background.
func (n *Notifier) TaskTerminal(task *db.Task) {
	evt := event{
		Event:         "task." + string(task.Status),
		TaskID:        task.ID,
		Type:          string(task.Type),
		Status:        string(task.Status),
		ResultSummary: truncate(task.ResultSummary, 2000),
		ErrorMessage:  truncate(task.ErrorMessage, 2000),
		RetryCount:    task.RetryCount,
		FinishedAt:    task.FinishedAt,
	}

	go func() {
		if err := n.post(evt); err != nil {
			n.log.Warn().Int64("task_id", task.ID).Err(err).Msg("webhook delivery failed")
		}
	}()
}

func (n *Notifier) post(evt event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
