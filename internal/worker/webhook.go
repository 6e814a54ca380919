package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nowcrm/dal/internal/jobs"
	"github.com/nowcrm/dal/internal/pkg/httpretry"
)

// CompletionNotifier posts a small JSON event to a configured webhook
// when a job reaches a terminal state. Delivery is fire-and-forget:
// failures are logged and never affect the job outcome.
type CompletionNotifier struct {
	url  string
	http *httpretry.RetryClient
}

// NewCompletionNotifier creates a notifier for the given URL.
func NewCompletionNotifier(url string) *CompletionNotifier {
	return &CompletionNotifier{
		url:  url,
		http: httpretry.NewRetryClient(&http.Client{Timeout: 10 * time.Second}, 2),
	}
}

type completionEvent struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	FinishedAt string `json:"finished_at"`
}

// Notify sends the event in the background.
func (n *CompletionNotifier) Notify(jobID uuid.UUID, kind jobs.Kind) {
	if n == nil || n.url == "" {
		return
	}
	go func() {
		body, _ := json.Marshal(completionEvent{
			JobID:      jobID.String(),
			Kind:       string(kind),
			FinishedAt: time.Now().UTC().Format(time.RFC3339),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			log.Printf("[Notifier] Build request for job %s: %v", jobID, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.http.Do(req)
		if err != nil {
			log.Printf("[Notifier] Webhook for job %s: %v", jobID, err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Printf("[Notifier] Webhook for job %s returned %d", jobID, resp.StatusCode)
		}
	}()
}
