package monitor

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/httpx"
)

// WebhookNotifier POSTs alert transitions as JSON to an external endpoint.
type WebhookNotifier struct {
	URL     string
	Client  *http.Client
	Retries int
}

func (n WebhookNotifier) Notify(ctx context.Context, a Alert) {
	if n.URL == "" {
		return
	}
	body, err := json.Marshal(a)
	if err != nil {
		log.Printf("monitor: marshal alert: %v", err)
		return
	}
	status, _, err := httpx.RequestJSON(ctx, n.Client, http.MethodPost, n.URL,
		body, map[string]string{"Content-Type": "application/json"}, n.Retries, time.Second)
	if err != nil {
		log.Printf("monitor: webhook %s: %v", n.URL, err)
		return
	}
	if status >= 300 {
		log.Printf("monitor: webhook %s returned %d", n.URL, status)
	}
}
