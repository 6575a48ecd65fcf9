package gateway

import (
	"net/http"
	"time"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	"github.com/sjwalker189/mongodb-tools/pkg/httputil"
)

// healthResponse is the JSON structure used by healthHandler
type healthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		StartedAt: g.startedAt,
		Uptime:    time.Since(g.startedAt).Truncate(time.Second).String(),
	})
}

// statusHandler reports the feed's subscription state
func (g *Gateway) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Server healthResponse   `json:"server"`
		Feed   changefeed.Stats `json:"feed"`
	}{
		Server: healthResponse{
			Status:    "ok",
			StartedAt: g.startedAt,
			Uptime:    time.Since(g.startedAt).Truncate(time.Second).String(),
		},
		Feed: g.feed.Stats(),
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
