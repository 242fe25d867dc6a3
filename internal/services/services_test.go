package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/icube-dev/traego/internal/auth"
	"github.com/icube-dev/traego/internal/config"
	"github.com/icube-dev/traego/internal/trace"
	"github.com/icube-dev/traego/internal/transport"
)

// newTestTransport wires a transport and auth manager against srv with
// a long-lived token.
func newTestTransport(srv *httptest.Server) (*transport.Transport, *auth.Manager) {
	cfg := config.Default()
	cfg.BaseURL = srv.URL
	cfg.EnableLogging = false
	cfg.RetryDelay = time.Millisecond

	am := auth.NewManager(cfg.BaseURL, cfg.UserAgent(), "", auth.WithHTTPClient(srv.Client()))
	am.UpdateTokenInfo("svc-token", time.Now().Add(24*time.Hour))

	tp := transport.New(&cfg, am, trace.New(), transport.WithHTTPClient(srv.Client()))
	return tp, am
}

func writeEnvelope(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ResponseMetadata": map[string]string{"RequestId": "req-test"},
		"Result":           json.RawMessage(raw),
	})
}
