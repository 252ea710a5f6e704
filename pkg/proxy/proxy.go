package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/cuemby/modelctl/pkg/catalog"
	"github.com/cuemby/modelctl/pkg/ctlerr"
	"github.com/cuemby/modelctl/pkg/log"
	"github.com/cuemby/modelctl/pkg/metrics"
	"github.com/cuemby/modelctl/pkg/types"
)

// ModelSupervisor is the one Process Supervisor capability the proxy
// depends on, kept as a narrow interface so the proxy can be tested
// without spawning real subprocesses.
type ModelSupervisor interface {
	EnsureModelRunning(modelName string, requestedCtx, defaultCtx int) (types.Target, error)
}

// Config wires the proxy's collaborators and network address.
type Config struct {
	Addr               string
	Supervisor         ModelSupervisor
	Catalog            catalog.Catalog
	DefaultContextSize int // used when a request omits context_size
}

// Proxy is the chat-completions HTTP front end. It holds no request state
// beyond its collaborators: no caching, no retries.
type Proxy struct {
	cfg        Config
	httpServer *http.Server
}

// NewProxy constructs a Proxy ready to Start.
func NewProxy(cfg Config) *Proxy {
	if cfg.DefaultContextSize == 0 {
		cfg.DefaultContextSize = 4096
	}
	p := &Proxy{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", p.handleChatCompletions)
	mux.HandleFunc("/v1/models", p.handleModels)
	mux.HandleFunc("/health", p.handleHealth)

	p.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses may run indefinitely
		IdleTimeout:  120 * time.Second,
	}
	return p
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (p *Proxy) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.httpServer.Addr, err)
	}

	log.Logger.Info().Str("addr", p.httpServer.Addr).Msg("proxy listening")

	errCh := make(chan error, 1)
	go func() {
		if err := p.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return p.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type chatRequest struct {
	Model       string `json:"model"`
	Stream      bool   `json:"stream"`
	ContextSize int    `json:"context_size"`
}

// handleChatCompletions implements §4.3's algorithm: parse, ensure the
// model is running, forward (streaming-aware), map supervisor errors to
// HTTP status.
func (p *Proxy) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		http.Error(w, "malformed request: \"model\" is required", http.StatusBadRequest)
		return
	}

	target, err := p.cfg.Supervisor.EnsureModelRunning(req.Model, req.ContextSize, p.cfg.DefaultContextSize)
	if err != nil {
		p.writeSupervisorError(w, req.Model, err)
		metrics.ProxyRequestsTotal.WithLabelValues(req.Model, "error").Inc()
		return
	}

	status := p.forward(w, r, target, body, req.Stream)
	metrics.ProxyRequestsTotal.WithLabelValues(req.Model, fmt.Sprintf("%d", status)).Inc()
	metrics.ProxyRequestDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
}

// writeSupervisorError maps the supervisor's error taxonomy to the HTTP
// response codes specified in §4.3 step 3.
func (p *Proxy) writeSupervisorError(w http.ResponseWriter, model string, err error) {
	code, ok := ctlerr.CodeOf(err)
	if !ok {
		log.Logger.Error().Str("model", model).Err(err).Msg("unclassified supervisor error")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch code {
	case ctlerr.NotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case ctlerr.Loading:
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case ctlerr.Fatal:
		log.Logger.Error().Str("model", model).Err(err).Msg("model spawn or health check failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		log.Logger.Error().Str("model", model).Err(err).Msg("unexpected supervisor error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// forward proxies body to target's chat-completions endpoint, filtering
// hop-by-hop headers and streaming the response back as SSE when stream
// is set. It returns the status code written to w.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, target types.Target, body []byte, stream bool) int {
	targetURL, err := url.Parse(target.BaseURL)
	if err != nil {
		http.Error(w, "invalid upstream target", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	rp := httputil.NewSingleHostReverseProxy(targetURL)
	rp.Director = func(req *http.Request) {
		req.URL.Scheme = targetURL.Scheme
		req.URL.Host = targetURL.Host
		req.URL.Path = "/v1/chat/completions"
		req.Host = targetURL.Host
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		stripHopByHopHeaders(req.Header)
	}

	statusCode := http.StatusOK
	rp.ModifyResponse = func(resp *http.Response) error {
		statusCode = resp.StatusCode
		stripHopByHopHeaders(resp.Header)
		if stream {
			resp.Header.Set("Content-Type", "text/event-stream")
			resp.Header.Set("Cache-Control", "no-cache")
			resp.Header.Set("X-Accel-Buffering", "no")
		}
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Logger.Error().Str("target", target.BaseURL).Err(err).Msg("proxy forward failed")
		statusCode = http.StatusBadGateway
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	if stream {
		rp.FlushInterval = -1 // flush every write, immediately
	}

	rp.ServeHTTP(w, r)
	return statusCode
}

func (p *Proxy) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := p.cfg.Catalog.List()
	models := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		models = append(models, map[string]any{
			"id":       e.ModelName,
			"object":   "model",
			"created":  e.CreatedAt.Unix(),
			"owned_by": "modelctl",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
