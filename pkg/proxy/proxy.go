// Package proxy implements the API Filtering Proxy: a local HTTP reverse
// proxy in front of the real cluster API that hides chaos-engineering
// namespaces from the agent under test (spec.md §4.5).
//
// Grounded on wisbric-nightowl's chi-based HTTP server (internal/httpserver)
// for the router/middleware shape, generalized from "authenticated API
// server" to "transparent filtering reverse proxy" — there is no
// authentication layer here, since the proxy itself holds the privileged
// credential and the agent never sees it.
package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"k8s.io/client-go/rest"
)

// namespacedKinds are the thirteen namespaced resource kinds spec.md §4.5
// names as subject to list-payload filtering.
var namespacedKinds = map[string]bool{
	"pods": true, "services": true, "events": true, "configmaps": true,
	"secrets": true, "endpoints": true, "persistentvolumeclaims": true,
	"deployments": true, "replicasets": true, "statefulsets": true,
	"daemonsets": true, "jobs": true, "cronjobs": true,
}

// Options configures the Proxy.
type Options struct {
	ListenAddr      string // defaults to 127.0.0.1:0 (loopback, any free port)
	HiddenNamespaces []string

	// AllowedOrigins enables CORS for browser-based tool callers (e.g. an
	// agent harness UI polling the proxy directly). Empty disables the
	// middleware entirely rather than defaulting to "allow everything".
	AllowedOrigins []string
}

// Proxy relays requests to the real cluster API, rejecting hidden-namespace
// paths outright and filtering hidden namespaces out of list responses.
//
// Per spec.md §8, state is minimal: the hidden-namespace set is immutable
// after New, so no mutex is needed on the hot request path.
type Proxy struct {
	router  chi.Router
	server  *http.Server
	logger  *slog.Logger

	upstream   *url.URL
	transport  http.RoundTripper
	hiddenNS   map[string]bool

	listener net.Listener
}

// New builds a Proxy that relays to the given REST config's host, loaded
// once at construction — the proxy never re-reads kubeconfig afterward, so
// a client-supplied override can't cause a self-loop (spec.md §4.5).
func New(restCfg *rest.Config, opts Options) (*Proxy, error) {
	upstream, err := url.Parse(restCfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parse upstream host: %w", err)
	}

	transport, err := rest.TransportFor(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build upstream transport: %w", err)
	}

	hidden := make(map[string]bool, len(opts.HiddenNamespaces))
	for _, ns := range opts.HiddenNamespaces {
		hidden[ns] = true
	}

	p := &Proxy{
		upstream:  upstream,
		transport: transport,
		hiddenNS:  hidden,
		logger:    slog.With("component", "filtering_proxy"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(p.requestLogger)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}
	r.NotFound(p.handleProxy)
	p.router = r

	addr := opts.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	p.server = &http.Server{Addr: addr, Handler: r}
	return p, nil
}

// Start binds the listener and serves in the background. Returns once bound
// so callers can read Addr() immediately.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("bind filtering proxy: %w", err)
	}
	p.listener = ln
	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("filtering proxy stopped serving", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound loopback address (host:port) once Start has run.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Stop gracefully shuts the proxy down.
func (p *Proxy) Stop(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

func (p *Proxy) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		p.logger.Debug("proxied request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// hiddenNamespaceInPath extracts the namespace segment from a
// ".../namespaces/<ns>/..." path, if present.
func hiddenNamespaceInPath(path string) (string, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if seg == "namespaces" && i+1 < len(segments) {
			return segments[i+1], true
		}
	}
	return "", false
}

func (p *Proxy) handleProxy(w http.ResponseWriter, r *http.Request) {
	if ns, ok := hiddenNamespaceInPath(r.URL.Path); ok && p.hiddenNS[ns] {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = p.upstream.Scheme
			req.URL.Host = p.upstream.Host
			req.Host = p.upstream.Host
			req.Header.Del("Accept-Encoding")
		},
		ModifyResponse: p.filterResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if isBrokenPipe(err) {
				p.logger.Debug("client disconnected mid-request", "path", r.URL.Path)
				return
			}
			p.logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}

func isBrokenPipe(err error) bool {
	return strings.Contains(err.Error(), "broken pipe") || strings.Contains(err.Error(), "connection reset")
}

// filterResponse decodes gzip if present, strips hidden-namespace items from
// list payloads, and rewrites framing headers accordingly (spec.md §4.5
// steps 3-5).
func (p *Proxy) filterResponse(resp *http.Response) error {
	body, err := readAndDecompress(resp)
	if err != nil {
		return err
	}

	if isListEndpoint(resp.Request.URL.Path) {
		filtered, err := filterListPayload(body, p.hiddenNS)
		if err == nil {
			body = filtered
		} else {
			p.logger.Warn("list payload filter skipped (not JSON list shape)", "path", resp.Request.URL.Path, "error", err)
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.ContentLength = int64(len(body))
	return nil
}

func readAndDecompress(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gunzip upstream response: %w", err)
		}
		defer gz.Close()
		return io.ReadAll(gz)
	}
	return io.ReadAll(resp.Body)
}

// isListEndpoint reports whether path names the cluster-wide namespaces list
// or a (possibly namespaced) list of one of the thirteen documented kinds.
func isListEndpoint(path string) bool {
	trimmed := strings.TrimSuffix(strings.Trim(path, "/"), "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) == 0 {
		return false
	}
	last := segments[len(segments)-1]
	if last == "namespaces" {
		return true
	}
	return namespacedKinds[last]
}

type objectMeta struct {
	Metadata struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
	} `json:"metadata"`
}

// filterListPayload removes items (or rows) whose namespace (or, for the
// namespaces list itself, name) is in hidden.
func filterListPayload(body []byte, hidden map[string]bool) ([]byte, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, err
	}

	if raw, ok := generic["items"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		kept := make([]json.RawMessage, 0, len(items))
		for _, item := range items {
			if !shouldHide(item, hidden) {
				kept = append(kept, item)
			}
		}
		rewritten, err := json.Marshal(kept)
		if err != nil {
			return nil, err
		}
		generic["items"] = rewritten
		return json.Marshal(generic)
	}

	if raw, ok := generic["rows"]; ok {
		var rows []struct {
			Object json.RawMessage `json:"object"`
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		kept := make([]json.RawMessage, 0, len(rows))
		for _, row := range rows {
			if !shouldHide(row.Object, hidden) {
				b, err := json.Marshal(map[string]json.RawMessage{"object": row.Object})
				if err != nil {
					return nil, err
				}
				kept = append(kept, b)
			}
		}
		rewritten, err := json.Marshal(kept)
		if err != nil {
			return nil, err
		}
		generic["rows"] = rewritten
		return json.Marshal(generic)
	}

	return nil, fmt.Errorf("payload is neither items[] nor rows[].object shaped")
}

func shouldHide(raw json.RawMessage, hidden map[string]bool) bool {
	var meta objectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return false
	}
	if meta.Metadata.Namespace != "" {
		return hidden[meta.Metadata.Namespace]
	}
	// Namespaces list: the item itself IS a namespace, identified by name.
	return hidden[meta.Metadata.Name]
}
