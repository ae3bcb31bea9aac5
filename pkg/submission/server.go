// Package submission implements the Submission API: the HTTP surface an
// agent process (or an MCP-style tool caller) uses to talk to the
// Conductor (spec.md §4.8, §6).
//
// Grounded on the teacher's cmd/tarsy/main.go gin wiring (gin.New() +
// explicit route registration, JSON responses via gin.H) rather than the
// go.mod-absent echo import in pkg/api/server.go — see DESIGN.md "go.mod
// inconsistency: gin vs echo".
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kwang1012/sregym/pkg/conductor"
	"github.com/kwang1012/sregym/pkg/errs"
)

// shutdownGrace bounds how long the HTTP server takes to stop serving once
// Shutdown is called (spec.md §4.8 "exits within 5 seconds").
const shutdownGrace = 5 * time.Second

// Server is the gin-backed Submission API. It owns no signal handling of
// its own — request_shutdown/Shutdown is the only way it stops serving, so
// the owning process (the `sregym serve` command) retains SIGINT ownership via the
// Crash-Safety Layer instead of letting the HTTP framework install its own
// handler (spec.md §4.8).
type Server struct {
	router    *gin.Engine
	http      *http.Server
	listener  net.Listener
	conductor *conductor.Conductor
	logger    *slog.Logger
}

// Options configures server construction.
type Options struct {
	ListenAddr string
}

// New builds a Server around a Conductor. Call Start to begin serving.
func New(c *conductor.Conductor, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		conductor: c,
		logger:    slog.With("component", "submission_server"),
	}
	router.POST("/submit", s.handleSubmit)
	router.GET("/status", s.handleStatus)
	router.GET("/get_app", s.handleGetApp)
	router.GET("/get_problem", s.handleGetProblem)
	router.GET("/tools/submit/stream", s.handleSubmitSSE)
	s.router = router
	s.http = &http.Server{Addr: opts.ListenAddr, Handler: router}
	return s
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("submission server exited", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops serving new requests within shutdownGrace, letting
// in-flight submissions complete or error (spec.md §4.8, §5).
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.http.Shutdown(ctx)
}

type submitRequest struct {
	Solution string `json:"solution" form:"solution"`
}

// handleSubmit implements POST /submit: wraps the raw solution into the
// fenced submit(<repr>) wire format and hands it to the Conductor. A 400
// covers both parser rejection and a wrong-stage submission; spec.md §6
// treats both the same way at the HTTP boundary.
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess, err := s.conductor.Submit(c.Request.Context(), wrapSolution(req.Solution))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Results)
}

// handleSubmitSSE is the optional MCP-style tool endpoint (spec.md §6):
// the same submit(ans) call, delivered as a single server-sent event so an
// LLM-agent tool runner that expects a streamed response can consume it
// without a second round-trip. Built on gin's SSEvent helper, which is
// already part of the teacher's transitive dependency set
// (github.com/gin-contrib/sse) via gin-gonic/gin itself.
func (s *Server) handleSubmitSSE(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.SSEvent("error", "invalid request")
		return
	}

	sess, err := s.conductor.Submit(c.Request.Context(), wrapSolution(req.Solution))
	if err != nil {
		c.SSEvent("error", err.Error())
		return
	}
	c.SSEvent("result", sess.Results)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stage": string(s.conductor.Status())})
}

func (s *Server) handleGetApp(c *gin.Context) {
	name, namespace, description, ok := s.conductor.GetApp()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active app"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"app_name": name, "namespace": namespace, "description": description})
}

func (s *Server) handleGetProblem(c *gin.Context) {
	problemID, ok := s.conductor.GetProblem()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active problem"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"problem_id": problemID})
}

// wrapSolution repr-encodes raw (tolerating backticks, quotes, and
// newlines per spec.md §4.8/§4.10) and embeds it in the fenced
// submit(<repr>) call the Conductor's parser expects. pkg/parser decodes
// the \n, \t, \" and \\ escapes strconv.Quote emits, so printable text,
// quotes, backticks, newlines and tabs round-trip exactly; other escapes
// Quote emits (\r, \xNN, \uNNNN) are read back as their bare letter.
func wrapSolution(raw string) string {
	return "```\nsubmit(" + strconv.Quote(raw) + ")\n```"
}

// IsWrongStage reports whether err is the sentinel the Conductor returns
// for a submission against a non-grading stage, for callers that want to
// distinguish it from a parse/format rejection.
func IsWrongStage(err error) bool {
	return errors.Is(err, errs.ErrWrongStage)
}
