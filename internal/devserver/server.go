// Package devserver is an in-process stub of the compliance backend: the REST
// contract plus per-task websockets, with a fake analysis pipeline behind
// them. It backs the dev-server command and end-to-end tests; it is not a real
// analysis engine.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/planproof/planproof/internal/compliance"
	"github.com/planproof/planproof/internal/project"
	"github.com/planproof/planproof/pkg/cerr"
	"github.com/planproof/planproof/pkg/clog"
)

type Options struct {
	Addr      string
	JWTSecret string
	// StepDelay is the pause between fake pipeline progress frames.
	StepDelay time.Duration
	Logger    *slog.Logger
}

type Server struct {
	store     *store
	secret    []byte
	stepDelay time.Duration
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	addr   string
	server *http.Server
}

func New(opts Options) *Server {
	if opts.JWTSecret == "" {
		opts.JWTSecret = "planproof-dev-secret"
	}
	if opts.StepDelay <= 0 {
		opts.StepDelay = 400 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Addr == "" {
		opts.Addr = "localhost:8000"
	}
	return &Server{
		store:     newStore(),
		secret:    []byte(opts.JWTSecret),
		stepDelay: opts.StepDelay,
		logger:    opts.Logger,
		addr:      opts.Addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the full middleware and routing stack. Exposed so tests can
// mount it on httptest.Server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(clog.SlogChiMiddleware())

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/register", s.handleRegister)
	r.Get("/auth/me", s.handleMe)

	r.Get("/project/get", s.handleListProjects)
	r.Post("/project/create", s.handleCreateProject)

	r.Post("/compliance/check/{projectID}", s.handleStartCheck)
	r.Get("/compliance/record/{projectID}", s.handleListRecords)
	r.Get("/compliance/compliance-record/{complianceID}", s.handleGetRecord)
	r.Patch("/compliance/{projectID}/{complianceID}/decision", s.handleDecision)
	r.Get("/compliance/{projectID}/{complianceID}/download", s.handleDownload)

	r.Get("/ws/compliance-check/{taskID}", s.handleStream)

	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.authMiddleware(r))
}

// ListenAndServe starts the stub server. The context is the base context for
// all requests, so cancelling it also ends open streams.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.logger.Info("starting dev server", slog.String("addr", s.addr))
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     h2c.NewHandler(s.Handler(), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type authPayload struct {
	AccessToken string `json:"access_token"`
	User        any    `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.InvalidArgument, "invalid login payload", err))
		return
	}
	user, err := s.store.authenticate(req.Email, req.Password)
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, err)
		return
	}
	token, err := s.issueToken(user.Email)
	cerr.ExtractHTTPResponse(r.Context(), w, authPayload{AccessToken: token, User: user}, err)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.InvalidArgument, "invalid register payload", err))
		return
	}
	if req.Email == "" || req.Password == "" {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.InvalidArgument, "email and password are required", nil))
		return
	}
	user, err := s.store.register(req.Email, req.Password, req.FullName)
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, err)
		return
	}
	token, err := s.issueToken(user.Email)
	cerr.ExtractHTTPResponse(r.Context(), w, authPayload{AccessToken: token, User: user}, err)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.userByEmail(r.Header.Get(userEmailHeader))
	cerr.ExtractHTTPResponse(r.Context(), w, user, err)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	cerr.ExtractHTTPResponse(r.Context(), w, s.store.listProjects(), nil)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req project.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.InvalidArgument, "invalid project payload", err))
		return
	}
	if req.ApplicantName == "" {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.InvalidArgument, "applicant_name is required", nil))
		return
	}
	cerr.ExtractHTTPResponse(r.Context(), w, s.store.createProject(req), nil)
}

func (s *Server) handleStartCheck(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, err)
		return
	}
	if !s.store.hasProject(projectID) {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.NotFound, "project not found", nil))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.InvalidArgument, "multipart field file is required", err))
		return
	}
	defer file.Close()
	_, _ = io.Copy(io.Discard, file)

	task := s.store.createTask(projectID, header.Filename)
	s.logger.Info("launched fake compliance check",
		slog.String("task_id", task.id),
		slog.Int64("project_id", projectID),
		slog.String("filename", header.Filename))
	cerr.ExtractHTTPResponse(r.Context(), w, compliance.TaskDescriptor{
		TaskID:       task.id,
		Status:       "processing",
		Message:      "compliance check started",
		WebsocketURL: "/ws/compliance-check/" + task.id,
		ComplianceID: task.complianceID,
		ProjectID:    projectID,
	}, nil)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, err)
		return
	}
	records := s.store.recordsForProject(projectID)
	if records == nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.NotFound, "no compliance records for project", nil))
		return
	}
	cerr.ExtractHTTPResponse(r.Context(), w, records, nil)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	complianceID, err := pathID(r, "complianceID")
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, err)
		return
	}
	record, err := s.store.record(complianceID)
	cerr.ExtractHTTPResponse(r.Context(), w, record, err)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, err)
		return
	}
	complianceID, err := pathID(r, "complianceID")
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, err)
		return
	}
	var req struct {
		Decision compliance.Decision `json:"compliance_decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.InvalidArgument, "invalid decision payload", err))
		return
	}
	if !req.Decision.Valid() {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid decision %q", req.Decision), nil))
		return
	}
	record, err := s.store.setDecision(projectID, complianceID, req.Decision)
	cerr.ExtractHTTPResponse(r.Context(), w, record, err)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, err)
		return
	}
	complianceID, err := pathID(r, "complianceID")
	if err != nil {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, err)
		return
	}
	record, err := s.store.record(complianceID)
	if err != nil || record.ProjectID != projectID {
		cerr.ExtractHTTPResponse(r.Context(), w, nil, cerr.NewError(cerr.NotFound, "compliance record not found", err))
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="compliance-%d.json"`, complianceID))
	cerr.ExtractHTTPResponse(r.Context(), w, record, nil)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid %s", name), err)
	}
	return id, nil
}
