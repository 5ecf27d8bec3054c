package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/auth"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/dao"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/hardening"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/httpx"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/metrics"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/store"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/stream"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Governance *dao.Governance
	Treasury   *dao.Treasury
	Events     *stream.Hub
	Metrics    *metrics.Registry
	AuthMode   string
	AuthSecret string
}

type govInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type govOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type govListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryGv = telemetry.Init
	openRedisFnGv   = store.NewRedis
	listenFnGv      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	_ = godotenv.Load()
	if err := runGovernance(initTelemetryGv, openRedisFnGv, listenFnGv); err != nil {
		logFatalf("governance: %v", err)
	}
}

func runGovernance(
	initTelemetry govInitTelemetryFunc,
	openRedis govOpenRedisFunc,
	listen govListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "governance")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	// Governance state lives entirely in Redis; there is no in-memory fallback.
	redisClient, err := openRedis(ctx)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	hub := stream.NewHub()
	s := &Server{
		Governance: dao.NewGovernance(redisClient, hub),
		Treasury:   dao.NewTreasury(redisClient, hub),
		Events:     hub,
		Metrics:    metrics.NewRegistry(),
		AuthMode:   env("AUTH_MODE", "hs256"),
		AuthSecret: env("AUTH_HS256_SECRET", ""),
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if hardening.IsProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "governance",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_HS256_SECRET", Value: s.AuthSecret},
		},
	}); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("governance"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "governance"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("AUTH_ISSUER", "sangkuriang")),
		auth.WithAudience(env("AUTH_AUDIENCE", "governance")),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Post("/v1/dao/proposals", s.withRoles(s.createProposal, "daomember", "operator"))
	authRouter.Get("/v1/dao/proposals", s.withRoles(s.listProposals, "daomember", "operator", "auditor"))
	authRouter.Get("/v1/dao/proposals/{proposal_id}", s.withRoles(s.getProposal, "daomember", "operator", "auditor"))
	authRouter.Post("/v1/dao/proposals/{proposal_id}/activate", s.withRoles(s.activateProposal, "operator"))
	authRouter.Post("/v1/dao/proposals/{proposal_id}/votes", s.withRoles(s.castVote, "daomember"))
	authRouter.Get("/v1/dao/proposals/{proposal_id}/tally", s.withRoles(s.tallyProposal, "daomember", "operator", "auditor"))
	authRouter.Post("/v1/dao/proposals/{proposal_id}/finalize", s.withRoles(s.finalizeProposal, "operator"))
	authRouter.Post("/v1/dao/proposals/{proposal_id}/queue", s.withRoles(s.queueProposal, "operator"))
	authRouter.Post("/v1/dao/proposals/{proposal_id}/execute", s.withRoles(s.executeProposal, "operator"))
	authRouter.Post("/v1/dao/proposals/{proposal_id}/cancel", s.withRoles(s.cancelProposal, "operator"))
	authRouter.Post("/v1/dao/treasury/{account}/deposits", s.withRoles(s.deposit, "operator", "financemanager"))
	authRouter.Get("/v1/dao/treasury/{account}/balance", s.withRoles(s.balance, "operator", "financemanager", "auditor"))
	authRouter.Post("/v1/dao/treasury/transfers", s.withRoles(s.requestTransfer, "operator", "financemanager"))
	authRouter.Get("/v1/dao/treasury/transfers/{transfer_id}", s.withRoles(s.getTransfer, "operator", "financemanager", "auditor"))
	authRouter.Post("/v1/dao/treasury/transfers/{transfer_id}/approve", s.withRoles(s.approveTransfer, "financemanager"))
	authRouter.Post("/v1/dao/treasury/transfers/{transfer_id}/execute", s.withRoles(s.executeTransfer, "operator", "financemanager"))
	authRouter.Post("/v1/dao/treasury/transfers/{transfer_id}/cancel", s.withRoles(s.cancelTransfer, "operator", "financemanager"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "daomember", "operator", "auditor"))
	r.Mount("/", authRouter)

	addr := env("ADDR", ":8082")
	log.Printf("governance listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) createProposal(w http.ResponseWriter, r *http.Request) {
	var req dao.CreateProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	p, err := s.Governance.Create(r.Context(), req)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 201, p)
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	items, err := s.Governance.List(r.Context(), limit)
	if err != nil {
		httpx.Error(w, 500, "failed to list proposals")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": items})
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.Governance.Get(r.Context(), chi.URLParam(r, "proposal_id"))
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, p)
}

func (s *Server) activateProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalVotingPower int64 `json:"total_voting_power"`
		VotingPeriodSec  int64 `json:"voting_period_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	p, err := s.Governance.Activate(r.Context(), chi.URLParam(r, "proposal_id"), req.TotalVotingPower, time.Duration(req.VotingPeriodSec)*time.Second)
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, p)
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Voter  string `json:"voter"`
		Choice string `json:"choice"`
		Power  int64  `json:"power"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && req.Voter == "" {
		req.Voter = principal.Subject
	}
	vote, err := s.Governance.CastVote(r.Context(), chi.URLParam(r, "proposal_id"), req.Voter, req.Choice, req.Power)
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	s.Metrics.IncDAOVote(vote.Choice)
	httpx.WriteJSON(w, 201, vote)
}

func (s *Server) tallyProposal(w http.ResponseWriter, r *http.Request) {
	tally, err := s.Governance.Tally(r.Context(), chi.URLParam(r, "proposal_id"))
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, tally)
}

func (s *Server) finalizeProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.Governance.Finalize(r.Context(), chi.URLParam(r, "proposal_id"))
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, p)
}

func (s *Server) queueProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.Governance.Queue(r.Context(), chi.URLParam(r, "proposal_id"))
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, p)
}

func (s *Server) executeProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.Governance.Execute(r.Context(), chi.URLParam(r, "proposal_id"))
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, p)
}

func (s *Server) cancelProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.Governance.Cancel(r.Context(), chi.URLParam(r, "proposal_id"))
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, p)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountIDR int64 `json:"amount_idr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	balance, err := s.Treasury.Deposit(r.Context(), chi.URLParam(r, "account"), req.AmountIDR)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"account": chi.URLParam(r, "account"), "balance_idr": balance})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.Treasury.Balance(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		httpx.Error(w, 500, "failed to read balance")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"account": chi.URLParam(r, "account"), "balance_idr": balance})
}

func (s *Server) requestTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAccount       string `json:"from_account"`
		ToAccount         string `json:"to_account"`
		AmountIDR         int64  `json:"amount_idr"`
		RequiredApprovals int    `json:"required_approvals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	transfer, err := s.Treasury.RequestTransfer(r.Context(), req.FromAccount, req.ToAccount, req.AmountIDR, req.RequiredApprovals)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 201, transfer)
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := s.Treasury.GetTransfer(r.Context(), chi.URLParam(r, "transfer_id"))
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, transfer)
}

func (s *Server) approveTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && req.Approver == "" {
		req.Approver = principal.Subject
	}
	transfer, err := s.Treasury.Approve(r.Context(), chi.URLParam(r, "transfer_id"), req.Approver)
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, transfer)
}

func (s *Server) executeTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := s.Treasury.Execute(r.Context(), chi.URLParam(r, "transfer_id"))
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, transfer)
}

func (s *Server) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := s.Treasury.Cancel(r.Context(), chi.URLParam(r, "transfer_id"))
	if err != nil {
		s.writeDAOError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, transfer)
}

func (s *Server) writeDAOError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dao.ErrProposalNotFound), errors.Is(err, dao.ErrTransferNotFound):
		httpx.Error(w, 404, "not found")
	case errors.Is(err, dao.ErrAlreadyVoted), errors.Is(err, dao.ErrDuplicateApproval):
		httpx.Error(w, 409, err.Error())
	case errors.Is(err, dao.ErrNotVotable), errors.Is(err, dao.ErrVotingOpen),
		errors.Is(err, dao.ErrInvalidTransition), errors.Is(err, dao.ErrTransferState):
		httpx.Error(w, 409, err.Error())
	case errors.Is(err, dao.ErrBadChoice):
		httpx.Error(w, 400, err.Error())
	case errors.Is(err, dao.ErrInsufficientFunds), errors.Is(err, dao.ErrConcurrentTransfer):
		httpx.Error(w, 409, err.Error())
	default:
		httpx.Error(w, 500, "governance operation failed")
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
