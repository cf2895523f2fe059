package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/aggregate"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/auth"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/config"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/rbac"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/report"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/window"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/workflow"
)

type Session struct {
	Token     string
	Username  string
	Role      rbac.Role
	JTI       string
	ExpiresAt time.Time
}

type registryClient interface {
	workflow.Persistence
	Login(ctx context.Context, username, password string) (registry.Account, error)
	Ping(ctx context.Context) error
}

type permissionSource interface {
	Decision(ctx context.Context, identity window.Identity) window.Decision
	Unwatch(username string)
}

type reportExporter interface {
	Export(ctx context.Context, input report.Input, format report.Format) (*report.Result, error)
}

// TableInfo is one entry of the table picker.
type TableInfo struct {
	Name    string   `json:"tableName"`
	Buckets []string `json:"buckets"`
}

type Service struct {
	cfg         config.Config
	registry    registryClient
	permissions permissionSource
	reports     reportExporter
	schemas     *schema.Registry
	engine      *aggregate.Engine
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	workflows map[string]*workflow.Workflow
}

func New(cfg config.Config, client registryClient, permissions permissionSource, reports reportExporter, schemas *schema.Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:         cfg,
		registry:    client,
		permissions: permissions,
		reports:     reports,
		schemas:     schemas,
		engine:      aggregate.New(schemas),
		logger:      logger,
		now:         time.Now,
		workflows:   make(map[string]*workflow.Workflow),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.registry.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "username and password are required", nil)
	}
	account, err := s.registry.Login(ctx, username, password)
	if errors.Is(err, registry.ErrUnauthorized) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	if err != nil {
		return Session{}, domainError(http.StatusBadGateway, "REGISTRY_UNAVAILABLE", "The registry could not be reached", nil)
	}
	if account.Username == "" {
		account.Username = username
	}
	role := rbac.Normalize(account.Role)
	token, claims, err := auth.Issue([]byte(s.cfg.TokenSecret), account.Username, string(role), s.cfg.TokenTTL)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("signed in", zap.String("username", account.Username), zap.String("role", string(role)))
	return Session{
		Token:     token,
		Username:  claims.Username,
		Role:      role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Username:  claims.Username,
		Role:      rbac.Normalize(claims.Role),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout drops the user's workflow unless an upload is in flight.
func (s *Service) Logout(session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flow, ok := s.workflows[session.Username]; ok {
		if err := flow.Close(); err != nil {
			return err
		}
		delete(s.workflows, session.Username)
	}
	s.permissions.Unwatch(session.Username)
	return nil
}

func (s *Service) workflowFor(session Session) *workflow.Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flow, ok := s.workflows[session.Username]; ok {
		return flow
	}
	flow := workflow.New(window.Identity{Username: session.Username}, workflow.Deps{
		Schemas:     s.schemas,
		Engine:      s.engine,
		Permissions: s.permissions,
		Persistence: s.registry,
		Logger:      s.logger,
		Clock:       s.now,
	})
	s.workflows[session.Username] = flow
	return flow
}

func authorize(session Session, action rbac.Action) error {
	if !rbac.Can(session.Role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) Tables() []TableInfo {
	names := s.schemas.Tables()
	tables := make([]TableInfo, 0, len(names))
	for _, name := range names {
		table, err := s.schemas.Get(name)
		if err != nil {
			continue
		}
		tables = append(tables, TableInfo{Name: name, Buckets: table.Buckets()})
	}
	return tables
}

// TableSchema returns a table's fields with the labels each code maps to.
func (s *Service) TableSchema(name string) (map[string]any, error) {
	table, err := s.schemas.Get(name)
	if err != nil {
		return nil, err
	}
	dictionaries := make(map[string]map[string]string, len(table.Fields))
	for _, field := range table.Fields {
		dict, err := s.schemas.Dictionary(name, field.DictionaryKey)
		if err != nil {
			return nil, err
		}
		dictionaries[field.DictionaryKey] = dict.Entries()
	}
	return map[string]any{
		"tableName":    table.Name,
		"fields":       table.Fields,
		"dictionaries": dictionaries,
	}, nil
}

func (s *Service) Window(ctx context.Context, session Session) window.Decision {
	return s.permissions.Decision(ctx, window.Identity{Username: session.Username})
}

// Statuses returns the per-table display statuses. reconcile refetches them
// from the registry first.
func (s *Service) Statuses(ctx context.Context, session Session, reconcile bool) (map[string]string, error) {
	if err := authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	flow := s.workflowFor(session)
	if reconcile {
		return flow.Reconcile(ctx), nil
	}
	return flow.Statuses(), nil
}

func (s *Service) Open(session Session, table string) (workflow.Snapshot, error) {
	if err := authorize(session, rbac.ActionUpload); err != nil {
		return workflow.Snapshot{}, err
	}
	flow := s.workflowFor(session)
	if err := flow.Open(table); err != nil {
		return workflow.Snapshot{}, err
	}
	return flow.Preview(), nil
}

// SelectFile validates file against table. A preview of the same table is
// discarded first; any other table has to be finished or closed.
func (s *Service) SelectFile(ctx context.Context, session Session, table string, file workflow.File) (workflow.Snapshot, error) {
	if err := authorize(session, rbac.ActionUpload); err != nil {
		return workflow.Snapshot{}, err
	}
	flow := s.workflowFor(session)
	current := flow.Preview()
	switch {
	case current.Table == table && current.Stage == workflow.StageSelecting:
	case current.Table == table && current.Stage == workflow.StagePreviewing:
		if err := flow.Reject(); err != nil {
			return workflow.Snapshot{}, err
		}
	default:
		if err := flow.Open(table); err != nil {
			return workflow.Snapshot{}, err
		}
	}
	return flow.Select(ctx, file)
}

func (s *Service) Current(session Session) workflow.Snapshot {
	return s.workflowFor(session).Preview()
}

func (s *Service) Confirm(ctx context.Context, session Session, attachment *registry.Attachment) (workflow.Snapshot, error) {
	if err := authorize(session, rbac.ActionUpload); err != nil {
		return workflow.Snapshot{}, err
	}
	return s.workflowFor(session).Confirm(ctx, attachment)
}

func (s *Service) Reject(session Session) (workflow.Snapshot, error) {
	flow := s.workflowFor(session)
	if err := flow.Reject(); err != nil {
		return workflow.Snapshot{}, err
	}
	return flow.Preview(), nil
}

func (s *Service) Close(session Session) (workflow.Snapshot, error) {
	flow := s.workflowFor(session)
	if err := flow.Close(); err != nil {
		return workflow.Snapshot{}, err
	}
	return flow.Preview(), nil
}

// Report renders the current preview as a printable document.
func (s *Service) Report(ctx context.Context, session Session, format report.Format) (*report.Result, error) {
	snapshot := s.workflowFor(session).Preview()
	if snapshot.Result == nil {
		return nil, domainError(http.StatusConflict, "NO_PREVIEW", "There is no preview to print", nil)
	}
	if s.cfg.ReportTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ReportTimeout)
		defer cancel()
	}
	return s.reports.Export(ctx, report.Input{
		Username:    session.Username,
		CensusYear:  snapshot.Year,
		FileName:    snapshot.FileName,
		GeneratedAt: s.now(),
		Result:      *snapshot.Result,
	}, format)
}

func (s *Service) MarkNotAvailable(ctx context.Context, session Session, table, reason string) (map[string]string, error) {
	if err := authorize(session, rbac.ActionUpload); err != nil {
		return nil, err
	}
	flow := s.workflowFor(session)
	if err := flow.MarkNotAvailable(ctx, table, reason); err != nil {
		return nil, err
	}
	return flow.Statuses(), nil
}
