// Package workflow drives one uploader through selecting, validating,
// previewing and submitting a census table.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/aggregate"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/window"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodp",
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Upload workflow stage transitions.",
	}, []string{"from", "to"})

	anomalyBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nodp",
		Subsystem: "workflow",
		Name:      "anomaly_blocks_total",
		Help:      "Confirmations refused because unknown codes remained.",
	})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodp",
		Subsystem: "workflow",
		Name:      "uploads_total",
		Help:      "Uploads sent to the Persistence Service by result.",
	}, []string{"result"})

	fetchDegradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nodp",
		Subsystem: "workflow",
		Name:      "fetch_degraded_total",
		Help:      "Fetches that failed and fell back to an empty default.",
	}, []string{"resource"})
)

// Stage is where a workflow currently is.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageSelecting  Stage = "selecting"
	StageValidating Stage = "validating"
	StagePreviewing Stage = "previewing"
	StageUploading  Stage = "uploading"
	StageSucceeded  Stage = "succeeded"
	StageFailed     Stage = "failed"
)

// Permissions supplies the current window decision for an identity.
type Permissions interface {
	Decision(ctx context.Context, identity window.Identity) window.Decision
}

// Persistence is the remote store uploads go to.
type Persistence interface {
	Upload(ctx context.Context, request registry.UploadRequest) error
	History(ctx context.Context, username string) ([]registry.HistoryRecord, error)
	NotAvailable(ctx context.Context, username string) ([]registry.NotAvailableRecord, error)
	MarkNotAvailable(ctx context.Context, record registry.NotAvailableRecord) error
}

// File is a selected submission file.
type File struct {
	Name string
	Data []byte
}

// Session is the in-progress upload of one table.
type Session struct {
	Table   string
	File    File
	Records []map[string]any
	Result  *aggregate.Result
	Err     *Error
}

// Snapshot is a read-only view of the workflow for display.
type Snapshot struct {
	Stage             Stage                     `json:"stage"`
	Table             string                    `json:"tableName,omitempty"`
	FileName          string                    `json:"fileName,omitempty"`
	Year              string                    `json:"censusYear,omitempty"`
	Result            *aggregate.Result         `json:"result,omitempty"`
	UnknownDimensions []string                  `json:"unknownDimensions,omitempty"`
	UnknownLabels     map[string]map[string]int `json:"unknownLabels,omitempty"`
	CanConfirm        bool                      `json:"canConfirm"`
	Error             *Error                    `json:"error,omitempty"`
}

// Deps are the collaborators of a Workflow.
type Deps struct {
	Schemas     *schema.Registry
	Engine      *aggregate.Engine
	Permissions Permissions
	Persistence Persistence
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Workflow is the upload state machine for one identity. Its methods are
// safe to call concurrently; while an upload is in flight every other
// transition is refused.
type Workflow struct {
	identity    window.Identity
	schemas     *schema.Registry
	engine      *aggregate.Engine
	permissions Permissions
	persistence Persistence
	logger      *zap.Logger
	now         func() time.Time

	mu           sync.Mutex
	stage        Stage
	session      *Session
	year         string
	history      []registry.HistoryRecord
	notAvailable []registry.NotAvailableRecord
	reconciled   bool
	// checks counts Select calls so only the latest check is applied
	checks    int
	observers []func(from, to Stage)
}

// New builds an idle Workflow for identity.
func New(identity window.Identity, deps Deps) *Workflow {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	engine := deps.Engine
	if engine == nil {
		engine = aggregate.New(deps.Schemas)
	}
	return &Workflow{
		identity:    identity,
		schemas:     deps.Schemas,
		engine:      engine,
		permissions: deps.Permissions,
		persistence: deps.Persistence,
		logger:      logger.With(zap.String("username", identity.Username)),
		now:         clock,
		stage:       StageIdle,
	}
}

// Identity returns who the workflow uploads for.
func (w *Workflow) Identity() window.Identity {
	return w.identity
}

// OnTransition registers fn to be called on every stage change. fn runs with
// the workflow locked and must not call back into it.
func (w *Workflow) OnTransition(fn func(from, to Stage)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observers = append(w.observers, fn)
}

// Stage returns the current stage.
func (w *Workflow) Stage() Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage
}

// Open starts a session for table.
func (w *Workflow) Open(table string) error {
	if _, err := w.schemas.Get(table); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.stage {
	case StageIdle, StageSucceeded, StageSelecting:
	default:
		current := table
		if w.session != nil {
			current = w.session.Table
		}
		return withMessage(ErrInvalidState, fmt.Sprintf("Finish or close the current %s upload first.", current))
	}
	w.session = &Session{Table: table}
	w.transition(StageSelecting)
	return nil
}

// Select validates file against the open table and, when every guard
// passes, aggregates it into a preview. On failure the workflow is back in
// Selecting with nothing kept but the error.
func (w *Workflow) Select(ctx context.Context, file File) (Snapshot, error) {
	w.mu.Lock()
	if w.session == nil || (w.stage != StageSelecting && w.stage != StagePreviewing) {
		w.mu.Unlock()
		return Snapshot{}, withMessage(ErrInvalidState, "Open a table before selecting a file.")
	}
	table := w.session.Table
	w.checks++
	check := w.checks
	w.transition(StageValidating)
	w.mu.Unlock()

	records, result, verr := w.validate(ctx, table, file)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stage != StageValidating || w.checks != check {
		return w.snapshot(), withMessage(ErrInvalidState, "The upload was closed while the file was being checked.")
	}
	if verr != nil {
		w.logger.Info("upload file rejected",
			zap.String("table", table),
			zap.String("file", file.Name),
			zap.String("code", verr.Code),
		)
		w.session = &Session{Table: table, Err: verr}
		w.transition(StageSelecting)
		return w.snapshot(), verr
	}
	w.session = &Session{Table: table, File: file, Records: records, Result: &result}
	w.transition(StagePreviewing)
	return w.snapshot(), nil
}

func (w *Workflow) validate(ctx context.Context, table string, file File) ([]map[string]any, aggregate.Result, *Error) {
	decision := w.permissions.Decision(ctx, w.identity)
	if !decision.Allowed {
		return nil, aggregate.Result{}, ErrNoPermission
	}

	year := w.activeYear(decision)
	history, notAvailable := w.records(ctx, year)
	if completed(table, history, notAvailable) {
		return nil, aggregate.Result{}, ErrAlreadySubmitted
	}

	if decision.Expired(w.now()) {
		return nil, aggregate.Result{}, withMessage(ErrDeadlinePassed,
			fmt.Sprintf("The upload deadline passed on %s.", decision.Deadline.Format(time.RFC1123)))
	}

	if !strings.EqualFold(filepath.Ext(file.Name), ".json") {
		return nil, aggregate.Result{}, ErrBadExtension
	}

	records, err := schema.ExtractRecords(file.Data, table)
	if err != nil {
		return nil, aggregate.Result{}, payloadError(table, err)
	}

	result, err := w.engine.Aggregate(table, records)
	if err != nil {
		return nil, aggregate.Result{}, withCause(ErrInvalidState, err)
	}
	return records, result, nil
}

func payloadError(table string, err error) *Error {
	switch {
	case errors.Is(err, schema.ErrMalformedJSON):
		return withCause(ErrMalformedJSON, err)
	case errors.Is(err, schema.ErrMissingTable):
		return newError(KindInput, ErrMissingTable.Code, fmt.Sprintf("The file does not contain a %q table.", table), err)
	case errors.Is(err, schema.ErrNotArray):
		return withCause(ErrNotArray, err)
	case errors.Is(err, schema.ErrEmptyTable):
		return withCause(ErrEmptyTable, err)
	default:
		return withCause(ErrBadRecord, err)
	}
}

// Preview returns the current state of the session.
func (w *Workflow) Preview() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot()
}

// Confirm transmits the previewed table. It is refused while unknown codes
// remain. Once transmission starts it runs to completion even if ctx is
// cancelled. A failed transmission leaves the preview in place for a retry.
func (w *Workflow) Confirm(ctx context.Context, attachment *registry.Attachment) (Snapshot, error) {
	w.mu.Lock()
	if w.stage != StagePreviewing || w.session == nil || w.session.Result == nil {
		w.mu.Unlock()
		return Snapshot{}, withMessage(ErrInvalidState, "There is no preview to confirm.")
	}
	if dims := aggregate.UnknownDimensions(*w.session.Result); len(dims) > 0 {
		anomalyBlocksTotal.Inc()
		snapshot := w.snapshot()
		w.mu.Unlock()
		return snapshot, withMessage(ErrUnknownCodes, fmt.Sprintf(
			"Unknown codes remain in %s. Correct the source data and select the file again.",
			strings.Join(dims, ", ")))
	}
	session := w.session
	year := w.year
	w.transition(StageUploading)
	w.mu.Unlock()

	uploadCtx := context.WithoutCancel(ctx)
	request := registry.UploadRequest{
		Identity:   w.identity.Username,
		TableName:  session.Table,
		CensusYear: year,
		Payload:    json.RawMessage(bytes.TrimPrefix(session.File.Data, []byte("\xef\xbb\xbf"))),
		Attachment: attachment,
	}
	if err := w.persistence.Upload(uploadCtx, request); err != nil {
		uploadsTotal.WithLabelValues("failed").Inc()
		w.logger.Warn("upload failed", zap.String("table", session.Table), zap.Error(err))

		uerr := withCause(ErrUploadFailed, err)
		var statusErr *registry.StatusError
		if errors.As(err, &statusErr) && statusErr.Message != "" {
			uerr.Message = "The upload was refused: " + statusErr.Message
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		w.transition(StageFailed)
		session.Err = uerr
		w.session = session
		w.transition(StagePreviewing)
		return w.snapshot(), uerr
	}
	uploadsTotal.WithLabelValues("succeeded").Inc()
	w.logger.Info("upload succeeded",
		zap.String("table", session.Table),
		zap.String("census_year", year),
		zap.Int("records", session.Result.TotalRecords),
	)

	f := w.fetch(uploadCtx)
	history := withLocalUpload(f.history, session.Table, year)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.remember(year, history, f.notAvailable)
	w.session = nil
	w.transition(StageSucceeded)
	return Snapshot{Stage: StageSucceeded, Table: session.Table, Year: year}, nil
}

// withLocalUpload makes sure a table just accepted by the server shows as
// uploaded even if the history fetch came back empty.
func withLocalUpload(history []registry.HistoryRecord, table, year string) []registry.HistoryRecord {
	for _, record := range registry.ForYear(history, year) {
		if record.TableName == table {
			return history
		}
	}
	return append(history, registry.HistoryRecord{TableName: table, CensusYear: year})
}

// Reject discards the preview and reopens file selection for the same table.
func (w *Workflow) Reject() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stage != StagePreviewing || w.session == nil {
		return withMessage(ErrInvalidState, "There is no preview to reject.")
	}
	w.session = &Session{Table: w.session.Table}
	w.transition(StageSelecting)
	return nil
}

// Close abandons the session. It is refused once an upload has started. A
// file still being checked is dropped when its check finishes.
func (w *Workflow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stage == StageUploading {
		return withMessage(ErrInvalidState, "An upload is in progress.")
	}
	w.session = nil
	w.transition(StageIdle)
	return nil
}

// Statuses returns the display status of every registered table as of the
// last reconcile.
func (w *Workflow) Statuses() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statuses()
}

// Reconcile re-fetches history and data-not-available marks and returns the
// recomputed statuses. Fetch failures resolve to empty lists.
func (w *Workflow) Reconcile(ctx context.Context) map[string]string {
	year := w.activeYear(w.permissions.Decision(ctx, w.identity))
	f := w.fetch(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.remember(year, f.history, f.notAvailable)
	return w.statuses()
}

// MarkNotAvailable declares that table has no data this census year. It is
// subject to the same window, completion and deadline checks as an upload.
func (w *Workflow) MarkNotAvailable(ctx context.Context, table, reason string) error {
	if _, err := w.schemas.Get(table); err != nil {
		return err
	}

	decision := w.permissions.Decision(ctx, w.identity)
	if !decision.Allowed {
		return ErrNoPermission
	}
	year := w.activeYear(decision)
	history, notAvailable := w.records(ctx, year)
	if completed(table, history, notAvailable) {
		return ErrAlreadySubmitted
	}
	if decision.Expired(w.now()) {
		return ErrDeadlinePassed
	}

	record := registry.NotAvailableRecord{
		TableName:  table,
		CensusYear: year,
		Username:   w.identity.Username,
		Reason:     reason,
	}
	if err := w.persistence.MarkNotAvailable(ctx, record); err != nil {
		w.logger.Warn("mark data not available failed", zap.String("table", table), zap.Error(err))
		return newError(KindTransport, ErrUploadFailed.Code, "The declaration could not be saved. You can retry.", err)
	}

	f := w.fetch(ctx)
	notAvailable = f.notAvailable
	if !markedNotAvailable(registry.NotAvailableForYear(notAvailable, year), table) {
		notAvailable = append(notAvailable, record)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.remember(year, f.history, notAvailable)
	return nil
}

func markedNotAvailable(records []registry.NotAvailableRecord, table string) bool {
	for _, record := range records {
		if record.TableName == table {
			return true
		}
	}
	return false
}

func (w *Workflow) activeYear(decision window.Decision) string {
	if decision.Year != "" {
		return decision.Year
	}
	return strconv.Itoa(w.now().Year())
}

// records fetches the year's history for a guard check. A list that cannot
// be fetched falls back to the last one seen for the same year.
func (w *Workflow) records(ctx context.Context, year string) ([]registry.HistoryRecord, []registry.NotAvailableRecord) {
	f := w.fetch(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	cached := w.reconciled && w.year == year
	history, notAvailable := f.history, f.notAvailable
	if f.historyErr != nil && cached {
		history = w.history
	}
	if f.notAvailableErr != nil && cached {
		notAvailable = w.notAvailable
	}
	w.remember(year, history, notAvailable)
	return w.history, w.notAvailable
}

type fetched struct {
	history         []registry.HistoryRecord
	notAvailable    []registry.NotAvailableRecord
	historyErr      error
	notAvailableErr error
}

// fetch loads history and data-not-available marks concurrently. A failed
// list is empty, its error is kept, and the failure is logged.
func (w *Workflow) fetch(ctx context.Context) fetched {
	var (
		g errgroup.Group
		f fetched
	)
	g.Go(func() error {
		f.history, f.historyErr = w.persistence.History(ctx, w.identity.Username)
		if f.historyErr != nil {
			f.history = nil
			w.degraded("upload_history", f.historyErr)
		}
		return nil
	})
	g.Go(func() error {
		f.notAvailable, f.notAvailableErr = w.persistence.NotAvailable(ctx, w.identity.Username)
		if f.notAvailableErr != nil {
			f.notAvailable = nil
			w.degraded("data_not_available", f.notAvailableErr)
		}
		return nil
	})
	_ = g.Wait()
	return f
}

func (w *Workflow) degraded(resource string, err error) {
	fetchDegradedTotal.WithLabelValues(resource).Inc()
	w.logger.Warn("fetch failed, using empty default", zap.String("resource", resource), zap.Error(err))
}

func (w *Workflow) remember(year string, history []registry.HistoryRecord, notAvailable []registry.NotAvailableRecord) {
	w.year = year
	w.history = registry.ForYear(history, year)
	w.notAvailable = registry.NotAvailableForYear(notAvailable, year)
	w.reconciled = true
}

func (w *Workflow) statuses() map[string]string {
	return DisplayStatuses(w.schemas.Tables(), w.history, w.notAvailable)
}

func (w *Workflow) snapshot() Snapshot {
	snapshot := Snapshot{Stage: w.stage, Year: w.year}
	if w.session == nil {
		return snapshot
	}
	snapshot.Table = w.session.Table
	snapshot.FileName = w.session.File.Name
	snapshot.Error = w.session.Err
	if w.session.Result != nil {
		result := *w.session.Result
		snapshot.Result = &result
		snapshot.UnknownDimensions = aggregate.UnknownDimensions(result)
		for _, name := range snapshot.UnknownDimensions {
			if snapshot.UnknownLabels == nil {
				snapshot.UnknownLabels = make(map[string]map[string]int, len(snapshot.UnknownDimensions))
			}
			snapshot.UnknownLabels[name] = aggregate.UnknownLabels(result.Buckets[name])
		}
		snapshot.CanConfirm = w.stage == StagePreviewing && !aggregate.HasUnknowns(result)
	}
	return snapshot
}

func (w *Workflow) transition(to Stage) {
	from := w.stage
	if from == to {
		return
	}
	w.stage = to
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	w.logger.Debug("upload stage changed", zap.String("from", string(from)), zap.String("to", string(to)))
	for _, fn := range w.observers {
		fn(from, to)
	}
}
