package server

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/fundestsantamaria-ux/fedcoord/internal/artifact"
	"github.com/fundestsantamaria-ux/fedcoord/internal/common"
	"github.com/fundestsantamaria-ux/fedcoord/internal/florch"
	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

// ProgressSource is satisfied by the round scheduler.
type ProgressSource interface {
	Progress() florch.FlProgress
}

type Handler struct {
	logger        hclog.Logger
	runID         string
	self          model.Member
	progress      ProgressSource
	lineage       *artifact.Lineage
	reportPath    string
	cronScheduler *cron.Cron

	mu     sync.RWMutex
	report *ReportResponse
}

func NewHandler(logger hclog.Logger, runID string, self model.Member, progress ProgressSource,
	lineage *artifact.Lineage, reportPath string) *Handler {
	return &Handler{
		logger:        logger,
		runID:         runID,
		self:          self,
		progress:      progress,
		lineage:       lineage,
		reportPath:    reportPath,
		cronScheduler: cron.New(cron.WithSeconds()),
	}
}

// StartReportRefresher reloads the reconciled report on the status refresh schedule.
func (handler *Handler) StartReportRefresher() error {
	handler.RefreshReport()
	if _, err := handler.cronScheduler.AddFunc(common.STATUS_REFRESH_SPEC, handler.RefreshReport); err != nil {
		return err
	}
	handler.cronScheduler.Start()

	return nil
}

func (handler *Handler) StopReportRefresher() {
	<-handler.cronScheduler.Stop().Done()
}

func (handler *Handler) RefreshReport() {
	if !common.FileExists(handler.reportPath) {
		return
	}

	records, err := common.ReadCsvFile(handler.reportPath)
	if err != nil {
		handler.logger.Warn("Unable to read reconciled report", "file", handler.reportPath, "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	handler.mu.Lock()
	handler.report = &ReportResponse{Header: records[0], Rows: records[1:]}
	handler.mu.Unlock()
}

func (handler *Handler) Status(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	response := toStatusResponse(handler.runID, handler.progress.Progress(), handler.self.Rank, string(handler.self.Identity))
	rw.WriteHeader(http.StatusOK)
	toJSON(response, rw)
}

func (handler *Handler) Lineage(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	entries, err := handler.lineage.Entries()
	if err != nil {
		handler.logger.Error("Unable to read lineage", "error", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	if roundParam := getURLParameter(r, "round"); roundParam != "" {
		round, err := strconv.Atoi(roundParam)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			toJSON("round must be an integer", rw)
			return
		}

		filtered := []artifact.LineageEntry{}
		for _, entry := range entries {
			if entry.Round == round {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	rw.WriteHeader(http.StatusOK)
	toJSON(toLineageEntries(entries), rw)
}

func (handler *Handler) LatestArtifact(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	entry, ok, err := handler.lineage.Latest()
	if err != nil {
		handler.logger.Error("Unable to read lineage", "error", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		toJSON("no global artifact yet", rw)
		return
	}

	rw.WriteHeader(http.StatusOK)
	toJSON(toLineageEntries([]artifact.LineageEntry{entry})[0], rw)
}

func (handler *Handler) Metrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	handler.mu.RLock()
	report := handler.report
	handler.mu.RUnlock()

	if report == nil {
		rw.WriteHeader(http.StatusNotFound)
		toJSON("no reconciled metrics yet", rw)
		return
	}

	rw.WriteHeader(http.StatusOK)
	toJSON(report, rw)
}

func NewRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/status", handler.Status).Methods(http.MethodGet)
	router.HandleFunc("/lineage", handler.Lineage).Methods(http.MethodGet)
	router.HandleFunc("/lineage/latest", handler.LatestArtifact).Methods(http.MethodGet)
	router.HandleFunc("/lineage/{round}", handler.Lineage).Methods(http.MethodGet)
	router.HandleFunc("/metrics", handler.Metrics).Methods(http.MethodGet)

	return router
}

func getURLParameter(r *http.Request, parameter string) string {
	vars := mux.Vars(r)
	id := vars[parameter]
	return id
}
