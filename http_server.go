package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/archive"
	"github.com/haiwen/seafevents/contentscan"
	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/index"
	"github.com/haiwen/seafevents/metrics"
	"github.com/haiwen/seafevents/officeconvert"
	"github.com/haiwen/seafevents/utils"
	"github.com/haiwen/seafevents/workerpool"
)

const maxSearchLimit = 500

// apiServer holds the services behind the http api. Nil services are disabled.
type apiServer struct {
	jwtKey    string
	converter *officeconvert.Converter
	scanner   *contentscan.Scanner
	archiver  *archive.Archiver
	index     *index.FilenameIndex
}

type appError struct {
	Error   error
	Message string
	Code    int
}

type appHandler func(http.ResponseWriter, *http.Request) *appError

func (fn appHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e := fn(w, r)
	if e != nil {
		if e.Error != nil && e.Code == http.StatusInternalServerError {
			log.Infof("path %s internal server error: %v", r.URL.Path, e.Error)
		}
		http.Error(w, e.Message, e.Code)
	}
}

func newHTTPRouter(s *apiServer) *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.MetricMiddleware)
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/ping{slash:\\/?}", appHandler(pingCB)).Methods(http.MethodGet)
	api.Handle("/office-convert/add{slash:\\/?}", s.auth(s.officeConvertAddCB)).Methods(http.MethodPost)
	api.Handle("/office-convert/query-status{slash:\\/?}", s.auth(s.officeConvertQueryCB)).Methods(http.MethodGet)
	api.Handle("/content-scan/add{slash:\\/?}", s.auth(s.contentScanAddCB)).Methods(http.MethodPost)
	api.Handle("/content-scan/query-status{slash:\\/?}", s.auth(s.contentScanQueryCB)).Methods(http.MethodGet)
	api.Handle("/repo-archive{slash:\\/?}", s.auth(s.repoArchiveCB)).Methods(http.MethodPost)
	api.Handle("/repo-archive/query-status{slash:\\/?}", s.auth(s.repoArchiveQueryCB)).Methods(http.MethodGet)
	api.Handle("/search{slash:\\/?}", s.auth(s.searchCB)).Methods(http.MethodGet)
	return r
}

func pingCB(rsp http.ResponseWriter, r *http.Request) *appError {
	fmt.Fprintln(rsp, "{\"ret\": \"pong\"}")
	return nil
}

// auth requires an "Authorization: Token <jwt>" header signed with the seahub secret.
func (s *apiServer) auth(fn appHandler) appHandler {
	return func(rsp http.ResponseWriter, r *http.Request) *appError {
		token := utils.GetAuthorizationToken(r.Header)
		if token == "" {
			return &appError{nil, "Authorization token is missing", http.StatusForbidden}
		}
		if err := utils.ValidateSeahubJWTToken(token, s.jwtKey); err != nil {
			return &appError{nil, "Invalid authorization token", http.StatusForbidden}
		}
		return fn(rsp, r)
	}
}

func badRequest(msg string) *appError {
	return &appError{nil, msg, http.StatusBadRequest}
}

func disabled(name string) *appError {
	return &appError{nil, name + " is not enabled", http.StatusNotFound}
}

// submitError maps the errors of a task submission to a status code.
func submitError(err error) *appError {
	switch {
	case errors.Is(err, workerpool.ErrBusy):
		return &appError{err, "Server is busy, please try again later", http.StatusServiceUnavailable}
	case errors.Is(err, officeconvert.ErrUnsupported), errors.Is(err, archive.ErrInvalidOp),
		errors.Is(err, officeconvert.ErrNotFile), errors.Is(err, contentscan.ErrNotFile):
		return badRequest(err.Error())
	case errors.Is(err, fsmgr.ErrPathNoExist):
		return &appError{nil, "File not found", http.StatusNotFound}
	}
	return &appError{err, "Internal server error", http.StatusInternalServerError}
}

func readJSON(r *http.Request, v interface{}) *appError {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return &appError{err, "", http.StatusInternalServerError}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("Invalid request body")
	}
	return nil
}

func writeJSON(rsp http.ResponseWriter, v interface{}) *appError {
	data, err := json.Marshal(v)
	if err != nil {
		return &appError{err, "", http.StatusInternalServerError}
	}
	rsp.Header().Set("Content-Type", "application/json; charset=utf-8")
	rsp.Write(data)
	return nil
}

type pathRequest struct {
	RepoID string `json:"repo_id"`
	Path   string `json:"path"`
}

func (req *pathRequest) check() *appError {
	if !utils.IsValidUUID(req.RepoID) {
		return badRequest("Invalid repo_id")
	}
	if !strings.HasPrefix(req.Path, "/") || strings.Contains(req.Path, "/../") || strings.HasSuffix(req.Path, "/..") {
		return badRequest("Invalid path")
	}
	return nil
}

type taskResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func queryTask(rsp http.ResponseWriter, r *http.Request, query func(string) (*workerpool.TaskStatus, error)) *appError {
	token := r.URL.Query().Get("task_id")
	if token == "" {
		return badRequest("task_id is required")
	}
	status, err := query(token)
	if errors.Is(err, workerpool.ErrTaskNotFound) {
		return &appError{nil, "Task not found", http.StatusNotFound}
	} else if err != nil {
		return &appError{err, "", http.StatusInternalServerError}
	}
	return writeJSON(rsp, &statusResponse{TaskID: status.Token, Status: status.Status, Error: status.Error})
}

func (s *apiServer) officeConvertAddCB(rsp http.ResponseWriter, r *http.Request) *appError {
	if s.converter == nil {
		return disabled("office converter")
	}
	req := new(pathRequest)
	if e := readJSON(r, req); e != nil {
		return e
	}
	if e := req.check(); e != nil {
		return e
	}
	token, err := s.converter.Submit(req.RepoID, req.Path)
	if err != nil {
		return submitError(err)
	}
	return writeJSON(rsp, &taskResponse{token})
}

func (s *apiServer) officeConvertQueryCB(rsp http.ResponseWriter, r *http.Request) *appError {
	if s.converter == nil {
		return disabled("office converter")
	}
	return queryTask(rsp, r, s.converter.Query)
}

func (s *apiServer) contentScanAddCB(rsp http.ResponseWriter, r *http.Request) *appError {
	if s.scanner == nil {
		return disabled("content scan")
	}
	req := new(pathRequest)
	if e := readJSON(r, req); e != nil {
		return e
	}
	if e := req.check(); e != nil {
		return e
	}
	token, err := s.scanner.SubmitPath(req.RepoID, req.Path)
	if err != nil {
		return submitError(err)
	}
	return writeJSON(rsp, &taskResponse{token})
}

func (s *apiServer) contentScanQueryCB(rsp http.ResponseWriter, r *http.Request) *appError {
	if s.scanner == nil {
		return disabled("content scan")
	}
	return queryTask(rsp, r, s.scanner.Query)
}

type archiveRequest struct {
	RepoID   string `json:"repo_id"`
	Op       string `json:"op"`
	Username string `json:"username"`
}

func (s *apiServer) repoArchiveCB(rsp http.ResponseWriter, r *http.Request) *appError {
	if s.archiver == nil {
		return disabled("repo archive")
	}
	req := new(archiveRequest)
	if e := readJSON(r, req); e != nil {
		return e
	}
	if !utils.IsValidUUID(req.RepoID) {
		return badRequest("Invalid repo_id")
	}
	token, err := s.archiver.Submit(&archive.Job{RepoID: req.RepoID, Op: req.Op, User: req.Username})
	if err != nil {
		return submitError(err)
	}
	return writeJSON(rsp, &taskResponse{token})
}

func (s *apiServer) repoArchiveQueryCB(rsp http.ResponseWriter, r *http.Request) *appError {
	if s.archiver == nil {
		return disabled("repo archive")
	}
	return queryTask(rsp, r, s.archiver.Query)
}

type searchResult struct {
	Path  string `json:"path"`
	ObjID string `json:"obj_id"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	IsDir bool   `json:"is_dir"`
}

func (s *apiServer) searchCB(rsp http.ResponseWriter, r *http.Request) *appError {
	if s.index == nil {
		return disabled("filename index")
	}
	params := r.URL.Query()
	repoID := params.Get("repo_id")
	if !utils.IsValidUUID(repoID) {
		return badRequest("Invalid repo_id")
	}
	q := strings.TrimSpace(params.Get("q"))
	if q == "" {
		return badRequest("q is required")
	}
	limit := 100
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest("Invalid limit")
		}
		limit = min(n, maxSearchLimit)
	}

	entries, err := s.index.Search(repoID, q, limit)
	if errors.Is(err, index.ErrRepoNotIndexed) {
		return &appError{nil, "Repo is not indexed", http.StatusNotFound}
	} else if err != nil {
		return &appError{err, "", http.StatusInternalServerError}
	}
	results := make([]*searchResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, &searchResult{e.Path, e.ObjID, e.Size, e.Mtime, e.IsDir})
	}
	return writeJSON(rsp, map[string]interface{}{"results": results})
}
