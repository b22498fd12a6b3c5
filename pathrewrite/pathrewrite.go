// Package pathrewrite moves path keyed records after a file or dir is renamed or moved.
package pathrewrite

import (
	"context"
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Request asks to move everything recorded at OldPath to NewPath.
// For a dir, records below OldPath move along.
type Request struct {
	RepoID  string
	OldPath string
	NewPath string
	IsDir   bool
	// SrcRepoID is set when the records live in another repo, after a cross repo move.
	SrcRepoID string
}

// SourceRepo returns the repo holding the records before the rewrite.
func (r Request) SourceRepo() string {
	if r.SrcRepoID != "" {
		return r.SrcRepoID
	}
	return r.RepoID
}

// Rewrite maps p to its new path. ok is false when p is not affected.
func (r Request) Rewrite(p string) (newPath string, ok bool) {
	if p == r.OldPath {
		return r.NewPath, true
	}
	if r.IsDir && strings.HasPrefix(p, r.OldPath+"/") {
		return r.NewPath + p[len(r.OldPath):], true
	}
	return "", false
}

func (r Request) normalize() (Request, error) {
	if r.RepoID == "" {
		return r, errors.New("no repo id")
	}
	if r.OldPath == "" || r.NewPath == "" {
		return r, errors.New("empty path")
	}
	r.OldPath = path.Clean("/" + r.OldPath)
	r.NewPath = path.Clean("/" + r.NewPath)
	if r.OldPath == "/" || r.NewPath == "/" {
		return r, errors.New("can't rewrite the root dir")
	}
	return r, nil
}

// Rewriter updates one table or store. A rewrite matching nothing is not an error.
type Rewriter interface {
	Name() string
	Rewrite(ctx context.Context, req Request) (int64, error)
}

// Report collects the outcome of each rewriter.
type Report struct {
	Request  Request
	Affected map[string]int64
	Errors   map[string]error
}

// Err joins the errors of all failed rewriters.
func (r *Report) Err() error {
	var errs []error
	for name, err := range r.Errors {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

// Propagator runs every rewriter for each request. Rewriters commit independently.
type Propagator struct {
	rewriters []Rewriter
}

// NewPropagator creates a propagator.
func NewPropagator(rewriters ...Rewriter) *Propagator {
	return &Propagator{rewriters: rewriters}
}

// Add appends a rewriter.
func (p *Propagator) Add(r Rewriter) {
	p.rewriters = append(p.rewriters, r)
}

// Propagate runs all rewriters. A failing rewriter doesn't stop the others.
func (p *Propagator) Propagate(ctx context.Context, req Request) *Report {
	report := &Report{Request: req, Affected: make(map[string]int64), Errors: make(map[string]error)}
	req, err := req.normalize()
	if err != nil {
		report.Errors["request"] = err
		return report
	}
	report.Request = req
	if req.OldPath == req.NewPath && req.SourceRepo() == req.RepoID {
		return report
	}

	for _, r := range p.rewriters {
		n, err := runRewriter(ctx, r, req)
		if err != nil {
			log.Warnf("Failed to rewrite %s in repo %s from %s to %s: %v", r.Name(), req.RepoID, req.OldPath, req.NewPath, err)
			report.Errors[r.Name()] = err
			continue
		}
		report.Affected[r.Name()] = n
	}
	return report
}

func runRewriter(ctx context.Context, r Rewriter, req Request) (n int64, err error) {
	defer func() {
		if e := recover(); e != nil {
			log.Errorf("panic: %v\n%s", e, debug.Stack())
			err = fmt.Errorf("panic: %v", e)
		}
	}()
	return r.Rewrite(ctx, req)
}
