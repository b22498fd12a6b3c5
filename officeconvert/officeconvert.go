// Package officeconvert converts office documents to PDF with an external converter.
package officeconvert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/blockmgr"
	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/objstore"
	"github.com/haiwen/seafevents/repomgr"
	"github.com/haiwen/seafevents/utils"
	"github.com/haiwen/seafevents/workerpool"
)

// FormatPDF is the only output format.
const FormatPDF = "pdf"

var (
	// ErrUnsupported is returned for file types that are not converted.
	ErrUnsupported = errors.New("unsupported document type")
	// ErrNotFile is returned when the path is not a regular file.
	ErrNotFile = errors.New("path is not a file")
)

// Job is one document to convert.
type Job struct {
	RepoID  string
	StoreID string
	Path    string
	FileID  string
}

// Converter runs conversions on a worker pool. Outputs are named by file id,
// so each version of a document is converted once.
type Converter struct {
	pool     *workerpool.WorkPool
	binary   string
	outDir   string
	maxSize  int64
	docTypes []string

	// Lookup resolves a path of a repo to its file.
	Lookup func(repoID, p string) (*Job, error)
}

// NewConverter creates a converter writing into outDir.
func NewConverter(pool *workerpool.WorkPool, binary, outDir string, maxSize int64, docTypes []string) (*Converter, error) {
	if err := os.MkdirAll(outDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create output dir %s: %w", outDir, err)
	}
	c := new(Converter)
	c.pool = pool
	c.binary = binary
	c.outDir = outDir
	c.maxSize = maxSize
	c.docTypes = docTypes
	c.Lookup = lookupHead
	return c, nil
}

func lookupHead(repoID, p string) (*Job, error) {
	repo := repomgr.Get(repoID)
	if repo == nil {
		return nil, fmt.Errorf("repo %s not found", repoID)
	}
	storeID := objstore.StoreID(repo.StoreID, repo.Version)
	dent, err := fsmgr.GetDirentByPath(storeID, repo.RootID, p)
	if err != nil {
		return nil, err
	}
	if !fsmgr.IsRegular(dent.Mode) {
		return nil, ErrNotFile
	}
	return &Job{RepoID: repoID, StoreID: storeID, Path: p, FileID: dent.ID}, nil
}

func fileType(p string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}

func (c *Converter) supported(p string) bool {
	t := fileType(p)
	for _, d := range c.docTypes {
		if d == t {
			return true
		}
	}
	return false
}

// OutputPath returns where the converted file id is stored.
func (c *Converter) OutputPath(fileID string) string {
	return filepath.Join(c.outDir, fileID+"."+FormatPDF)
}

// Submit queues a conversion of the head version of p and returns the task token.
func (c *Converter) Submit(repoID, p string) (string, error) {
	if !c.supported(p) {
		return "", fmt.Errorf("%s: %w", p, ErrUnsupported)
	}
	job, err := c.Lookup(repoID, p)
	if err != nil {
		return "", fmt.Errorf("failed to find %s in repo %s: %w", p, repoID, err)
	}
	return c.pool.AddTask(job.FileID, func(ctx context.Context) error {
		return c.Convert(ctx, job)
	})
}

// Query returns the status of a submitted conversion.
func (c *Converter) Query(token string) (*workerpool.TaskStatus, error) {
	return c.pool.QueryTask(token)
}

// Convert writes the PDF of job to OutputPath. An existing output is kept.
func (c *Converter) Convert(ctx context.Context, job *Job) error {
	if !utils.IsObjectIDValid(job.FileID) {
		return fmt.Errorf("invalid file id %s", job.FileID)
	}
	output := c.OutputPath(job.FileID)
	if _, err := os.Stat(output); err == nil {
		return nil
	}

	workDir, err := os.MkdirTemp(c.outDir, "convert-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, job.FileID+"."+fileType(job.Path))
	if err := c.writeInput(job, input); err != nil {
		return err
	}

	// Each run gets its own profile dir; concurrent runs sharing one fail on its lock.
	cmd := exec.CommandContext(ctx, c.binary,
		"-env:UserInstallation=file://"+filepath.Join(workDir, "profile"),
		"--headless", "--convert-to", FormatPDF, "--outdir", workDir, input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to convert %s in repo %s: %w: %s", job.Path, job.RepoID, err, strings.TrimSpace(stderr.String()))
	}

	converted := filepath.Join(workDir, job.FileID+"."+FormatPDF)
	if err := os.Rename(converted, output); err != nil {
		return fmt.Errorf("converter produced no output for %s: %w", job.Path, err)
	}
	log.Infof("Converted %s in repo %s", job.Path, job.RepoID)
	return nil
}

func (c *Converter) writeInput(job *Job, input string) error {
	f, err := os.Create(input)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := blockmgr.ReadFile(job.StoreID, job.FileID, c.maxSize, f); err != nil {
		return fmt.Errorf("failed to read %s in repo %s: %w", job.Path, job.RepoID, err)
	}
	return f.Close()
}
