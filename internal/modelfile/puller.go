// Package modelfile implements the model-file download manager behind
// GET/POST /api/ui/modelfiles/pull*: it fetches a model file by URL into
// the gateway's local model directory and, once it lands, registers a
// source=model alias pointing at it. The job bookkeeping mirrors the
// Worker Supervisor's own in-memory, mutex-guarded map of named state
// machines (internal/worker/supervisor.go), generalized from "one
// llama-server process per alias" to "one download per job id".
package modelfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/domain"
)

// Status is a pull job's position in its lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// Job is one tracked model-file download.
type Job struct {
	ID         string    `json:"id"`
	Alias      string    `json:"alias"`
	URL        string    `json:"url"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	BytesDone  int64     `json:"bytes_done"`
	TotalBytes int64     `json:"total_bytes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrNotFound is returned when a job id has no tracked record.
var ErrNotFound = fmt.Errorf("modelfile: job not found")

// Puller owns every in-flight and completed download job for this process's
// lifetime (jobs do not survive a restart; a restart finds no alias yet
// registered and the caller re-issues the pull).
type Puller struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	dir     string
	aliases *alias.Registry
	client  *http.Client
}

// New builds a Puller rooted at dataDir/modelfiles.
func New(dataDir string, aliases *alias.Registry) (*Puller, error) {
	dir := filepath.Join(dataDir, "modelfiles")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("modelfile: create directory: %w", err)
	}
	return &Puller{
		jobs:    make(map[string]*Job),
		dir:     dir,
		aliases: aliases,
		client:  &http.Client{Timeout: 0}, // model files can be large; no fixed deadline
	}, nil
}

func newJobID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Start begins downloading url into a new model file and returns the job
// tracking it. On successful download, aliasName is registered as a
// source=model alias pointing at the downloaded file and chatTemplateRef.
func (p *Puller) Start(aliasName, url, chatTemplateRef string) *Job {
	job := &Job{
		ID:        newJobID(),
		Alias:     aliasName,
		URL:       url,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	p.jobs[job.ID] = job
	p.mu.Unlock()

	go p.run(job, chatTemplateRef)
	return job
}

func (p *Puller) run(job *Job, chatTemplateRef string) {
	p.setStatus(job, StatusDownloading, "")

	dest := filepath.Join(p.dir, job.Alias+".gguf")
	if err := p.download(job, dest); err != nil {
		p.setStatus(job, StatusFailed, err.Error())
		log.Warn().Err(err).Str("job_id", job.ID).Str("alias", job.Alias).Msg("modelfile: download failed")
		return
	}

	a := domain.Alias{Name: job.Alias, ModelFileRef: dest, ChatTemplateRef: chatTemplateRef}
	if err := p.aliases.PutModelDerived(context.Background(), a); err != nil {
		p.setStatus(job, StatusFailed, err.Error())
		log.Warn().Err(err).Str("job_id", job.ID).Str("alias", job.Alias).Msg("modelfile: alias registration failed")
		return
	}

	p.setStatus(job, StatusComplete, "")
}

func (p *Puller) download(job *Job, dest string) error {
	req, err := http.NewRequest(http.MethodGet, job.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	p.mu.Lock()
	job.TotalBytes = resp.ContentLength
	p.mu.Unlock()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer out.Close()

	counter := &countingWriter{w: out, job: job, puller: p}
	if _, err := io.Copy(counter, resp.Body); err != nil {
		os.Remove(dest)
		return fmt.Errorf("write destination file: %w", err)
	}
	return nil
}

type countingWriter struct {
	w      io.Writer
	job    *Job
	puller *Puller
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.puller.mu.Lock()
	c.job.BytesDone += int64(n)
	c.puller.mu.Unlock()
	return n, err
}

func (p *Puller) setStatus(job *Job, status Status, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job.Status = status
	job.Error = errMsg
}

// Get returns a snapshot of the job tracked under id.
func (p *Puller) Get(id string) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// List returns a snapshot of every tracked job.
func (p *Puller) List() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		out = append(out, *job)
	}
	return out
}
