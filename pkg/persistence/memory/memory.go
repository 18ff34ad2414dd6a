// Package memory provides an in-memory persistence implementation with
// the same transactional and claim semantics as the SQL backend. It is
// used by unit tests and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cadenhq/playbook/pkg/models"
	"github.com/cadenhq/playbook/pkg/persistence"
)

type store struct {
	templates map[string]*models.PlaybookTemplate
	runs      map[string]*models.PlaybookRun
	jobs      map[string]*models.AsyncJob
	approvals map[string]*models.ApprovalAssignment
	outbox    map[string]*models.OutboxEntry

	// Insertion counters preserve stable ordering for listings and
	// claim tie-breaks, since map iteration order is random.
	order map[string]int
	seq   int
}

func newStore() *store {
	return &store{
		templates: make(map[string]*models.PlaybookTemplate),
		runs:      make(map[string]*models.PlaybookRun),
		jobs:      make(map[string]*models.AsyncJob),
		approvals: make(map[string]*models.ApprovalAssignment),
		outbox:    make(map[string]*models.OutboxEntry),
		order:     make(map[string]int),
	}
}

func (s *store) touch(id string) {
	if _, ok := s.order[id]; !ok {
		s.seq++
		s.order[id] = s.seq
	}
}

// Persistence implements persistence.Persistence backed by process
// memory. All access is serialized through one mutex; a Transaction
// holds the mutex for its whole body and restores a snapshot on error,
// so partial writes never become visible.
type Persistence struct {
	mu     *sync.Mutex
	store  *store
	inTx   bool
	closed bool
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		mu:    &sync.Mutex{},
		store: newStore(),
	}
}

func (p *Persistence) lock() {
	if !p.inTx {
		p.mu.Lock()
	}
}

func (p *Persistence) unlock() {
	if !p.inTx {
		p.mu.Unlock()
	}
}

func (p *Persistence) Templates() persistence.TemplateRepository {
	return &templateRepository{p: p}
}

func (p *Persistence) Runs() persistence.RunRepository {
	return &runRepository{p: p}
}

func (p *Persistence) Jobs() persistence.JobRepository {
	return &jobRepository{p: p}
}

func (p *Persistence) Approvals() persistence.ApprovalRepository {
	return &approvalRepository{p: p}
}

func (p *Persistence) Outbox() persistence.OutboxRepository {
	return &outboxRepository{p: p}
}

// Transaction runs fn against a view that shares this store but holds
// the mutex for the duration. On error the pre-transaction snapshot is
// restored.
func (p *Persistence) Transaction(ctx context.Context, fn func(tx persistence.Persistence) error) error {
	if p.inTx {
		// Nested transactions join the outer one.
		return fn(p)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := p.store.snapshot()

	tx := &Persistence{mu: p.mu, store: p.store, inTx: true}

	err := fn(tx)
	if err != nil {
		p.store.restore(snapshot)

		return err
	}

	return nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	p.closed = true

	return nil
}

// snapshot copies the maps themselves. Stored objects are never
// mutated in place (Save always stores a fresh clone), so copying the
// id -> pointer tables is enough to roll back.
func (s *store) snapshot() *store {
	snap := newStore()
	snap.seq = s.seq

	for k, v := range s.templates {
		snap.templates[k] = v
	}

	for k, v := range s.runs {
		snap.runs[k] = v
	}

	for k, v := range s.jobs {
		snap.jobs[k] = v
	}

	for k, v := range s.approvals {
		snap.approvals[k] = v
	}

	for k, v := range s.outbox {
		snap.outbox[k] = v
	}

	for k, v := range s.order {
		snap.order[k] = v
	}

	return snap
}

func (s *store) restore(snap *store) {
	s.templates = snap.templates
	s.runs = snap.runs
	s.jobs = snap.jobs
	s.approvals = snap.approvals
	s.outbox = snap.outbox
	s.order = snap.order
	s.seq = snap.seq
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

func cloneTemplate(t *models.PlaybookTemplate) *models.PlaybookTemplate {
	c := *t

	c.Nodes = make([]*models.StepNode, len(t.Nodes))
	for i, n := range t.Nodes {
		nc := *n
		nc.Config = cloneAnyMap(n.Config)
		c.Nodes[i] = &nc
	}

	c.Edges = make([]*models.Edge, len(t.Edges))
	for i, e := range t.Edges {
		ec := *e
		if e.Predicate != nil {
			pc := *e.Predicate
			ec.Predicate = &pc
		}

		c.Edges[i] = &ec
	}

	return &c
}

func cloneRun(r *models.PlaybookRun) *models.PlaybookRun {
	c := *r
	c.Context = cloneAnyMap(r.Context)

	c.Steps = make([]*models.StepExecution, len(r.Steps))
	for i, s := range r.Steps {
		sc := *s
		c.Steps[i] = &sc
	}

	return &c
}

func cloneJob(j *models.AsyncJob) *models.AsyncJob {
	c := *j

	return &c
}

func cloneApproval(a *models.ApprovalAssignment) *models.ApprovalAssignment {
	c := *a
	c.Decision = cloneAnyMap(a.Decision)

	return &c
}

func cloneOutbox(e *models.OutboxEntry) *models.OutboxEntry {
	c := *e
	c.Payload = cloneAnyMap(e.Payload)

	return &c
}

type templateRepository struct {
	p *Persistence
}

func (r *templateRepository) Save(_ context.Context, template *models.PlaybookTemplate) error {
	r.p.lock()
	defer r.p.unlock()

	r.p.store.templates[template.ID] = cloneTemplate(template)
	r.p.store.touch(template.ID)

	return nil
}

func (r *templateRepository) GetByID(_ context.Context, id string) (*models.PlaybookTemplate, error) {
	r.p.lock()
	defer r.p.unlock()

	t, ok := r.p.store.templates[id]
	if !ok {
		return nil, persistence.ErrTemplateNotFound
	}

	return cloneTemplate(t), nil
}

func (r *templateRepository) GetPublishedByKey(_ context.Context, key string) (*models.PlaybookTemplate, error) {
	r.p.lock()
	defer r.p.unlock()

	for _, t := range r.p.store.templates {
		if t.Key == key && t.Status == models.TemplateStatusPublished {
			return cloneTemplate(t), nil
		}
	}

	return nil, persistence.ErrTemplateNotFound
}

func (r *templateRepository) GetByKeyAndVersion(_ context.Context, key string, version int) (*models.PlaybookTemplate, error) {
	r.p.lock()
	defer r.p.unlock()

	for _, t := range r.p.store.templates {
		if t.Key == key && t.Version == version {
			return cloneTemplate(t), nil
		}
	}

	return nil, persistence.ErrTemplateNotFound
}

func (r *templateRepository) List(_ context.Context, status *models.TemplateStatus) ([]*models.PlaybookTemplate, error) {
	r.p.lock()
	defer r.p.unlock()

	out := make([]*models.PlaybookTemplate, 0)

	for _, t := range r.p.store.templates {
		if status != nil && t.Status != *status {
			continue
		}

		out = append(out, cloneTemplate(t))
	}

	sortByInsertion(out, r.p.store.order, func(t *models.PlaybookTemplate) string { return t.ID })

	return out, nil
}

func (r *templateRepository) MaxVersion(_ context.Context, key string) (int, error) {
	r.p.lock()
	defer r.p.unlock()

	maxVersion := 0

	for _, t := range r.p.store.templates {
		if t.Key == key && t.Version > maxVersion {
			maxVersion = t.Version
		}
	}

	return maxVersion, nil
}

type runRepository struct {
	p *Persistence
}

func (r *runRepository) Save(_ context.Context, run *models.PlaybookRun) error {
	r.p.lock()
	defer r.p.unlock()

	r.p.store.runs[run.ID] = cloneRun(run)
	r.p.store.touch(run.ID)

	return nil
}

func (r *runRepository) GetByID(_ context.Context, id string) (*models.PlaybookRun, error) {
	r.p.lock()
	defer r.p.unlock()

	run, ok := r.p.store.runs[id]
	if !ok {
		return nil, persistence.ErrRunNotFound
	}

	return cloneRun(run), nil
}

func (r *runRepository) ListByOrg(_ context.Context, orgID string) ([]*models.PlaybookRun, error) {
	r.p.lock()
	defer r.p.unlock()

	out := make([]*models.PlaybookRun, 0)

	for _, run := range r.p.store.runs {
		if run.OrganizationID == orgID {
			out = append(out, cloneRun(run))
		}
	}

	sortByInsertion(out, r.p.store.order, func(run *models.PlaybookRun) string { return run.ID })

	return out, nil
}

func (r *runRepository) ListOpen(_ context.Context) ([]*models.PlaybookRun, error) {
	r.p.lock()
	defer r.p.unlock()

	out := make([]*models.PlaybookRun, 0)

	for _, run := range r.p.store.runs {
		if run.Status == models.RunStatusRunning {
			out = append(out, cloneRun(run))
		}
	}

	sortByInsertion(out, r.p.store.order, func(run *models.PlaybookRun) string { return run.ID })

	return out, nil
}

type jobRepository struct {
	p *Persistence
}

func (r *jobRepository) Save(_ context.Context, job *models.AsyncJob) error {
	r.p.lock()
	defer r.p.unlock()

	r.p.store.jobs[job.ID] = cloneJob(job)
	r.p.store.touch(job.ID)

	return nil
}

func (r *jobRepository) GetByID(_ context.Context, id string) (*models.AsyncJob, error) {
	r.p.lock()
	defer r.p.unlock()

	job, ok := r.p.store.jobs[id]
	if !ok {
		return nil, persistence.ErrJobNotFound
	}

	return cloneJob(job), nil
}

func (r *jobRepository) FindOpenByCorrelationID(_ context.Context, correlationID string) (*models.AsyncJob, error) {
	r.p.lock()
	defer r.p.unlock()

	for _, job := range r.p.store.jobs {
		if job.CorrelationID == correlationID &&
			(job.Status == models.JobStatusQueued || job.Status == models.JobStatusRunning) {
			return cloneJob(job), nil
		}
	}

	return nil, persistence.ErrJobNotFound
}

// Claim picks the best eligible job and flips it to RUNNING under the
// store mutex, mirroring the SQL backend's single conditional update.
func (r *jobRepository) Claim(_ context.Context, now time.Time, workerID string) (*models.AsyncJob, error) {
	r.p.lock()
	defer r.p.unlock()

	var best *models.AsyncJob

	for _, job := range r.p.store.jobs {
		if job.Status != models.JobStatusQueued || job.NextEligibleAt.After(now) {
			continue
		}

		if best == nil || betterClaim(job, best, r.p.store.order) {
			best = job
		}
	}

	if best == nil {
		return nil, persistence.ErrNoEligibleJobs
	}

	claimed := cloneJob(best)
	claimed.Status = models.JobStatusRunning
	claimed.ClaimedBy = workerID
	claimed.UpdatedAt = now
	r.p.store.jobs[claimed.ID] = cloneJob(claimed)

	return claimed, nil
}

// betterClaim orders candidates by priority (higher first), then age.
func betterClaim(a, b *models.AsyncJob, order map[string]int) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return order[a.ID] < order[b.ID]
}

func (r *jobRepository) List(_ context.Context, opts persistence.ListJobsOptions) ([]*models.AsyncJob, error) {
	r.p.lock()
	defer r.p.unlock()

	out := make([]*models.AsyncJob, 0)

	for _, job := range r.p.store.jobs {
		if opts.OrganizationID != "" && job.OrganizationID != opts.OrganizationID {
			continue
		}

		if opts.Status != nil && job.Status != *opts.Status {
			continue
		}

		out = append(out, cloneJob(job))
	}

	sortByInsertion(out, r.p.store.order, func(job *models.AsyncJob) string { return job.ID })

	return out, nil
}

type approvalRepository struct {
	p *Persistence
}

func (r *approvalRepository) Save(_ context.Context, assignment *models.ApprovalAssignment) error {
	r.p.lock()
	defer r.p.unlock()

	r.p.store.approvals[assignment.ID] = cloneApproval(assignment)
	r.p.store.touch(assignment.ID)

	return nil
}

func (r *approvalRepository) GetByID(_ context.Context, id string) (*models.ApprovalAssignment, error) {
	r.p.lock()
	defer r.p.unlock()

	a, ok := r.p.store.approvals[id]
	if !ok {
		return nil, persistence.ErrApprovalNotFound
	}

	return cloneApproval(a), nil
}

func (r *approvalRepository) FindOpenByRunID(_ context.Context, runID string) (*models.ApprovalAssignment, error) {
	r.p.lock()
	defer r.p.unlock()

	for _, a := range r.p.store.approvals {
		if a.RunID == runID && a.IsOpen() {
			return cloneApproval(a), nil
		}
	}

	return nil, persistence.ErrApprovalNotFound
}

func (r *approvalRepository) ListByAssignee(_ context.Context, orgID, assigneeID string) ([]*models.ApprovalAssignment, error) {
	r.p.lock()
	defer r.p.unlock()

	out := make([]*models.ApprovalAssignment, 0)

	for _, a := range r.p.store.approvals {
		if a.OrganizationID == orgID && a.AssigneeID == assigneeID {
			out = append(out, cloneApproval(a))
		}
	}

	sortByInsertion(out, r.p.store.order, func(a *models.ApprovalAssignment) string { return a.ID })

	return out, nil
}

func (r *approvalRepository) ListByOrg(_ context.Context, orgID string) ([]*models.ApprovalAssignment, error) {
	r.p.lock()
	defer r.p.unlock()

	out := make([]*models.ApprovalAssignment, 0)

	for _, a := range r.p.store.approvals {
		if a.OrganizationID == orgID {
			out = append(out, cloneApproval(a))
		}
	}

	sortByInsertion(out, r.p.store.order, func(a *models.ApprovalAssignment) string { return a.ID })

	return out, nil
}

func (r *approvalRepository) ListOpen(_ context.Context) ([]*models.ApprovalAssignment, error) {
	r.p.lock()
	defer r.p.unlock()

	out := make([]*models.ApprovalAssignment, 0)

	for _, a := range r.p.store.approvals {
		if a.IsOpen() {
			out = append(out, cloneApproval(a))
		}
	}

	sortByInsertion(out, r.p.store.order, func(a *models.ApprovalAssignment) string { return a.ID })

	return out, nil
}

type outboxRepository struct {
	p *Persistence
}

func (r *outboxRepository) Save(_ context.Context, entry *models.OutboxEntry) error {
	r.p.lock()
	defer r.p.unlock()

	r.p.store.outbox[entry.ID] = cloneOutbox(entry)
	r.p.store.touch(entry.ID)

	return nil
}

func (r *outboxRepository) ListPending(_ context.Context, now time.Time, limit int) ([]*models.OutboxEntry, error) {
	r.p.lock()
	defer r.p.unlock()

	out := make([]*models.OutboxEntry, 0)

	for _, e := range r.p.store.outbox {
		if e.Status == models.OutboxStatusPending && !e.NextAttemptAt.After(now) {
			out = append(out, cloneOutbox(e))
		}
	}

	sortByInsertion(out, r.p.store.order, func(e *models.OutboxEntry) string { return e.ID })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *outboxRepository) ListByOrg(_ context.Context, orgID string) ([]*models.OutboxEntry, error) {
	r.p.lock()
	defer r.p.unlock()

	out := make([]*models.OutboxEntry, 0)

	for _, e := range r.p.store.outbox {
		if e.OrganizationID == orgID {
			out = append(out, cloneOutbox(e))
		}
	}

	sortByInsertion(out, r.p.store.order, func(e *models.OutboxEntry) string { return e.ID })

	return out, nil
}

func sortByInsertion[T any](items []T, order map[string]int, id func(T) string) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && order[id(items[j])] < order[id(items[j-1])]; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
