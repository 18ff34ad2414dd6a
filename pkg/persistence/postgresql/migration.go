package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE playbook_templates (
				id UUID PRIMARY KEY,
				key VARCHAR(255) NOT NULL,
				title VARCHAR(255) NOT NULL,
				trigger_signal VARCHAR(255),
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'published', 'deprecated')),
				version INT NOT NULL,
				created_by VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				deprecated_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (key, version)
			);

			-- One active published version per key.
			CREATE UNIQUE INDEX idx_templates_published_key
				ON playbook_templates(key) WHERE status = 'published';
			CREATE INDEX idx_templates_status ON playbook_templates(status);

			CREATE TABLE playbook_runs (
				id UUID PRIMARY KEY,
				template_id UUID NOT NULL REFERENCES playbook_templates(id),
				template_version INT NOT NULL,
				organization_id UUID NOT NULL,
				initiator VARCHAR(255) NOT NULL,
				context JSONB NOT NULL DEFAULT '{}',
				current_step_id VARCHAR(255),
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'cancelled')),
				correlation_id VARCHAR(255) NOT NULL,
				steps JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_runs_org ON playbook_runs(organization_id);
			CREATE INDEX idx_runs_status ON playbook_runs(status);
			CREATE INDEX idx_runs_correlation ON playbook_runs(correlation_id);
		`,
		2: `
			CREATE TABLE async_jobs (
				id UUID PRIMARY KEY,
				kind VARCHAR(100) NOT NULL,
				run_id UUID NOT NULL,
				organization_id UUID NOT NULL,
				correlation_id VARCHAR(255) NOT NULL,
				priority INT NOT NULL DEFAULT 0,
				status VARCHAR(50) NOT NULL CHECK (status IN ('queued', 'running', 'succeeded', 'failed', 'dead_letter', 'cancelled')),
				attempts INT NOT NULL DEFAULT 0,
				next_eligible_at TIMESTAMP WITH TIME ZONE NOT NULL,
				last_error TEXT,
				claimed_by VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_jobs_claim ON async_jobs(status, next_eligible_at, priority, created_at);
			CREATE INDEX idx_jobs_org ON async_jobs(organization_id);

			-- One open job per correlation id (idempotent enqueue).
			CREATE UNIQUE INDEX idx_jobs_open_correlation
				ON async_jobs(correlation_id) WHERE status IN ('queued', 'running');
		`,
		3: `
			CREATE TABLE approval_assignments (
				id UUID PRIMARY KEY,
				run_id UUID NOT NULL REFERENCES playbook_runs(id),
				step_id VARCHAR(255) NOT NULL,
				assignee_id VARCHAR(255) NOT NULL,
				organization_id UUID NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'acknowledged', 'completed', 'cancelled')),
				sla_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				decision JSONB,
				created_by VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_approvals_org ON approval_assignments(organization_id);
			CREATE INDEX idx_approvals_assignee ON approval_assignments(organization_id, assignee_id);

			-- One open assignment per run.
			CREATE UNIQUE INDEX idx_approvals_open_run
				ON approval_assignments(run_id) WHERE status IN ('pending', 'acknowledged');

			CREATE TABLE outbox_entries (
				id UUID PRIMARY KEY,
				event_type VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				organization_id UUID NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'delivered', 'failed')),
				attempts INT NOT NULL DEFAULT 0,
				next_attempt_at TIMESTAMP WITH TIME ZONE NOT NULL,
				last_error TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				delivered_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_outbox_dispatch ON outbox_entries(status, next_attempt_at, created_at);
			CREATE INDEX idx_outbox_org ON outbox_entries(organization_id);
		`,
	}
}
