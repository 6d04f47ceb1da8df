package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Flow versions: immutable step graphs once locked
			CREATE TABLE flow_versions (
				id VARCHAR(255) PRIMARY KEY,
				flow_id VARCHAR(255) NOT NULL,
				project_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				state VARCHAR(20) NOT NULL CHECK (state IN ('DRAFT', 'LOCKED')),
				steps JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				locked_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flow_versions_flow_id ON flow_versions(flow_id);
			CREATE INDEX idx_flow_versions_project_id ON flow_versions(project_id);
			CREATE UNIQUE INDEX idx_flow_versions_flow_version ON flow_versions(flow_id, version);
		`,
		2: `
			-- Execution runs and their per-step history
			CREATE TABLE execution_runs (
				id VARCHAR(255) PRIMARY KEY,
				flow_version_id VARCHAR(255) NOT NULL REFERENCES flow_versions(id),
				project_id VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL,
				trigger_payload JSONB,
				error JSONB,
				stop_requested BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_execution_runs_project_id ON execution_runs(project_id);
			CREATE INDEX idx_execution_runs_status ON execution_runs(status);
			CREATE INDEX idx_execution_runs_created_at ON execution_runs(created_at);

			-- One row per step path; transitions update the row in place.
			-- seq keeps the execution order for reads.
			CREATE TABLE step_executions (
				run_id VARCHAR(255) NOT NULL REFERENCES execution_runs(id) ON DELETE CASCADE,
				path TEXT NOT NULL,
				seq INTEGER NOT NULL,
				step_id VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL,
				attempt INTEGER NOT NULL,
				input JSONB,
				output JSONB,
				error JSONB,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				duration_ns BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (run_id, path)
			);

			CREATE INDEX idx_step_executions_run_id ON step_executions(run_id);
		`,
	}
}
