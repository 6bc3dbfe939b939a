// Package migrations embeds the SQL schema files applied by the migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in apply order.
var Files = []string{
	"001_create_jobs.sql",
	"002_create_job_transitions.sql",
	"003_create_jobs_archive.sql",
}
