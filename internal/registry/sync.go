package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vayulabs/vayu-gateway/errs"
	"github.com/vayulabs/vayu-gateway/internal/domain/schema"
	"github.com/vayulabs/vayu-gateway/internal/infra/kv"
	"github.com/vayulabs/vayu-gateway/internal/observability"
)

const (
	syncChunkSize  = 1000
	syncLockTTL    = 30 * time.Second
	syncJobTTL     = 24 * time.Hour
	syncJobTimeout = 15 * time.Minute
)

// Job states recorded under vayu:sync:job:<id>.
const (
	JobStarted   = "started"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Sync launches a master sync for the given scope and returns its job id
// immediately. An empty exchange syncs the full master. A concurrent sync for
// the same scope returns job_already_running.
func (r *Registry) Sync(ctx context.Context, exchange schema.Exchange, sourceURL string) (string, error) {
	if exchange != "" && !exchange.Valid() {
		return "", errs.Validation(errs.CodeInvalidPayload, fmt.Sprintf("unknown exchange %q", exchange))
	}
	scope := "all"
	if exchange != "" {
		scope = string(exchange)
	}

	jobID := uuid.NewString()
	if !r.kv.SetNX(kv.KeySyncLock(scope), jobID, syncLockTTL) {
		return "", errs.New(errs.KindState, errs.CodeJobAlreadyRunning,
			errs.WithMessage("a sync for this scope is already running"),
			errs.WithHTTP(409),
			errs.WithDetail("scope", scope))
	}

	startedAt := time.Now().UTC()
	r.writeJob(jobID, map[string]string{
		"state":      JobStarted,
		"scope":      scope,
		"source":     sourceURL,
		"started_at": startedAt.Format(time.RFC3339),
	})

	r.jobs.Go(func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncJobTimeout)
		defer cancel()
		defer r.kv.Del(kv.KeySyncLock(scope))

		report, err := r.runSync(runCtx, jobID, scope, exchange, sourceURL, startedAt)
		if err != nil {
			observability.Log().Error("instrument sync failed",
				observability.F("job_id", jobID),
				observability.F("scope", scope),
				observability.F("error", err.Error()))
			r.writeJob(jobID, map[string]string{
				"state": JobFailed,
				"error": err.Error(),
			})
			return
		}
		observability.Log().Info("instrument sync completed",
			observability.F("job_id", jobID),
			observability.F("scope", scope),
			observability.F("rows", report.Rows),
			observability.F("upserted", report.Upserted),
			observability.F("deactivated", report.Deactivated))
	})
	return jobID, nil
}

func (r *Registry) runSync(ctx context.Context, jobID, scope string, exchange schema.Exchange, sourceURL string, startedAt time.Time) (schema.SyncReport, error) {
	report := schema.SyncReport{JobID: jobID, Exchange: exchange, Source: sourceURL, StartedAt: startedAt}
	r.writeJob(jobID, map[string]string{"state": JobRunning})

	body, err := r.fetcher.FetchMaster(ctx, exchange, sourceURL)
	if err != nil {
		return report, fmt.Errorf("fetch master: %w", err)
	}
	defer func() { _ = body.Close() }()

	records, skipped, err := ParseMaster(body, exchange)
	if err != nil {
		return report, err
	}
	report.Rows = len(records) + skipped

	seenExchanges := map[schema.Exchange]struct{}{}
	for start := 0; start < len(records); start += syncChunkSize {
		end := min(start+syncChunkSize, len(records))
		chunk := records[start:end]

		written, err := r.store.UpsertBatch(ctx, chunk)
		if err != nil {
			return report, err
		}
		report.Upserted += written

		mappings := make(map[int32]schema.Exchange, len(chunk))
		for _, record := range chunk {
			mappings[record.Token] = record.Exchange
			seenExchanges[record.Exchange] = struct{}{}
		}
		if err := r.store.SaveMappings(ctx, mappings); err != nil {
			return report, err
		}

		// Heartbeat so a long run keeps its scope lock.
		r.kv.Expire(kv.KeySyncLock(scope), syncLockTTL)
		r.writeJob(jobID, map[string]string{
			"state":    JobRunning,
			"upserted": strconv.Itoa(report.Upserted),
			"rows":     strconv.Itoa(report.Rows),
		})
	}

	for seen := range seenExchanges {
		retired, err := r.store.DeactivateStale(ctx, seen, startedAt)
		if err != nil {
			return report, err
		}
		report.Deactivated += retired
	}

	report.FinishedAt = time.Now().UTC()
	r.writeJob(jobID, map[string]string{
		"state":       JobCompleted,
		"rows":        strconv.Itoa(report.Rows),
		"upserted":    strconv.Itoa(report.Upserted),
		"deactivated": strconv.Itoa(report.Deactivated),
		"skipped":     strconv.Itoa(skipped),
		"finished_at": report.FinishedAt.Format(time.RFC3339),
	})
	return report, nil
}

// JobStatus returns the recorded state of a sync job, or nil when unknown.
func (r *Registry) JobStatus(jobID string) map[string]string {
	fields := r.kv.HGetAll(kv.KeySyncJob(jobID))
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (r *Registry) writeJob(jobID string, fields map[string]string) {
	key := kv.KeySyncJob(jobID)
	r.kv.HSet(key, fields)
	r.kv.Expire(key, syncJobTTL)
}
