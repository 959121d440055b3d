package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/logger"
)

// SyncProcessor runs sync jobs and records their status per company.
type SyncProcessor struct {
	sync   in.SyncUseCase
	status out.SyncStatusStore
	now    func() time.Time
}

// NewSyncProcessor creates a SyncProcessor. status may be nil.
func NewSyncProcessor(sync in.SyncUseCase, status out.SyncStatusStore) *SyncProcessor {
	return &SyncProcessor{sync: sync, status: status, now: time.Now}
}

func (p *SyncProcessor) ProcessSync(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[MailSyncPayload](msg)
	if err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	if payload.CompanyID == "" {
		logger.Info("[SyncProcessor.ProcessSync] full pass, reason=%s", payload.Reason)
		results, err := p.sync.SyncAll(ctx)
		if err != nil {
			return err
		}
		p.recordAll(ctx, payload.JobID, results)
		return nil
	}

	logger.Info("[SyncProcessor.ProcessSync] company=%s, reason=%s", payload.CompanyID, payload.Reason)
	p.setStatus(ctx, &out.SyncJobStatus{JobID: payload.JobID, CompanyID: payload.CompanyID, State: out.SyncJobRunning})

	result, err := p.sync.SyncCompany(ctx, payload.CompanyID, payload.OwnerID)
	if err != nil {
		p.record(ctx, payload.JobID, payload.CompanyID, result, err)
		if domain.IsAuthExpired(err) {
			// Retrying cannot fix revoked credentials; everything else is retried.
			return nil
		}
		return err
	}
	// A completed pass that reports an error (expired credentials) is final.
	p.record(ctx, payload.JobID, payload.CompanyID, result, resultErr(result))
	return nil
}

func resultErr(result *domain.SyncResult) error {
	if result != nil && result.Error != "" {
		return errors.New(result.Error)
	}
	return nil
}

func (p *SyncProcessor) ProcessSyncDue(ctx context.Context, msg *Message) error {
	results, err := p.sync.SyncDue(ctx, p.now())
	if err != nil {
		return err
	}
	if len(results) > 0 {
		logger.Info("[SyncProcessor.ProcessSyncDue] synced %d due companies", len(results))
	}
	p.recordAll(ctx, msg.ID, results)
	return nil
}

func (p *SyncProcessor) recordAll(ctx context.Context, jobID string, results map[string]*domain.SyncResult) {
	for companyID, result := range results {
		p.record(ctx, jobID, companyID, result, resultErr(result))
	}
}

func (p *SyncProcessor) record(ctx context.Context, jobID, companyID string, result *domain.SyncResult, syncErr error) {
	status := &out.SyncJobStatus{JobID: jobID, CompanyID: companyID, State: out.SyncJobDone}
	if result != nil {
		status.UpdatedThreads = len(result.UpdatedThreadIDs)
	}
	if syncErr != nil {
		status.State = out.SyncJobFailed
		status.Error = syncErr.Error()
	}
	p.setStatus(ctx, status)
}

func (p *SyncProcessor) setStatus(ctx context.Context, status *out.SyncJobStatus) {
	if p.status == nil {
		return
	}
	status.UpdatedAt = p.now().UTC()
	if err := p.status.SetSyncStatus(ctx, status); err != nil {
		logger.WithError(err).Warn("[SyncProcessor] failed to store status for company %s", status.CompanyID)
	}
}
