package worker

import (
	"context"

	"mailsync_server/pkg/logger"
)

type Handler struct {
	syncProcessor *SyncProcessor
}

func NewHandler(syncProcessor *SyncProcessor) *Handler {
	return &Handler{syncProcessor: syncProcessor}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobMailSync:
		return h.syncProcessor.ProcessSync(ctx, msg)
	case JobMailSyncDue:
		return h.syncProcessor.ProcessSyncDue(ctx, msg)
	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}
