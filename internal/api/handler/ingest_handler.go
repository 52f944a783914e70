package handler

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"job-agent-go/internal/config"
	"job-agent-go/internal/ingest"
	"job-agent-go/internal/logger"
	"job-agent-go/internal/types"
)

// IngestHandler 处理岗位批次摄取与归档清扫请求
type IngestHandler struct {
	ingestor *ingest.Ingestor
	cfg      *config.Config
}

// NewIngestHandler 创建摄取处理器
func NewIngestHandler(ingestor *ingest.Ingestor, cfg *config.Config) *IngestHandler {
	return &IngestHandler{ingestor: ingestor, cfg: cfg}
}

type ingestRequest struct {
	Source   string             `json:"source"`
	BatchID  string             `json:"batch_id"`
	Postings []types.RawPosting `json:"postings"`
}

// HandleIngest 同步摄取一个原始岗位批次
// POST /api/v1/ingest
func (h *IngestHandler) HandleIngest(ctx context.Context, c *app.RequestContext) {
	var req ingestRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败: " + err.Error()})
		return
	}
	if len(req.Postings) == 0 {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "postings 不能为空"})
		return
	}

	report, err := h.ingestor.IngestBatch(ctx, req.Source, req.BatchID, req.Postings)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("批次摄取失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, report)
}

// HandleSweep 触发归档清扫
// POST /api/v1/jobs/sweep
func (h *IngestHandler) HandleSweep(ctx context.Context, c *app.RequestContext) {
	archived, err := h.ingestor.Sweep(ctx, h.cfg.ArchiveAfter())
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("归档清扫失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"archived": archived})
}
