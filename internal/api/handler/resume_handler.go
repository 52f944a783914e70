package handler

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"job-agent-go/internal/logger"
	"job-agent-go/internal/resume"
	"job-agent-go/internal/storage"
)

// ResumeHandler 处理主简历的保存、上传与读取
type ResumeHandler struct {
	svc *resume.Service
}

// NewResumeHandler 创建简历处理器
func NewResumeHandler(svc *resume.Service) *ResumeHandler {
	return &ResumeHandler{svc: svc}
}

type saveResumeRequest struct {
	CandidateID string `json:"candidate_id"`
	Content     string `json:"content"`
}

// HandleSaveResume 保存文本简历为新版本
// POST /api/v1/resumes
func (h *ResumeHandler) HandleSaveResume(ctx context.Context, c *app.RequestContext) {
	var req saveResumeRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败: " + err.Error()})
		return
	}

	snapshot, err := h.svc.SaveContent(ctx, req.CandidateID, req.Content, "")
	if errors.Is(err, resume.ErrEmptyContent) {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "简历内容不能为空"})
		return
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("保存简历失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"candidate_id": snapshot.CandidateID, "version": snapshot.Version})
}

// HandleUploadResume 上传PDF简历，提取文本后存为新版本
// POST /api/v1/resumes/upload (multipart: file, candidate_id)
func (h *ResumeHandler) HandleUploadResume(ctx context.Context, c *app.RequestContext) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "文件未找到"})
		return
	}
	candidateID := c.PostForm("candidate_id")

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "打开文件失败"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "读取文件失败"})
		return
	}

	snapshot, err := h.svc.UploadFile(ctx, candidateID, fileHeader.Filename, data)
	if errors.Is(err, resume.ErrUnsupportedFile) {
		c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	if errors.Is(err, resume.ErrEmptyContent) {
		c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("上传简历失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"candidate_id": snapshot.CandidateID, "version": snapshot.Version})
}

// HandleLatestResume 最新版本快照
// GET /api/v1/resumes/latest?candidate_id=
func (h *ResumeHandler) HandleLatestResume(ctx context.Context, c *app.RequestContext) {
	snapshot, err := h.svc.Latest(ctx, c.Query("candidate_id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "尚无简历快照"})
		return
	}
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, snapshot)
}
