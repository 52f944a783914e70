package router

import (
	"context"
	"crypto/subtle"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"

	"job-agent-go/internal/api/handler"
	"job-agent-go/internal/config"
)

// Handlers 路由注册所需的全部处理器
type Handlers struct {
	Ingest     *handler.IngestHandler
	Job        *handler.JobHandler
	Evaluation *handler.EvaluationHandler
	Task       *handler.TaskHandler
	Resume     *handler.ResumeHandler
}

// RegisterRoutes 注册API路由。
// 健康检查不鉴权；配置了api_key时其余路由启用keyauth。
func RegisterRoutes(h *server.Hertz, cfg *config.Config, hs Handlers) {
	h.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	api := h.Group("/api/v1")

	if cfg.Server.APIKey != "" {
		expected := cfg.Server.APIKey
		api.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:X-API-Key", ""),
			keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, key string) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(expected)) == 1, nil
			}),
		))
	}

	api.POST("/ingest", hs.Ingest.HandleIngest)
	api.POST("/jobs/sweep", hs.Ingest.HandleSweep)

	api.GET("/jobs", hs.Job.HandleListJobs)
	api.GET("/jobs/:job_id", hs.Job.HandleGetJob)
	api.POST("/jobs/:job_id/archive", hs.Job.HandleArchiveJob)
	api.DELETE("/jobs/:job_id", hs.Job.HandleDeleteJob)

	api.GET("/evaluations", hs.Evaluation.HandleListEvaluations)
	api.GET("/evaluations/stats", hs.Evaluation.HandleEvaluationStats)
	api.GET("/evaluations/:job_id", hs.Evaluation.HandleGetEvaluation)
	api.POST("/evaluations/batch", hs.Evaluation.HandleSubmitBatch)
	api.POST("/evaluations/:job_id", hs.Evaluation.HandleEvaluate)

	api.GET("/tasks", hs.Task.HandleListTasks)
	api.GET("/tasks/:task_id", hs.Task.HandleGetTask)

	api.POST("/resumes", hs.Resume.HandleSaveResume)
	api.POST("/resumes/upload", hs.Resume.HandleUploadResume)
	api.GET("/resumes/latest", hs.Resume.HandleLatestResume)
}
