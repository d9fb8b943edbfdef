package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/kb"
	"github.com/kbserve/kbserve/internal/pipeline"
	"github.com/kbserve/kbserve/internal/schema"
)

// unquote undoes percent-encoding clients apply to non-ASCII KB names.
func unquote(name string) string {
	if decoded, err := url.QueryUnescape(name); err == nil {
		return decoded
	}
	return name
}

// pipelineOptions merges per-request chunking overrides over the
// configured defaults. Zero means "use the default".
func (s *Server) pipelineOptions(chunkSize, chunkOverlap int, zhTitleEnhance *bool) pipeline.Options {
	opts := pipeline.Options{
		ChunkSize:      s.cfg.Search.ChunkSize,
		ChunkOverlap:   s.cfg.Search.ChunkOverlap,
		ZhTitleEnhance: s.cfg.Search.ZhTitleEnhance,
	}
	if chunkSize > 0 {
		opts.ChunkSize = chunkSize
	}
	if chunkOverlap > 0 {
		opts.ChunkOverlap = chunkOverlap
	}
	if zhTitleEnhance != nil {
		opts.ZhTitleEnhance = *zhTitleEnhance
	}
	return opts
}

// docOut is one retrieved chunk as clients receive it.
type docOut struct {
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata"`
	Score       float64        `json:"score"`
	ID          string         `json:"id"`
}

func toDocOut(docs []schema.ScoredDocument) []docOut {
	out := make([]docOut, 0, len(docs))
	for _, d := range docs {
		out = append(out, docOut{
			PageContent: d.PageContent,
			Metadata:    d.Metadata,
			Score:       d.Score,
			ID:          d.ID,
		})
	}
	return out
}

func (s *Server) listKnowledgeBases(c *gin.Context) {
	names, err := s.manager.ListKBNames(c.Request.Context())
	if err != nil {
		fail(c, 500, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	ok(c, "success", names)
}

func (s *Server) listKnowledgeBaseDetails(c *gin.Context) {
	details, err := s.manager.ListKBDetails(c.Request.Context())
	if err != nil {
		fail(c, 500, err.Error())
		return
	}
	ok(c, "success", details)
}

func (s *Server) createKnowledgeBase(c *gin.Context) {
	var req struct {
		KnowledgeBaseName string `json:"knowledge_base_name"`
		VectorStoreType   string `json:"vector_store_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 500, err.Error())
		return
	}

	err := s.manager.CreateKB(c.Request.Context(), req.KnowledgeBaseName, req.VectorStoreType)
	switch {
	case err == nil:
		ok(c, fmt.Sprintf("已新增知识库 %s", req.KnowledgeBaseName), nil)
	case kberrors.HasCode(err, kberrors.ErrCodeInvalidKBName),
		kberrors.HasCode(err, kberrors.ErrCodeKBExists):
		fail(c, 500, kberrors.GetMessage(err))
	default:
		fail(c, 500, fmt.Sprintf("创建知识库出错： %s", kberrors.GetMessage(err)))
	}
}

func (s *Server) deleteKnowledgeBase(c *gin.Context) {
	var req struct {
		KnowledgeBaseName string `json:"knowledge_base_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 500, err.Error())
		return
	}
	name := unquote(req.KnowledgeBaseName)

	if err := kb.ValidateKBName(name); err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}
	if !s.manager.ExistKB(c.Request.Context(), name) {
		fail(c, 500, fmt.Sprintf("未找到知识库 %s", name))
		return
	}
	if err := s.manager.DeleteKB(c.Request.Context(), name); err != nil {
		fail(c, 500, fmt.Sprintf("删除知识库时出现意外： %s", kberrors.GetMessage(err)))
		return
	}
	ok(c, fmt.Sprintf("成功删除知识库 %s", name), nil)
}

func (s *Server) updateKBInfo(c *gin.Context) {
	var req struct {
		KnowledgeBaseName string `json:"knowledge_base_name"`
		KBInfo            string `json:"kb_info"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 500, err.Error())
		return
	}

	if err := kb.ValidateKBName(req.KnowledgeBaseName); err != nil {
		fail(c, 403, kberrors.GetMessage(err))
		return
	}
	svc, err := s.manager.GetService(c.Request.Context(), req.KnowledgeBaseName)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}
	if err := svc.UpdateInfo(c.Request.Context(), req.KBInfo); err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}
	ok(c, "知识库介绍修改完成", gin.H{"kb_info": req.KBInfo})
}

func (s *Server) recreateVectorStore(c *gin.Context) {
	var req struct {
		KnowledgeBaseName string `json:"knowledge_base_name"`
		AllowEmptyKB      *bool  `json:"allow_empty_kb"`
		ChunkSize         int    `json:"chunk_size"`
		ChunkOverlap      int    `json:"chunk_overlap"`
		ZhTitleEnhance    *bool  `json:"zh_title_enhance"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 500, err.Error())
		return
	}
	allowEmpty := true
	if req.AllowEmptyKB != nil {
		allowEmpty = *req.AllowEmptyKB
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	emit := func(e kb.ProgressEvent) {
		data, _ := json.Marshal(e)
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		c.Writer.Flush()
	}

	svc, err := s.manager.GetService(c.Request.Context(), req.KnowledgeBaseName)
	if err != nil {
		emit(kb.ProgressEvent{
			Code: 404,
			Msg:  fmt.Sprintf("未找到知识库 ‘%s’", req.KnowledgeBaseName),
		})
		return
	}

	opts := s.pipelineOptions(req.ChunkSize, req.ChunkOverlap, req.ZhTitleEnhance)
	if err := svc.RecreateVectorStore(c.Request.Context(), allowEmpty, opts, emit); err != nil {
		emit(kb.ProgressEvent{Code: 500, Msg: kberrors.GetMessage(err)})
	}
}

func (s *Server) searchDocs(c *gin.Context) {
	var req struct {
		Query             string   `json:"query"`
		KnowledgeBaseName string   `json:"knowledge_base_name"`
		TopK              int      `json:"top_k"`
		ScoreThreshold    *float64 `json:"score_threshold"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 500, err.Error())
		return
	}
	if req.TopK <= 0 {
		req.TopK = s.cfg.Search.TopK
	}
	threshold := s.cfg.Search.ScoreThreshold
	if req.ScoreThreshold != nil {
		threshold = *req.ScoreThreshold
	}

	svc, err := s.manager.GetService(c.Request.Context(), req.KnowledgeBaseName)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}

	docs, err := svc.SearchDocs(c.Request.Context(), req.Query, req.TopK, threshold)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}

	searchRequests.Inc()
	c.JSON(http.StatusOK, toDocOut(docs))
}

func (s *Server) listKBFileDetails(c *gin.Context) {
	name := c.Query("knowledge_base_name")
	svc, err := s.manager.GetService(c.Request.Context(), name)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}
	details, err := svc.ListFileDetails(c.Request.Context())
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}
	ok(c, "success", details)
}

func (s *Server) uploadFiles(c *gin.Context) {
	name := c.PostForm("knowledge_base_name")
	override := c.PostForm("override") == "true"
	toVectorStore := c.PostForm("to_vector_store") != "false"

	svc, err := s.manager.GetService(c.Request.Context(), name)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		fail(c, 500, err.Error())
		return
	}

	var uploads []kb.Upload
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			fail(c, 500, err.Error())
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			fail(c, 500, err.Error())
			return
		}
		uploads = append(uploads, kb.Upload{FileName: fh.Filename, Data: data})
	}

	saved, failedFiles := svc.UploadFiles(uploads, override)

	if toVectorStore && len(saved) > 0 {
		opts := s.pipelineOptions(
			atoiDefault(c.PostForm("chunk_size")),
			atoiDefault(c.PostForm("chunk_overlap")),
			parseBoolPtr(c.PostForm("zh_title_enhance")))
		for fileName, msg := range svc.UpdateFiles(c.Request.Context(), saved, opts) {
			failedFiles[fileName] = msg
		}
	}

	ok(c, "文件上传与向量化完成", gin.H{"failed_files": failedFiles})
}

func (s *Server) updateFiles(c *gin.Context) {
	var req struct {
		KnowledgeBaseName string   `json:"knowledge_base_name"`
		FileNames         []string `json:"file_names"`
		ChunkSize         int      `json:"chunk_size"`
		ChunkOverlap      int      `json:"chunk_overlap"`
		ZhTitleEnhance    *bool    `json:"zh_title_enhance"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 500, err.Error())
		return
	}

	svc, err := s.manager.GetService(c.Request.Context(), req.KnowledgeBaseName)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}

	opts := s.pipelineOptions(req.ChunkSize, req.ChunkOverlap, req.ZhTitleEnhance)
	failedFiles := svc.UpdateFiles(c.Request.Context(), req.FileNames, opts)
	ok(c, "更新文档完成", gin.H{"failed_files": failedFiles})
}

func (s *Server) deleteFiles(c *gin.Context) {
	var req struct {
		KnowledgeBaseName string   `json:"knowledge_base_name"`
		FileNames         []string `json:"file_names"`
		DeleteContent     bool     `json:"delete_content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 500, err.Error())
		return
	}
	name := unquote(req.KnowledgeBaseName)

	if err := kb.ValidateKBName(name); err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}
	svc, err := s.manager.GetService(c.Request.Context(), name)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}

	failedFiles := map[string]string{}
	for _, fileName := range req.FileNames {
		exists, err := svc.ExistFile(c.Request.Context(), fileName)
		if err == nil && !exists {
			failedFiles[fileName] = fmt.Sprintf("未找到文件 %s", fileName)
		}
		if err := svc.DeleteFile(c.Request.Context(), fileName, req.DeleteContent); err != nil {
			failedFiles[fileName] = fmt.Sprintf("%s 文件删除失败，错误信息：%s",
				fileName, kberrors.GetMessage(err))
		}
	}
	ok(c, "文件删除完成", gin.H{"failed_files": failedFiles})
}

func (s *Server) downloadFile(c *gin.Context) {
	name := c.Query("knowledge_base_name")
	fileName := c.Query("file_name")
	preview := c.Query("preview") == "true"

	if err := kb.ValidateKBName(name); err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}
	svc, err := s.manager.GetService(c.Request.Context(), name)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}

	path := svc.FilePath(fileName)
	if !s.manager.Blob().Exists(name, fileName) {
		fail(c, 500, fmt.Sprintf("%s 读取文件失败", fileName))
		return
	}

	if preview {
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", fileName))
	} else {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}
	c.File(path)
}

func (s *Server) listFileDocs(c *gin.Context) {
	var req struct {
		KnowledgeBaseName string         `json:"knowledge_base_name"`
		FileName          string         `json:"file_name"`
		Metadata          map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 500, err.Error())
		return
	}

	svc, err := s.manager.GetService(c.Request.Context(), req.KnowledgeBaseName)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}

	docs, err := svc.ListFileDocs(c.Request.Context(), req.FileName, req.Metadata)
	if err != nil {
		fail(c, 500, kberrors.GetMessage(err))
		return
	}
	c.JSON(http.StatusOK, toDocOut(docs))
}

func atoiDefault(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseBoolPtr(s string) *bool {
	switch s {
	case "true":
		v := true
		return &v
	case "false":
		v := false
		return &v
	}
	return nil
}
