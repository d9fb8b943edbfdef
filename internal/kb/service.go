package kb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kbserve/kbserve/internal/catalog"
	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/pipeline"
	"github.com/kbserve/kbserve/internal/schema"
	"github.com/kbserve/kbserve/internal/search"
	"github.com/kbserve/kbserve/internal/vectorstore"
)

// Service is the handle for one knowledge base. Obtained from
// Manager.GetService; safe for concurrent use.
type Service struct {
	m      *Manager
	KBName string
	VSType string
	vkb    vectorstore.VectorKB
	engine *search.Engine
}

// Upload is one file received from a client.
type Upload struct {
	FileName string
	Data     []byte
}

// pipelineOptions derives the default ingest options from configuration.
func (s *Service) pipelineOptions() pipeline.Options {
	cfg := s.m.cfg
	return pipeline.Options{
		ChunkSize:      cfg.Search.ChunkSize,
		ChunkOverlap:   cfg.Search.ChunkOverlap,
		ZhTitleEnhance: cfg.Search.ZhTitleEnhance,
	}
}

// UpdateInfo rewrites the knowledge base description.
func (s *Service) UpdateInfo(ctx context.Context, info string) error {
	ok, err := s.m.catalog.UpdateKBInfo(ctx, s.KBName, info)
	if err != nil {
		return err
	}
	if !ok {
		return kberrors.Newf(kberrors.ErrCodeKBNotFound, "未找到知识库 %s", s.KBName)
	}
	return nil
}

// SearchDocs runs hybrid retrieval against this knowledge base.
func (s *Service) SearchDocs(ctx context.Context, query string, topK int, scoreThreshold float64) ([]schema.ScoredDocument, error) {
	lock := s.m.kbLock(s.KBName)
	lock.RLock()
	defer lock.RUnlock()

	return s.engine.Search(ctx, query, topK, scoreThreshold)
}

// UploadFiles saves raw uploads into the content directory. It returns
// the names saved and a map of name to failure message for the rest.
// Saving never touches the catalog or the index.
func (s *Service) UploadFiles(files []Upload, override bool) (saved []string, failed map[string]string) {
	failed = map[string]string{}
	for _, f := range files {
		if err := s.m.blob.Save(s.KBName, f.FileName, f.Data, override); err != nil {
			if kberrors.HasCode(err, kberrors.ErrCodeFileExists) {
				failed[f.FileName] = fmt.Sprintf("文件 %s 已存在。", f.FileName)
			} else {
				failed[f.FileName] = err.Error()
			}
			continue
		}
		saved = append(saved, f.FileName)
	}
	return saved, failed
}

// UpdateFiles (re-)ingests content files into the catalog and the
// vector index. Chunking runs on a bounded worker pool; each file that
// splits successfully replaces its previous chunks atomically with
// respect to the per-file lock. Files that fail to load or split keep
// their old chunks. Returns a map of file name to failure message.
func (s *Service) UpdateFiles(ctx context.Context, fileNames []string, opts pipeline.Options) map[string]string {
	failed := map[string]string{}

	var files []*pipeline.KnowledgeFile
	for _, name := range fileNames {
		if !s.m.blob.Exists(s.KBName, name) {
			failed[name] = fmt.Sprintf("未找到文件 %s", name)
			continue
		}
		files = append(files, pipeline.NewKnowledgeFile(s.KBName, name, s.m.blob.DocPath(s.KBName, name)))
	}
	if len(files) == 0 {
		return failed
	}

	for result := range pipeline.FilesToDocs(ctx, files, opts) {
		name := result.File.FileName
		if result.Err != nil {
			failed[name] = result.Err.Error()
			slog.Warn("file_ingest_failed",
				slog.String("kb", s.KBName),
				slog.String("file", name),
				slog.String("error", result.Err.Error()))
			continue
		}
		if err := s.replaceFile(ctx, result.File); err != nil {
			failed[name] = err.Error()
			slog.Warn("file_index_failed",
				slog.String("kb", s.KBName),
				slog.String("file", name),
				slog.String("error", err.Error()))
		}
	}
	return failed
}

// replaceFile swaps the indexed chunks of one already-split file under
// the per-file lock. The catalog file row survives so re-ingest bumps
// file_version instead of resetting it; only the chunks and their
// mappings are replaced.
func (s *Service) replaceFile(ctx context.Context, kf *pipeline.KnowledgeFile) error {
	lock := s.m.fileLock(s.KBName, kf.FileName)
	lock.Lock()
	defer lock.Unlock()

	if err := s.vkb.DeleteDocs(ctx, kf.FileName); err != nil {
		return err
	}
	if _, err := s.m.catalog.DeleteFileDocs(ctx, s.KBName, kf.FileName); err != nil {
		return err
	}
	return s.addFileLocked(ctx, kf)
}

// AddFile splits (unless already split) and indexes one file.
func (s *Service) AddFile(ctx context.Context, kf *pipeline.KnowledgeFile, opts pipeline.Options) error {
	if _, err := kf.ToDocs(opts); err != nil {
		return err
	}

	lock := s.m.fileLock(s.KBName, kf.FileName)
	lock.Lock()
	defer lock.Unlock()
	return s.addFileLocked(ctx, kf)
}

func (s *Service) addFileLocked(ctx context.Context, kf *pipeline.KnowledgeFile) error {
	docs := kf.Docs
	if len(docs) == 0 {
		return kberrors.Newf(kberrors.ErrCodeSplitterFailed,
			"文件 %s 未产生任何片段", kf.FileName)
	}

	infos, err := s.vkb.AddDocs(ctx, docs)
	if err != nil {
		return err
	}

	row := &catalog.File{
		FileName:     kf.FileName,
		Ext:          strings.ToLower(filepath.Ext(kf.FileName)),
		KBName:       s.KBName,
		LoaderName:   kf.LoaderName,
		SplitterName: kf.SplitterName,
		DocsCount:    len(docs),
	}
	if info, err := os.Stat(s.m.blob.DocPath(s.KBName, kf.FileName)); err == nil {
		row.MTime = float64(info.ModTime().UnixNano()) / 1e9
		row.Size = info.Size()
	}
	if err := s.m.catalog.AddFile(ctx, row); err != nil {
		return err
	}

	fileDocs := make([]catalog.FileDoc, 0, len(infos))
	for _, info := range infos {
		fileDocs = append(fileDocs, catalog.FileDoc{
			KBName:   s.KBName,
			FileName: kf.FileName,
			DocID:    info.ID,
			Metadata: info.Metadata,
		})
	}
	if err := s.m.catalog.AddFileDocs(ctx, s.KBName, kf.FileName, fileDocs); err != nil {
		return err
	}

	slog.Info("file_indexed",
		slog.String("kb", s.KBName),
		slog.String("file", kf.FileName),
		slog.Int("docs", len(docs)))
	return nil
}

// DeleteFile removes a file's chunks from the index and its rows from
// the catalog. When deleteContent is true the blob is removed as well.
func (s *Service) DeleteFile(ctx context.Context, fileName string, deleteContent bool) error {
	lock := s.m.fileLock(s.KBName, fileName)
	lock.Lock()
	defer lock.Unlock()
	return s.deleteFileLocked(ctx, fileName, deleteContent)
}

func (s *Service) deleteFileLocked(ctx context.Context, fileName string, deleteContent bool) error {
	if err := s.vkb.DeleteDocs(ctx, fileName); err != nil {
		return err
	}
	if err := s.m.catalog.DeleteFile(ctx, s.KBName, fileName); err != nil {
		return err
	}
	if deleteContent {
		if err := s.m.blob.Delete(s.KBName, fileName); err != nil {
			return err
		}
	}
	return nil
}

// ClearKB drops every chunk and every catalog row while keeping the
// knowledge base itself and its on-disk content.
func (s *Service) ClearKB(ctx context.Context) error {
	lock := s.m.kbLock(s.KBName)
	lock.Lock()
	defer lock.Unlock()
	return s.clearLocked(ctx)
}

func (s *Service) clearLocked(ctx context.Context) error {
	db, err := s.m.factory.Get(s.VSType)
	if err != nil {
		return err
	}
	if err := db.ClearKB(ctx, s.KBName); err != nil {
		return err
	}
	if err := s.m.catalog.DeleteAllFiles(ctx, s.KBName); err != nil {
		return err
	}

	// ClearKB rebuilds the backing index, so the held handle is stale.
	vkb, err := db.GetKB(ctx, s.KBName)
	if err != nil {
		return err
	}
	if vkb == nil {
		return kberrors.Newf(kberrors.ErrCodeKBNotFound, "不存在向量数据库：%s", s.KBName)
	}
	s.vkb = vkb
	s.engine = search.NewEngine(vkb, search.EngineConfig{
		DenseWeight:  s.m.cfg.Search.DenseWeight,
		SparseWeight: s.m.cfg.Search.SparseWeight,
		RRFConstant:  s.m.cfg.Search.RRFConstant,
		Reranker:     s.m.reranker,
	})
	return nil
}

// ExistFile reports whether the file has a catalog row.
func (s *Service) ExistFile(ctx context.Context, fileName string) (bool, error) {
	return s.m.catalog.FileExists(ctx, s.KBName, fileName)
}

// FilePath returns the on-disk path of a content file.
func (s *Service) FilePath(fileName string) string {
	return s.m.blob.DocPath(s.KBName, fileName)
}

// FileDetail is one row of the per-file folder/catalog cross-join.
type FileDetail struct {
	No           int     `json:"No"`
	KBName       string  `json:"kb_name"`
	FileName     string  `json:"file_name"`
	Ext          string  `json:"file_ext"`
	Version      int     `json:"file_version"`
	MTime        float64 `json:"file_mtime"`
	Size         int64   `json:"file_size"`
	CustomDocs   bool    `json:"custom_docs"`
	DocsCount    int     `json:"docs_count"`
	LoaderName   string  `json:"document_loader"`
	SplitterName string  `json:"text_splitter"`
	InFolder     bool    `json:"in_folder"`
	InDB         bool    `json:"in_db"`
}

// ListFileDetails cross-joins the content directory with the catalog so
// drift between disk and database is visible per file.
func (s *Service) ListFileDetails(ctx context.Context) ([]FileDetail, error) {
	result := map[string]*FileDetail{}
	var order []string

	folderFiles, err := s.m.blob.ListFiles(s.KBName)
	if err != nil {
		return nil, err
	}
	for _, name := range folderFiles {
		key := strings.ToLower(name)
		result[key] = &FileDetail{
			KBName:   s.KBName,
			FileName: name,
			Ext:      strings.ToLower(filepath.Ext(name)),
			InFolder: true,
		}
		order = append(order, key)
	}

	rows, err := s.m.catalog.ListFileRecords(ctx, s.KBName)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		key := strings.ToLower(row.FileName)
		detail, ok := result[key]
		if !ok {
			detail = &FileDetail{
				KBName:   s.KBName,
				FileName: row.FileName,
				Ext:      row.Ext,
			}
			result[key] = detail
			order = append(order, key)
		}
		detail.InDB = true
		detail.Version = row.Version
		detail.MTime = row.MTime
		detail.Size = row.Size
		detail.CustomDocs = row.CustomDocs
		detail.DocsCount = row.DocsCount
		detail.LoaderName = row.LoaderName
		detail.SplitterName = row.SplitterName
	}

	sort.Strings(order)
	details := make([]FileDetail, 0, len(order))
	for i, key := range order {
		d := *result[key]
		d.No = i + 1
		details = append(details, d)
	}
	return details, nil
}

// ListFileDocs returns the indexed chunks of one file, optionally
// filtered by metadata equality. Chunks recorded in the catalog but
// missing from the index are skipped.
func (s *Service) ListFileDocs(ctx context.Context, fileName string, metadata map[string]any) ([]schema.ScoredDocument, error) {
	fileDocs, err := s.m.catalog.ListFileDocs(ctx, s.KBName, fileName, metadata)
	if err != nil {
		return nil, err
	}
	if len(fileDocs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(fileDocs))
	for _, fd := range fileDocs {
		ids = append(ids, fd.DocID)
	}
	return s.vkb.GetDocsByIDs(ctx, ids)
}

// ProgressEvent is one step of a long-running rebuild, shaped for the
// SSE stream.
type ProgressEvent struct {
	Code     int    `json:"code"`
	Msg      string `json:"msg"`
	Total    int    `json:"total"`
	Finished int    `json:"finished"`
	Doc      string `json:"doc"`
}

// RecreateVectorStore clears the index and re-ingests every content
// file from disk, emitting one event before each file and an error
// event for each failure. When allowEmpty is false an empty content
// directory aborts the rebuild.
func (s *Service) RecreateVectorStore(ctx context.Context, allowEmpty bool, opts pipeline.Options, emit func(ProgressEvent)) error {
	lock := s.m.kbLock(s.KBName)
	lock.Lock()
	defer lock.Unlock()

	folderFiles, err := s.m.blob.ListFiles(s.KBName)
	if err != nil {
		return err
	}
	if len(folderFiles) == 0 && !allowEmpty {
		return kberrors.Newf(kberrors.ErrCodeInvalidInput,
			"知识库 %s 中没有文件", s.KBName)
	}

	if err := s.clearLocked(ctx); err != nil {
		return err
	}

	var files []*pipeline.KnowledgeFile
	for _, name := range folderFiles {
		files = append(files, pipeline.NewKnowledgeFile(s.KBName, name, s.m.blob.DocPath(s.KBName, name)))
	}

	total := len(files)
	finished := 0
	for result := range pipeline.FilesToDocs(ctx, files, opts) {
		name := result.File.FileName
		if result.Err != nil {
			emit(ProgressEvent{
				Code:     500,
				Msg:      fmt.Sprintf("添加文件‘%s’到知识库‘%s’时出错：%s。已跳过。", name, s.KBName, result.Err),
				Total:    total,
				Finished: finished,
				Doc:      name,
			})
			continue
		}

		emit(ProgressEvent{
			Code:     200,
			Msg:      fmt.Sprintf("(%d / %d): %s", finished+1, total, name),
			Total:    total,
			Finished: finished,
			Doc:      name,
		})
		if err := s.addFileLocked(ctx, result.File); err != nil {
			emit(ProgressEvent{
				Code:     500,
				Msg:      fmt.Sprintf("添加文件‘%s’到知识库‘%s’时出错：%s。已跳过。", name, s.KBName, err),
				Total:    total,
				Finished: finished,
				Doc:      name,
			})
			continue
		}
		finished++
	}
	return nil
}
