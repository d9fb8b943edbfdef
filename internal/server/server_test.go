package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbserve/kbserve/internal/blob"
	"github.com/kbserve/kbserve/internal/catalog"
	"github.com/kbserve/kbserve/internal/config"
	"github.com/kbserve/kbserve/internal/embed"
	"github.com/kbserve/kbserve/internal/kb"
	"github.com/kbserve/kbserve/internal/vectorstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	root := t.TempDir()
	cfg := config.NewConfig()
	cfg.Storage.KBRoot = root
	cfg.Storage.DefaultVSType = "local"

	cat, err := catalog.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	store, err := blob.NewStore(root)
	require.NoError(t, err)

	factory := vectorstore.NewFactory()
	factory.Register(vectorstore.NewLocalDB(root, embed.NewStaticEmbedder(32)))
	t.Cleanup(func() { _ = factory.Close() })

	manager := kb.NewManager(cfg, cat, store, factory, nil)
	return New(cfg, manager)
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func createKB(t *testing.T, srv *Server, name string) {
	t.Helper()
	_, env := doJSON(t, srv, http.MethodPost, "/create_knowledge_base", map[string]any{
		"knowledge_base_name": name,
		"vector_store_type":   "local",
	})
	require.Equal(t, 200, env.Code, env.Msg)
}

func uploadFile(t *testing.T, srv *Server, kbName, fileName, content string, toVectorStore bool) envelope {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("knowledge_base_name", kbName))
	require.NoError(t, mw.WriteField("to_vector_store", fmt.Sprintf("%t", toVectorStore)))
	part, err := mw.CreateFormFile("files", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload_files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w, _ := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	// Counters surface only after the first recorded request.
	doJSON(t, srv, http.MethodGet, "/healthz", nil)
	w, _ := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kbserve_http_requests_total")
}

func TestCreateListDeleteKnowledgeBase(t *testing.T) {
	srv := newTestServer(t)

	createKB(t, srv, "docs")

	_, env := doJSON(t, srv, http.MethodGet, "/list_knowledge_bases", nil)
	require.Equal(t, 200, env.Code)
	var names []string
	require.NoError(t, json.Unmarshal(env.Data, &names))
	assert.Equal(t, []string{"docs"}, names)

	_, env = doJSON(t, srv, http.MethodGet, "/list_knowledge_base_details", nil)
	require.Equal(t, 200, env.Code)
	var details []kb.KBDetail
	require.NoError(t, json.Unmarshal(env.Data, &details))
	require.Len(t, details, 1)
	assert.True(t, details[0].InDB)
	assert.True(t, details[0].InFolder)

	_, env = doJSON(t, srv, http.MethodPost, "/delete_knowledge_base", map[string]any{
		"knowledge_base_name": "docs",
	})
	require.Equal(t, 200, env.Code)
	assert.Contains(t, env.Msg, "成功删除知识库")

	_, env = doJSON(t, srv, http.MethodGet, "/list_knowledge_bases", nil)
	var after []string
	require.NoError(t, json.Unmarshal(env.Data, &after))
	assert.Empty(t, after)
}

func TestCreateKnowledgeBaseConflict(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "docs")

	w, env := doJSON(t, srv, http.MethodPost, "/create_knowledge_base", map[string]any{
		"knowledge_base_name": "docs",
		"vector_store_type":   "local",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, 200, env.Code)
	assert.Contains(t, env.Msg, "已存在")
}

func TestCreateKnowledgeBaseValidation(t *testing.T) {
	srv := newTestServer(t)

	_, env := doJSON(t, srv, http.MethodPost, "/create_knowledge_base", map[string]any{
		"knowledge_base_name": "../escape",
		"vector_store_type":   "local",
	})
	assert.NotEqual(t, 200, env.Code)
	assert.Contains(t, env.Msg, "Don't attack me")

	_, env = doJSON(t, srv, http.MethodPost, "/create_knowledge_base", map[string]any{
		"knowledge_base_name": "  ",
		"vector_store_type":   "local",
	})
	assert.NotEqual(t, 200, env.Code)
}

func TestUploadSearchDownloadCycle(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "docs")

	env := uploadFile(t, srv, "docs", "greeting.txt", "hello world greeting text", true)
	require.Equal(t, 200, env.Code, env.Msg)
	var data struct {
		FailedFiles map[string]string `json:"failed_files"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Empty(t, data.FailedFiles)

	// Hybrid search returns the chunk with score and id.
	req := httptest.NewRequest(http.MethodPost, "/search_docs",
		strings.NewReader(`{"knowledge_base_name":"docs","query":"hello world","top_k":3}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var results []docOut
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "greeting.txt", results[0].Metadata["source"])
	assert.NotEmpty(t, results[0].ID)
	assert.Greater(t, results[0].Score, 0.0)

	// Download the original bytes.
	req = httptest.NewRequest(http.MethodPost,
		"/download_file?knowledge_base_name=docs&file_name=greeting.txt", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world greeting text", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

	// Preview flips the disposition.
	req = httptest.NewRequest(http.MethodPost,
		"/download_file?knowledge_base_name=docs&file_name=greeting.txt&preview=true", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "inline")
}

func TestListKBFileDetailsAndFileDocs(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "docs")
	uploadFile(t, srv, "docs", "greeting.txt", "hello world greeting text", true)

	_, env := doJSON(t, srv, http.MethodGet, "/list_kb_file_details?knowledge_base_name=docs", nil)
	require.Equal(t, 200, env.Code, env.Msg)
	var details []kb.FileDetail
	require.NoError(t, json.Unmarshal(env.Data, &details))
	require.Len(t, details, 1)
	assert.Equal(t, "greeting.txt", details[0].FileName)
	assert.True(t, details[0].InDB)
	assert.True(t, details[0].InFolder)
	assert.Greater(t, details[0].DocsCount, 0)

	req := httptest.NewRequest(http.MethodPost, "/list_file_docs",
		strings.NewReader(`{"knowledge_base_name":"docs","file_name":"greeting.txt"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var docs []docOut
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &docs))
	require.NotEmpty(t, docs)
	assert.Equal(t, "greeting.txt", docs[0].Metadata["source"])
}

func TestDeleteFiles(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "docs")
	uploadFile(t, srv, "docs", "greeting.txt", "hello world greeting text", true)

	_, env := doJSON(t, srv, http.MethodPost, "/delete_files", map[string]any{
		"knowledge_base_name": "docs",
		"file_names":          []string{"greeting.txt", "missing.txt"},
		"delete_content":      true,
	})
	require.Equal(t, 200, env.Code)
	var data struct {
		FailedFiles map[string]string `json:"failed_files"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Contains(t, data.FailedFiles["missing.txt"], "未找到文件")
	assert.NotContains(t, data.FailedFiles, "greeting.txt")

	_, env = doJSON(t, srv, http.MethodGet, "/list_kb_file_details?knowledge_base_name=docs", nil)
	var details []kb.FileDetail
	require.NoError(t, json.Unmarshal(env.Data, &details))
	assert.Empty(t, details)
}

func TestUpdateKBInfo(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "docs")

	_, env := doJSON(t, srv, http.MethodPost, "/update_kb_info", map[string]any{
		"knowledge_base_name": "docs",
		"kb_info":             "规则手册",
	})
	require.Equal(t, 200, env.Code)
	assert.Contains(t, env.Msg, "知识库介绍修改完成")

	_, env = doJSON(t, srv, http.MethodGet, "/list_knowledge_base_details", nil)
	var details []kb.KBDetail
	require.NoError(t, json.Unmarshal(env.Data, &details))
	require.Len(t, details, 1)
	assert.Equal(t, "规则手册", details[0].KBInfo)
}

func TestRecreateVectorStoreSSE(t *testing.T) {
	srv := newTestServer(t)
	createKB(t, srv, "docs")
	uploadFile(t, srv, "docs", "a.txt", "hello world from file a", false)
	uploadFile(t, srv, "docs", "b.txt", "different topic entirely in b", false)

	req := httptest.NewRequest(http.MethodPost, "/recreate_vector_store",
		strings.NewReader(`{"knowledge_base_name":"docs","allow_empty_kb":false}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	var events []kb.ProgressEvent
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e kb.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, 200, e.Code)
		assert.Equal(t, 2, e.Total)
	}
}

func TestRecreateVectorStoreUnknownKB(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/recreate_vector_store",
		strings.NewReader(`{"knowledge_base_name":"ghost"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	body := w.Body.String()
	assert.Contains(t, body, `"code":404`)
	assert.Contains(t, body, "未找到知识库")
	// A single terminal event, nothing after it.
	assert.Equal(t, 1, strings.Count(body, "data: "))
}

func TestGracefulShutdown(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.Server.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
