// Package kb is the knowledge base service façade. It binds the blob
// store, the catalog and the vector index together and enforces their
// three-way consistency: a cataloged file always has its blob on disk
// and at least one chunk in the index, and a file absent from the
// catalog has no chunks under its source.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/kbserve/kbserve/internal/blob"
	"github.com/kbserve/kbserve/internal/catalog"
	"github.com/kbserve/kbserve/internal/config"
	kberrors "github.com/kbserve/kbserve/internal/errors"
	"github.com/kbserve/kbserve/internal/search"
	"github.com/kbserve/kbserve/internal/vectorstore"
)

// Manager owns the process-wide service cache and the per-KB locks.
// Lifecycle of a cache entry: populated on first access, evicted on
// delete, flushed on restart.
type Manager struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	blob     *blob.Store
	factory  *vectorstore.Factory
	reranker search.Reranker // nil when reranking is disabled

	mu        sync.Mutex
	services  map[string]*Service
	kbLocks   map[string]*sync.RWMutex
	fileLocks map[string]*sync.Mutex
}

// NewManager wires the façade. reranker may be nil.
func NewManager(cfg *config.Config, cat *catalog.Catalog, store *blob.Store, factory *vectorstore.Factory, reranker search.Reranker) *Manager {
	return &Manager{
		cfg:       cfg,
		catalog:   cat,
		blob:      store,
		factory:   factory,
		reranker:  reranker,
		services:  map[string]*Service{},
		kbLocks:   map[string]*sync.RWMutex{},
		fileLocks: map[string]*sync.Mutex{},
	}
}

// ValidateKBName rejects names that could escape the content root.
// It runs before any mutation.
func ValidateKBName(name string) error {
	if strings.TrimSpace(name) == "" {
		return kberrors.Newf(kberrors.ErrCodeInvalidKBName,
			"知识库名称不能为空，请重新填写知识库名称")
	}
	if strings.Contains(name, "../") {
		return kberrors.Newf(kberrors.ErrCodeInvalidKBName, "Don't attack me")
	}
	return nil
}

// kbLock returns the per-KB lock, case-insensitively.
func (m *Manager) kbLock(kbName string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(kbName)
	lock, ok := m.kbLocks[key]
	if !ok {
		lock = &sync.RWMutex{}
		m.kbLocks[key] = lock
	}
	return lock
}

// fileLock serializes add/delete for one (kb, file) pair.
func (m *Manager) fileLock(kbName, fileName string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(kbName) + "\x00" + strings.ToLower(fileName)
	lock, ok := m.fileLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.fileLocks[key] = lock
	}
	return lock
}

// CreateKB creates a knowledge base across the blob store, the vector
// index and the catalog. A failing step undoes the earlier ones in
// reverse, best effort.
func (m *Manager) CreateKB(ctx context.Context, kbName, vsType string) error {
	if err := ValidateKBName(kbName); err != nil {
		return err
	}
	if vsType == "" {
		vsType = m.cfg.Storage.DefaultVSType
	}
	db, err := m.factory.Get(vsType)
	if err != nil {
		return err
	}

	lock := m.kbLock(kbName)
	lock.Lock()
	defer lock.Unlock()

	exists, err := m.catalog.KBExists(ctx, kbName)
	if err != nil {
		return err
	}
	if exists {
		return kberrors.Newf(kberrors.ErrCodeKBExists, "已存在知识库%s", kbName)
	}

	if err := m.blob.EnsureKB(kbName); err != nil {
		return err
	}
	if _, err := db.CreateKB(ctx, kbName); err != nil {
		_ = m.blob.DeleteKB(kbName)
		return err
	}
	info := fmt.Sprintf("关于%s的知识库", kbName)
	if err := m.catalog.AddKB(ctx, kbName, info, vsType, m.cfg.Embedding.Model); err != nil {
		_ = db.DeleteKB(ctx, kbName)
		_ = m.blob.DeleteKB(kbName)
		return err
	}

	slog.Info("kb_created",
		slog.String("kb", kbName),
		slog.String("vs_type", vsType))
	return nil
}

// DeleteKB removes the knowledge base from the index, the catalog and
// the disk, then evicts the cached handle.
func (m *Manager) DeleteKB(ctx context.Context, kbName string) error {
	if err := ValidateKBName(kbName); err != nil {
		return err
	}

	lock := m.kbLock(kbName)
	lock.Lock()
	defer lock.Unlock()

	row, err := m.catalog.LoadKB(ctx, kbName)
	if err != nil {
		return err
	}
	if row == nil {
		return kberrors.Newf(kberrors.ErrCodeKBNotFound, "未找到知识库 %s", kbName)
	}

	db, err := m.factory.Get(row.VSType)
	if err != nil {
		return err
	}
	if err := db.DeleteKB(ctx, row.Name); err != nil {
		return err
	}
	if err := m.catalog.DeleteAllFiles(ctx, row.Name); err != nil {
		return err
	}
	if err := m.catalog.DeleteKB(ctx, row.Name); err != nil {
		return err
	}
	if err := m.blob.DeleteKB(row.Name); err != nil {
		return err
	}

	m.evict(kbName)
	slog.Info("kb_deleted", slog.String("kb", kbName))
	return nil
}

// evict drops the cached service handle.
func (m *Manager) evict(kbName string) {
	m.mu.Lock()
	delete(m.services, strings.ToLower(kbName))
	m.mu.Unlock()
}

// ExistKB reports whether the knowledge base exists as a whole: a
// cached handle, or catalog + index + content directory all present.
func (m *Manager) ExistKB(ctx context.Context, kbName string) bool {
	m.mu.Lock()
	_, cached := m.services[strings.ToLower(kbName)]
	m.mu.Unlock()
	if cached {
		return true
	}
	_, err := m.GetService(ctx, kbName)
	return err == nil
}

// GetService returns the cached handle for the knowledge base, or
// rehydrates one by checking all three stores.
func (m *Manager) GetService(ctx context.Context, kbName string) (*Service, error) {
	m.mu.Lock()
	if svc, ok := m.services[strings.ToLower(kbName)]; ok {
		m.mu.Unlock()
		return svc, nil
	}
	m.mu.Unlock()

	row, err := m.catalog.LoadKB(ctx, kbName)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, kberrors.Newf(kberrors.ErrCodeKBNotFound, "未找到知识库 %s", kbName)
	}

	db, err := m.factory.Get(row.VSType)
	if err != nil {
		return nil, err
	}
	vkb, err := db.GetKB(ctx, row.Name)
	if err != nil {
		return nil, err
	}
	if vkb == nil {
		return nil, kberrors.Newf(kberrors.ErrCodeKBNotFound, "不存在向量数据库：%s", row.Name)
	}
	if info, err := os.Stat(m.blob.KBPath(row.Name)); err != nil || !info.IsDir() {
		return nil, kberrors.Newf(kberrors.ErrCodeKBNotFound, "文件管理中不存在知识库目录：%s", row.Name)
	}

	svc := m.newService(row.Name, row.VSType, vkb)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.services[strings.ToLower(kbName)]; ok {
		return existing, nil
	}
	m.services[strings.ToLower(kbName)] = svc
	return svc, nil
}

func (m *Manager) newService(kbName, vsType string, vkb vectorstore.VectorKB) *Service {
	return &Service{
		m:      m,
		KBName: kbName,
		VSType: vsType,
		vkb:    vkb,
		engine: search.NewEngine(vkb, search.EngineConfig{
			DenseWeight:  m.cfg.Search.DenseWeight,
			SparseWeight: m.cfg.Search.SparseWeight,
			RRFConstant:  m.cfg.Search.RRFConstant,
			Reranker:     m.reranker,
		}),
	}
}

// ListKBNames returns the cataloged knowledge base names.
func (m *Manager) ListKBNames(ctx context.Context) ([]string, error) {
	return m.catalog.ListKBs(ctx)
}

// KBDetail is one row of the folder/catalog cross-join.
type KBDetail struct {
	No         int    `json:"No"`
	KBName     string `json:"kb_name"`
	VSType     string `json:"vs_type"`
	KBInfo     string `json:"kb_info"`
	FileCount  int    `json:"file_count"`
	CreateTime string `json:"create_time"`
	InFolder   bool   `json:"in_folder"`
	InDB       bool   `json:"in_db"`
}

// ListKBDetails cross-joins the content directories with the catalog:
// folder-only knowledge bases surface with in_db=false so operators can
// spot drift, and vice versa.
func (m *Manager) ListKBDetails(ctx context.Context) ([]KBDetail, error) {
	result := map[string]*KBDetail{}
	var order []string

	for _, name := range m.listKBDirs() {
		key := strings.ToLower(name)
		result[key] = &KBDetail{KBName: name, InFolder: true}
		order = append(order, key)
	}

	names, err := m.catalog.ListKBs(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		row, err := m.catalog.LoadKB(ctx, name)
		if err != nil {
			return nil, err
		}
		if row == nil {
			continue
		}
		key := strings.ToLower(name)
		detail, ok := result[key]
		if !ok {
			detail = &KBDetail{KBName: row.Name}
			result[key] = detail
			order = append(order, key)
		}
		detail.InDB = true
		detail.VSType = row.VSType
		detail.KBInfo = row.Info
		detail.FileCount = row.FileCount
		detail.CreateTime = row.CreateTime.Format("2006-01-02 15:04:05")
	}

	details := make([]KBDetail, 0, len(order))
	for i, key := range order {
		d := *result[key]
		d.No = i + 1
		details = append(details, d)
	}
	return details, nil
}

// listKBDirs lists content directories under the blob root, skipping
// dotfiles and anything that is not a directory (info.db, lock file).
func (m *Manager) listKBDirs() []string {
	entries, err := os.ReadDir(m.blob.Root())
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	return names
}

// Catalog exposes the metadata store to the HTTP layer.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

// Blob exposes the content store to the HTTP layer.
func (m *Manager) Blob() *blob.Store { return m.blob }

// Config returns the process configuration.
func (m *Manager) Config() *config.Config { return m.cfg }
