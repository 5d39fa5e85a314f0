// Package collector 实现账单采集器：目录监听、解析分发与内容去重
package collector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/id"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// ErrUnsupportedFile 扩展名或魔数不在支持范围
var ErrUnsupportedFile = errors.New("unsupported file type")

// 文件魔数
var (
	magicZIP = []byte{0x50, 0x4B, 0x03, 0x04} // xlsx
	magicPNG = []byte{0x89, 0x50, 0x4E, 0x47}
	magicJPG = []byte{0xFF, 0xD8, 0xFF}
)

// Collector 账单采集器
type Collector struct {
	cfg      config.CollectorConfig
	files    *store.FileRepository
	pendings *store.PendingRepository
	registry *parserRegistry

	// 结构化单据输出，由流水线消费
	docs chan *model.Document
	// 待解析文件队列，有界
	queue chan string

	beat  func(context.Context)
	probe chan chan struct{}

	// 多模态分组：同目录且修改时间聚在窗口内的文件共享 group_id
	groupMu     sync.Mutex
	groupWindow time.Duration
	groups      map[string]*groupState
}

type groupState struct {
	groupID  string
	lastSeen time.Time
}

// New 创建采集器
func New(cfg config.CollectorConfig, files *store.FileRepository, pendings *store.PendingRepository) *Collector {
	return &Collector{
		cfg:         cfg,
		files:       files,
		pendings:    pendings,
		registry:    newParserRegistry(),
		docs:        make(chan *model.Document, cfg.QueueSize),
		queue:       make(chan string, cfg.QueueSize),
		probe:       make(chan chan struct{}),
		groupWindow: time.Duration(cfg.GroupWindowS) * time.Second,
		groups:      make(map[string]*groupState),
	}
}

// Documents 结构化单据输出通道
func (c *Collector) Documents() <-chan *model.Document {
	return c.docs
}

// RegisterParser 按名字接入新渠道解析器
func (c *Collector) RegisterParser(p StatementParser) {
	c.registry.register(p)
}

// SetHeartbeat 注入心跳刷新回调
func (c *Collector) SetHeartbeat(beat func(context.Context)) {
	c.beat = beat
}

// Probe 活性探针，和监听循环握手一次
func (c *Collector) Probe(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case c.probe <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 启动采集：先全量扫描，再进入目录监听，阻塞到 ctx 取消
func (c *Collector) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.InputDir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.cfg.InputDir); err != nil {
		return fmt.Errorf("watch input dir: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			c.workerLoop(ctx, workerID)
		}(i)
	}

	c.fullScan(ctx)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(c.queue)
			wg.Wait()
			close(c.docs)
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				close(c.queue)
				wg.Wait()
				close(c.docs)
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				c.enqueue(ctx, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				logger.Warn("watcher error", zap.Error(err))
			}

		case ack := <-c.probe:
			close(ack)

		case <-ticker.C:
			if c.beat != nil {
				c.beat(ctx)
			}
		}
	}
}

// fullScan 启动时补扫目录，覆盖停机期间落地的文件
func (c *Collector) fullScan(ctx context.Context) {
	entries, err := os.ReadDir(c.cfg.InputDir)
	if err != nil {
		logger.Warn("full scan failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		c.enqueue(ctx, filepath.Join(c.cfg.InputDir, entry.Name()))
	}
}

// enqueue 投递文件路径，队列满时丢弃并告警，依赖下次扫描兜底
func (c *Collector) enqueue(ctx context.Context, path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return
	}
	select {
	case c.queue <- path:
	case <-ctx.Done():
	default:
		logger.Warn("collector queue full, file deferred", zap.String("path", path))
	}
}

// workerLoop 解析 worker，单文件故障不影响后续
func (c *Collector) workerLoop(ctx context.Context, workerID int) {
	for path := range c.queue {
		if ctx.Err() != nil {
			return
		}
		c.processWithTimeout(ctx, path)
		if c.beat != nil {
			c.beat(ctx)
		}
	}
}

// processWithTimeout 单文件带墙钟超时，超时任务报告后放弃
func (c *Collector) processWithTimeout(ctx context.Context, path string) {
	fileCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.PerFileTimeoutS)*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.processFile(fileCtx, path)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, ErrUnsupportedFile) && !errors.Is(err, store.ErrDuplicateFile) {
			logger.Error("process file failed",
				zap.String("path", path), zap.Error(err))
		}
	case <-fileCtx.Done():
		logger.Error("process file timed out", zap.String("path", path))
	}
}

// processFile 读取、去重、分发解析
func (c *Collector) processFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	record := &model.FileRecord{
		Path:        path,
		ContentHash: contentHash,
		Status:      model.FileStatusSkipped,
	}
	if err := c.files.Create(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicateFile) {
			logger.Debug("duplicate file skipped", zap.String("path", path))
			return store.ErrDuplicateFile
		}
		return err
	}

	kind := detectKind(path, data)
	var parserName string
	var rowCount int

	switch kind {
	case "csv":
		parserName, rowCount, err = c.processCSV(ctx, data, path)
	case "xlsx":
		parserName, rowCount, err = c.processXLSX(ctx, data, path)
	case "image":
		parserName, rowCount, err = c.processImage(ctx, path)
	default:
		err = c.files.MarkFailed(ctx, record.ID, "unsupported file type")
		if err != nil {
			return err
		}
		return ErrUnsupportedFile
	}

	if err != nil {
		if markErr := c.files.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			logger.Warn("mark file failed", zap.Error(markErr))
		}
		return err
	}

	if err := c.files.MarkProcessed(ctx, record.ID, parserName, rowCount); err != nil {
		return err
	}
	logger.Info("file collected",
		zap.String("path", path),
		zap.String("parser", parserName),
		zap.Int("rows", rowCount))
	return nil
}

// processCSV 解码文本并按表头分发解析器
func (c *Collector) processCSV(ctx context.Context, data []byte, path string) (string, int, error) {
	text, encoding := decodeText(data)
	header, rows, err := readCSV(text)
	if err != nil {
		return "", 0, fmt.Errorf("read csv (%s): %w", encoding, err)
	}
	return c.parseStatement(ctx, header, rows, path)
}

// processXLSX 读第一个工作表
func (c *Collector) processXLSX(ctx context.Context, data []byte, path string) (string, int, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", 0, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", 0, errors.New("xlsx has no sheets")
	}
	allRows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", 0, fmt.Errorf("read xlsx rows: %w", err)
	}

	header, rows := splitHeader(allRows)
	if header == nil {
		return "", 0, errors.New("no recognizable header row")
	}
	return c.parseStatement(ctx, header, rows, path)
}

// parseStatement 流水行落为影子分录，trace_id 冲突按幂等跳过
func (c *Collector) parseStatement(ctx context.Context, header []string, rows [][]string, path string) (string, int, error) {
	parser := c.registry.dispatch(header)
	if parser == nil {
		return "", 0, fmt.Errorf("no parser claims header %v", header)
	}

	entries, err := parser.Parse(header, rows, path)
	if err != nil {
		return parser.Name(), 0, err
	}

	written := 0
	for _, entry := range entries {
		if err := c.pendings.Create(ctx, entry); err != nil {
			if errors.Is(err, store.ErrDuplicateTrace) {
				continue
			}
			return parser.Name(), written, err
		}
		written++
	}
	return parser.Name(), written, nil
}

// processImage 发票/小票照片进入多模态分组，作为单据交给流水线
func (c *Collector) processImage(ctx context.Context, path string) (string, int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "invoice_image", 0, err
	}

	doc := &model.Document{
		TraceID:     id.NewTraceID(),
		Description: filepath.Base(path),
		OccurredAt:  info.ModTime().UnixMilli(),
		SourceFile:  path,
		GroupID:     c.assignGroup(path, info.ModTime()),
	}

	select {
	case c.docs <- doc:
		return "invoice_image", 1, nil
	case <-ctx.Done():
		return "invoice_image", 0, ctx.Err()
	}
}

// assignGroup 同路径前缀且修改时间聚在窗口内的文件共享 group_id
func (c *Collector) assignGroup(path string, modTime time.Time) string {
	prefix := filepath.Dir(path)

	c.groupMu.Lock()
	defer c.groupMu.Unlock()

	state, ok := c.groups[prefix]
	if ok && modTime.Sub(state.lastSeen) <= c.groupWindow {
		state.lastSeen = modTime
		return state.groupID
	}

	groupID := "grp-" + id.NewTraceID()[:8]
	c.groups[prefix] = &groupState{groupID: groupID, lastSeen: modTime}
	return groupID
}

// detectKind 扩展名 + 魔数双重校验
func detectKind(path string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv", ".txt":
		return "csv"
	case ".xlsx":
		if bytes.HasPrefix(data, magicZIP) {
			return "xlsx"
		}
	case ".png":
		if bytes.HasPrefix(data, magicPNG) {
			return "image"
		}
	case ".jpg", ".jpeg":
		if bytes.HasPrefix(data, magicJPG) {
			return "image"
		}
	}
	return ""
}

// readCSV 解析 CSV 文本，自动跳过表头前的导出说明行
func readCSV(text string) ([]string, [][]string, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var all [][]string
	for {
		row, err := reader.Read()
		if err != nil {
			break
		}
		all = append(all, row)
	}
	if len(all) == 0 {
		return nil, nil, errors.New("empty csv")
	}

	header, rows := splitHeader(all)
	if header == nil {
		return nil, nil, errors.New("no recognizable header row")
	}
	return header, rows, nil
}

// headerAnchors 各渠道表头锚点列
var headerAnchors = []string{"业务流水号", "交易单号", "对方户名"}

// splitHeader 在前 30 行内定位表头
func splitHeader(all [][]string) ([]string, [][]string) {
	limit := len(all)
	if limit > 30 {
		limit = 30
	}
	for i := 0; i < limit; i++ {
		for _, anchor := range headerAnchors {
			if columnIndex(all[i], anchor) >= 0 {
				return all[i], all[i+1:]
			}
		}
	}
	return nil, nil
}
