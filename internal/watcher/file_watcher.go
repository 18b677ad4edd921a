package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadHandler 文件变化后的处理函数
type ReloadHandler func(ctx context.Context, filePath string) error

// FileWatcher 监控单个配置文件（如特征库 YAML），变化时触发重新加载。
// 监听的是所在目录，编辑器的原子替换（rename + create）也能被捕获
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	filePath string
	handler  ReloadHandler
	logger   *logrus.Logger
	debounce time.Duration // 防抖时间

	mu       sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(filePath string, debounce time.Duration, handler ReloadHandler, logger *logrus.Logger) (*FileWatcher, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fw := &FileWatcher{
		watcher:  watcher,
		filePath: abs,
		handler:  handler,
		logger:   logger,
		debounce: debounce,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"file":     abs,
		"debounce": debounce.String(),
	}).Info("File watcher created")

	return fw, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) {
	go fw.eventLoop(ctx)
	fw.logger.WithField("file", fw.filePath).Info("File watcher started")
}

// eventLoop 事件循环
func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer close(fw.done)

	for {
		select {
		case <-ctx.Done():
			fw.stopTimer()
			return
		case <-fw.stopChan:
			fw.stopTimer()
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}

			// 只处理创建和写入事件
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Clean(event.Name) != fw.filePath {
				continue
			}

			fw.logger.WithField("event", event.Op.String()).Debug("Watched file changed")
			fw.schedule(ctx)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：短时间内多次写入只触发一次
func (fw *FileWatcher) schedule(ctx context.Context) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, func() {
		fw.handle(ctx)
	})
}

func (fw *FileWatcher) stopTimer() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Stop()
		fw.timer = nil
	}
}

func (fw *FileWatcher) handle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := fw.handler(ctx, fw.filePath); err != nil {
		fw.logger.WithError(err).WithField("file", fw.filePath).Error("Failed to reload file")
		return
	}
	fw.logger.WithField("file", fw.filePath).Info("File reloaded")
}

// Stop 停止文件监控
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)
		err = fw.watcher.Close()
	})
	return err
}

// FilePath 监控的文件
func (fw *FileWatcher) FilePath() string {
	return fw.filePath
}
