package service

import (
	"sync"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

// subscriberBuffer 单个订阅者的缓冲，慢订阅者会丢弃中间事件
const subscriberBuffer = 128

// Broadcaster 按扫描 ID 分发进度事件
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]map[chan domain.ProgressEvent]struct{}
}

// NewBroadcaster 创建分发器
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{topics: make(map[string]map[chan domain.ProgressEvent]struct{})}
}

// Open 扫描开始时打开主题
func (b *Broadcaster) Open(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[id]; !ok {
		b.topics[id] = make(map[chan domain.ProgressEvent]struct{})
	}
}

// Subscribe 订阅主题；主题未打开时返回已关闭的通道
func (b *Broadcaster) Subscribe(id string) (<-chan domain.ProgressEvent, func()) {
	ch := make(chan domain.ProgressEvent, subscriberBuffer)

	b.mu.Lock()
	subs, ok := b.topics[id]
	if !ok {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.topics[id]; ok {
				if _, ok := subs[ch]; ok {
					delete(subs, ch)
					close(ch)
				}
			}
		})
	}
}

// Publish 非阻塞发送，缓冲已满的订阅者跳过该事件
func (b *Broadcaster) Publish(id string, ev domain.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.topics[id] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close 关闭主题及全部订阅者
func (b *Broadcaster) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.topics[id] {
		close(ch)
	}
	delete(b.topics, id)
}

// Subscribers 当前订阅者数量
func (b *Broadcaster) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[id])
}
