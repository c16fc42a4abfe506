// 包 bus：宿主 UI 控件事件的类型化广播通道
package bus

import "sync"

// 文档注释：广播主题
// 背景：每次用户操作发布一个值，所有订阅者各自收到一份；不回放历史，晚到的订阅者错过之前的事件。
// 约束：每个订阅者独立 goroutine 按 FIFO 投递；发布不阻塞、不丢弃；订阅者之间无顺序保证。
type Topic[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscription：订阅令牌，Unsubscribe 后不再投递
type Subscription[T any] struct {
	id      uint64
	topic   *Topic[T]
	handler func(T)
	mu      sync.Mutex
	queue   []T
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Subscribe：注册处理函数；返回的令牌用于退订
func (t *Topic[T]) Subscribe(handler func(T)) *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Subscription[T]{
		topic:   t,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if t.closed {
		close(s.done)
		return s
	}
	t.nextID++
	s.id = t.nextID
	t.subs[s.id] = s
	go s.loop()
	return s
}

// Publish：向当前所有订阅者投递
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, s := range t.subs {
		s.push(v)
	}
}

// subscribers 当前订阅数
func (t *Topic[T]) subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close：停止全部订阅；之后的发布被忽略
func (t *Topic[T]) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = map[uint64]*Subscription[T]{}
	t.closed = true
	t.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// Unsubscribe：幂等；已排队但未投递的事件被丢弃
func (s *Subscription[T]) Unsubscribe() {
	if s.topic != nil {
		s.topic.mu.Lock()
		delete(s.topic.subs, s.id)
		s.topic.mu.Unlock()
	}
	s.stop()
}

func (s *Subscription[T]) stop() {
	s.once.Do(func() {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	})
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(v)
		}
	}
}
