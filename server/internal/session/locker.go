package session

import "sync"

// Locker 是按 session id 划分的互斥锁。
// 同一 session 的快照写入与引导状态写入通过它串行化；不同 session 各用各的锁。
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*keyLock)}
}

// Lock 获取 id 对应的锁，返回释放函数。释放后无人持有时条目被回收。
func (l *Locker) Lock(id string) func() {
	l.mu.Lock()
	kl, ok := l.locks[id]
	if !ok {
		kl = &keyLock{}
		l.locks[id] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.mu.Unlock()
			l.mu.Lock()
			kl.refs--
			if kl.refs == 0 {
				delete(l.locks, id)
			}
			l.mu.Unlock()
		})
	}
}

// Len 返回当前持有或等待中的 key 数，仅用于测试与诊断。
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
