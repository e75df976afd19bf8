package qrlogin

import "sync"

// syncSessionMap 是并发安全的会话表。
type syncSessionMap struct {
	mu sync.RWMutex
	m  map[string]*Session
}

func (s *syncSessionMap) store(id string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[string]*Session{}
	}
	s.m[id] = sess
}

func (s *syncSessionMap) load(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.m[id]
	return sess, ok
}

// evict 删除 pred 为真的会话，返回删除数量。
func (s *syncSessionMap) evict(pred func(*Session) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.m {
		if pred(sess) {
			delete(s.m, id)
			n++
		}
	}
	return n
}
