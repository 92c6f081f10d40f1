package server

import (
	"sync"
	"time"
)

// wireSink is the StreamSink handed to StreamingHandlers: it serializes
// concurrent OnNext/OnComplete/OnError calls so wire order is preserved per
// sink, and silently drops anything after the first terminal signal (§4.6
// "Sink contract").
type wireSink struct {
	mu        sync.Mutex
	terminal  bool
	engine    *Engine
	requestID uint64
	service   string
	method    string
	startedAt time.Time
}

func newWireSink(e *Engine, requestID uint64, service, method string) *wireSink {
	return &wireSink{engine: e, requestID: requestID, service: service, method: method, startedAt: time.Now()}
}

func (s *wireSink) OnNext(value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.engine.emitResponse(s.requestID, s.service, s.method, value, true, time.Since(s.startedAt))
}

func (s *wireSink) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.terminal = true
	s.engine.emitComplete(s.requestID, s.service, s.method)
}

func (s *wireSink) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.terminal = true
	s.engine.metrics.RecordError(s.service)
	s.engine.emitError(s.requestID, s.service, err.Error())
}
