package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/haasonsaas/pidgin/pkg/models"
)

// jsonlSink appends events to a file, one flat JSON object per line.
// Every line is written with a single syscall so a crash loses at most
// the event being written.
type jsonlSink struct {
	mu   sync.Mutex
	file *os.File
}

func openSink(path string) (*jsonlSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &jsonlSink{file: f}, nil
}

func (s *jsonlSink) write(event *models.Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("sink closed")
	}
	_, err = s.file.Write(line)
	return err
}

func (s *jsonlSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// OpenConversationLog attaches a JSONL sink receiving every event of
// one conversation. The file is created or appended to.
func (b *Bus) OpenConversationLog(conversationID, path string) error {
	sink, err := openSink(path)
	if err != nil {
		return fmt.Errorf("bus: open conversation log: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if old := b.sinks[conversationID]; old != nil {
		_ = old.close()
	}
	b.sinks[conversationID] = sink
	return nil
}

// CloseConversationLog flushes and detaches a conversation's sink.
// Publishing for that conversation remains valid; events just stop
// being persisted there.
func (b *Bus) CloseConversationLog(conversationID string) error {
	b.mu.Lock()
	sink := b.sinks[conversationID]
	delete(b.sinks, conversationID)
	b.mu.Unlock()

	if sink == nil {
		return nil
	}
	return sink.close()
}

// OpenExperimentLog attaches the sink for experiment-level events,
// those published without a conversation id.
func (b *Bus) OpenExperimentLog(path string) error {
	sink, err := openSink(path)
	if err != nil {
		return fmt.Errorf("bus: open experiment log: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.global != nil {
		_ = b.global.close()
	}
	b.global = sink
	return nil
}

// Close detaches every sink. Subscriptions survive.
func (b *Bus) Close() error {
	b.mu.Lock()
	sinks := make([]*jsonlSink, 0, len(b.sinks)+1)
	for id, s := range b.sinks {
		sinks = append(sinks, s)
		delete(b.sinks, id)
	}
	if b.global != nil {
		sinks = append(sinks, b.global)
		b.global = nil
	}
	b.mu.Unlock()

	var firstErr error
	for _, s := range sinks {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
