package device

import (
	"context"
	"sync"

	"telemetry-pipeline/config"
	"telemetry-pipeline/internal/logger"
)

// fakeStore implements Store in memory and counts lookups, so tests can
// assert when the cache consulted it.
type fakeStore struct {
	mu sync.Mutex

	devices map[int64]struct{}
	saved   []savedMessage

	listErr   error
	existsErr error
	saveErr   error

	existsCalls int
	saveCalls   int
}

type savedMessage struct {
	deviceID int64
	payload  string
}

func newFakeStore(deviceIDs ...int64) *fakeStore {
	s := &fakeStore{devices: make(map[int64]struct{})}
	for _, id := range deviceIDs {
		s.devices[id] = struct{}{}
	}
	return s
}

func (s *fakeStore) ListDeviceIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := make([]int64, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) DeviceExists(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.devices[id]
	return ok, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, deviceID int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, savedMessage{deviceID: deviceID, payload: string(payload)})
	return nil
}

func (s *fakeStore) Close() {}

func (s *fakeStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsCalls
}

func (s *fakeStore) savedMessages() []savedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]savedMessage{}, s.saved...)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(&config.LogConfig{Level: "error"}, "test")
	return log
}
