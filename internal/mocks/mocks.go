// Package mocks holds testify mocks for the agent's ports.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Scanner() config.ScannerConfig {
	args := m.Called()
	return args.Get(0).(config.ScannerConfig)
}

func (m *MockConfig) Executor() config.ExecutorConfig {
	args := m.Called()
	return args.Get(0).(config.ExecutorConfig)
}

func (m *MockConfig) Sequencer() config.SequencerConfig {
	args := m.Called()
	return args.Get(0).(config.SequencerConfig)
}

func (m *MockConfig) Voice() config.VoiceConfig {
	args := m.Called()
	return args.Get(0).(config.VoiceConfig)
}

func (m *MockConfig) Chat() config.ChatConfig {
	args := m.Called()
	return args.Get(0).(config.ChatConfig)
}

func (m *MockConfig) Prefs() config.PrefsConfig {
	args := m.Called()
	return args.Get(0).(config.PrefsConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) Learning() config.LearningConfig {
	args := m.Called()
	return args.Get(0).(config.LearningConfig)
}

func (m *MockConfig) Routes() map[string]string {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(map[string]string)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool)       { m.Called(b) }
func (m *MockConfig) SetBrowserRemoteURL(u string)    { m.Called(u) }
func (m *MockConfig) SetServerListenAddr(addr string) { m.Called(addr) }

// -- Storage Mocks --

// MockSelectorMemory mocks schemas.SelectorMemory.
type MockSelectorMemory struct {
	mock.Mock
}

var _ schemas.SelectorMemory = (*MockSelectorMemory)(nil)

func (m *MockSelectorMemory) Upsert(ctx context.Context, route, name, selector string, md schemas.EntryMetadata) error {
	args := m.Called(ctx, route, name, selector, md)
	return args.Error(0)
}

func (m *MockSelectorMemory) Lookup(ctx context.Context, route, name string) (string, bool, error) {
	args := m.Called(ctx, route, name)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockSelectorMemory) List(ctx context.Context, route string) ([]schemas.SelectorMemoryEntry, error) {
	args := m.Called(ctx, route)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.SelectorMemoryEntry), args.Error(1)
}

// MockLearningStore mocks schemas.LearningStore.
type MockLearningStore struct {
	mock.Mock
}

var _ schemas.LearningStore = (*MockLearningStore)(nil)

func (m *MockLearningStore) RecordSignals(ctx context.Context, signals []schemas.LearningSignal) error {
	args := m.Called(ctx, signals)
	return args.Error(0)
}

func (m *MockLearningStore) SuccessCounts(ctx context.Context, route string) (map[string]int, error) {
	args := m.Called(ctx, route)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}

// MockConversationStore mocks schemas.ConversationStore.
type MockConversationStore struct {
	mock.Mock
}

var _ schemas.ConversationStore = (*MockConversationStore)(nil)

func (m *MockConversationStore) Append(ctx context.Context, msg schemas.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockConversationStore) History(ctx context.Context, sessionID string, limit int) ([]schemas.Message, error) {
	args := m.Called(ctx, sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Message), args.Error(1)
}
