package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-backup/backup/network"
	"github.com/bitrise-io/go-backup/backup/network/largeobject"
	"github.com/bitrise-io/go-backup/backup/state"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

type smallUpload struct {
	object  network.SmallObject
	content []byte
}

type fakeBackend struct {
	mu        sync.Mutex
	small     []smallUpload
	smallErr  func(name string) error
	sessions  map[string]string
	parts     map[string]map[int][]byte
	finalized []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions: map[string]string{},
		parts:    map[string]map[int][]byte{},
	}
}

func (f *fakeBackend) OpenLargeObjectSession(_ context.Context, _, objectName, _ string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("large-%d", len(f.sessions)+1)
	f.sessions[id] = objectName
	f.parts[id] = map[int][]byte{}
	return id, nil
}

func (f *fakeBackend) GetPartUploadCredential(_ context.Context, remoteFileID string) (largeobject.UploadCredential, error) {
	return largeobject.UploadCredential{UploadTarget: remoteFileID, Token: "token"}, nil
}

func (f *fakeBackend) UploadPart(_ context.Context, cred largeobject.UploadCredential, partNumber int, contentHash string, data []byte) (largeobject.PartReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[cred.UploadTarget][partNumber] = append([]byte(nil), data...)
	return largeobject.PartReceipt{ConfirmedHash: contentHash, ConfirmedLength: len(data)}, nil
}

func (f *fakeBackend) FinalizeLargeObjectSession(_ context.Context, remoteFileID string, partHashes []string) (largeobject.CompletedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, f.sessions[remoteFileID])
	return largeobject.CompletedObject{RemoteFileID: remoteFileID, ObjectName: f.sessions[remoteFileID]}, nil
}

func (f *fakeBackend) CancelLargeObjectSession(_ context.Context, _ string) error {
	return nil
}

func (f *fakeBackend) UploadSmallObject(_ context.Context, obj network.SmallObject) (largeobject.CompletedObject, error) {
	content, err := os.ReadFile(obj.Path)
	if err != nil {
		return largeobject.CompletedObject{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.small = append(f.small, smallUpload{object: obj, content: content})
	if f.smallErr != nil {
		if err := f.smallErr(obj.ObjectName); err != nil {
			return largeobject.CompletedObject{}, err
		}
	}
	return largeobject.CompletedObject{RemoteFileID: "small-" + obj.ObjectName, ObjectName: obj.ObjectName, ContentLength: obj.Size}, nil
}

func (f *fakeBackend) PartHasher() largeobject.ChunkHasher {
	return largeobject.SHA1Hasher
}

func (f *fakeBackend) smallNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, u := range f.small {
		names = append(names, u.object.ObjectName)
	}
	return names
}

// largeContent returns the parts of the session in part number order, concatenated.
func (f *fakeBackend) largeContent(remoteFileID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := f.parts[remoteFileID]
	var numbers []int
	for n := range parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var content []byte
	for _, n := range numbers {
		content = append(content, parts[n]...)
	}
	return content
}

type memoryStore struct {
	records   map[string]state.Record
	lookupErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]state.Record{}}
}

func (s *memoryStore) Lookup(_ context.Context, path string) (state.Record, bool, error) {
	if s.lookupErr != nil {
		return state.Record{}, false, s.lookupErr
	}
	record, ok := s.records[path]
	return record, ok, nil
}

func (s *memoryStore) Save(_ context.Context, record state.Record) error {
	if record.Path == "" {
		return errors.New("empty path")
	}
	s.records[record.Path] = record
	return nil
}

type goLibChecker struct{}

func (goLibChecker) CheckDependencies() bool { return false }

type fakeTracker struct {
	mu         sync.Mutex
	properties []analytics.Properties
	events     []string
	waited     bool
}

func (t *fakeTracker) create(_ log.Logger, properties ...analytics.Properties) analytics.Tracker {
	t.properties = properties
	return t
}

func (t *fakeTracker) Enqueue(eventName string, _ ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, eventName)
}

func (t *fakeTracker) Wait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waited = true
}

func (t *fakeTracker) count(eventName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e == eventName {
			n++
		}
	}
	return n
}

func testEngineConfig() largeobject.Config {
	return largeobject.Config{
		MinimumLargeObjectSize: 32,
		RecommendedPartSize:    16,
		MinimumPartSize:        16,
		MinWorkers:             1,
		MaxWorkers:             2,
		InitialWorkers:         2,
		MaxConsecutiveErrors:   5,
		LaunchStagger:          time.Millisecond,
		PollInterval:           time.Millisecond,
		SleepUnit:              time.Millisecond,
		AssessmentWindow:       3 * time.Minute,
	}
}
