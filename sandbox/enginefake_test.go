package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// fakeEngine implements Engine in memory for tests.
type fakeEngine struct {
	mu sync.Mutex

	images map[string]bool

	listErr        error
	pullErr        error
	pullStreamErr  bool
	buildErr       error
	buildStreamErr bool
	pullDelay      time.Duration

	createErr error
	startErr  error
	stopErr   error
	removeErr error

	hostPort int

	// execFn, when set, serves Exec calls. Otherwise every exec returns an
	// empty stream.
	execFn func(containerID string, cmd []string) (ExecStream, error)

	listCalls int
	pulls     int
	builds    int
	nextID    int
	created   []string
	specs     []ContainerSpec
	started   map[string]bool
	stopped   map[string]bool
	removed   map[string]bool
	execCmds  [][]string

	createDelay time.Duration
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		images:  make(map[string]bool),
		started: make(map[string]bool),
		stopped: make(map[string]bool),
		removed: make(map[string]bool),
	}
}

func (f *fakeEngine) Ping(context.Context) error { return nil }

func (f *fakeEngine) ImageExists(_ context.Context, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return false, f.listErr
	}
	return f.images[tag], nil
}

func (f *fakeEngine) PullImage(_ context.Context, _ string) (io.ReadCloser, error) {
	if f.pullDelay > 0 {
		time.Sleep(f.pullDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return progressStream(f.pullStreamErr), nil
}

func (f *fakeEngine) BuildImage(_ context.Context, buildContext io.Reader, tag string) (io.ReadCloser, error) {
	// Consume the context like the real engine would.
	if _, err := io.Copy(io.Discard, buildContext); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	if !f.buildStreamErr {
		f.images[tag] = true
	}
	return progressStream(f.buildStreamErr), nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.created = append(f.created, id)
	f.specs = append(f.specs, spec)
	return id, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started[containerID] = true
	return nil
}

func (f *fakeEngine) InspectHostPort(_ context.Context, _ string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hostPort, nil
}

func (f *fakeEngine) Exec(_ context.Context, containerID string, cmd []string) (ExecStream, error) {
	f.mu.Lock()
	f.execCmds = append(f.execCmds, cmd)
	fn := f.execFn
	f.mu.Unlock()
	if fn != nil {
		return fn(containerID, cmd)
	}
	return newFramedStream("", ""), nil
}

func (f *fakeEngine) StopContainer(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped[containerID] = true
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed[containerID] = true
	return nil
}

func (f *fakeEngine) Close() error { return nil }

// progressStream returns a pull/build progress stream in the engine's wire
// format, optionally ending with an in-band error event.
func progressStream(withErr bool) io.ReadCloser {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	_ = enc.Encode(jsonmessage.JSONMessage{Status: "working"})
	if withErr {
		_ = enc.Encode(jsonmessage.JSONMessage{Error: &jsonmessage.JSONError{Message: "stream failed"}})
	} else {
		_ = enc.Encode(jsonmessage.JSONMessage{Status: "done"})
	}
	return io.NopCloser(&buf)
}

// muxOutput frames stdout and stderr the way the engine multiplexes exec
// output.
func muxOutput(stdout, stderr string) []byte {
	var buf bytes.Buffer
	if stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	}
	if stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	}
	return buf.Bytes()
}

// framedStream is a finite multiplexed exec stream.
type framedStream struct {
	buf    *bytes.Reader
	closed bool
}

func newFramedStream(stdout, stderr string) ExecStream {
	return &framedStream{buf: bytes.NewReader(muxOutput(stdout, stderr))}
}

func (s *framedStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Read(p)
}

func (s *framedStream) Close() error {
	s.closed = true
	return nil
}

// hangingStream emits its frames and then blocks until closed, like an
// exec whose process never exits.
type hangingStream struct {
	mu   sync.Mutex
	buf  *bytes.Reader
	hold chan struct{}
	once sync.Once
}

func newHangingStream(stdout, stderr string) *hangingStream {
	return &hangingStream{
		buf:  bytes.NewReader(muxOutput(stdout, stderr)),
		hold: make(chan struct{}),
	}
}

func (s *hangingStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	n, err := s.buf.Read(p)
	s.mu.Unlock()
	if err == nil {
		return n, nil
	}
	<-s.hold
	return 0, io.ErrClosedPipe
}

func (s *hangingStream) Close() error {
	s.once.Do(func() { close(s.hold) })
	return nil
}
