package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/subtitle"
	"github.com/mattn/go-shellwords"
)

// execEngine runs the inference CLI as a long-lived child process speaking
// JSON lines over stdio. The model loads once at Start and stays resident;
// each Transcribe is one request/response round trip. The child sees exactly
// one device: CUDA_VISIBLE_DEVICES is pinned in its environment so the
// backend cannot bleed onto siblings.
type execEngine struct {
	cmd      []string
	key      Key
	deviceID int

	mu     sync.Mutex
	child  *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *bytes.Buffer
}

type execRequest struct {
	AudioPath string `json:"audio_path"`
	Language  string `json:"language,omitempty"`
	Task      string `json:"task"`
	Prompt    string `json:"prompt,omitempty"`
}

type execResponse struct {
	Status   string             `json:"status,omitempty"`
	Segments []subtitle.Segment `json:"segments"`
	Error    string             `json:"error,omitempty"`
}

// NewExecFactory builds a Factory around the configured engine command.
func NewExecFactory(command string) (Factory, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return func(key Key, deviceID int) (Engine, error) {
		return &execEngine{cmd: args, key: key, deviceID: deviceID}, nil
	}, nil
}

func (e *execEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--model", e.key.Model,
		"--compute-type", e.key.Precision,
		"--serve",
	)

	child := exec.Command(base, args...)
	child.Env = append(os.Environ(), fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", e.deviceID))

	stdin, err := child.StdinPipe()
	if err != nil {
		return &SpawnError{Key: e.key, DeviceID: e.deviceID, Err: err}
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return &SpawnError{Key: e.key, DeviceID: e.deviceID, Err: err}
	}
	stderr := &bytes.Buffer{}
	child.Stderr = stderr

	if err := child.Start(); err != nil {
		return &SpawnError{Key: e.key, DeviceID: e.deviceID, Err: err}
	}

	e.child = child
	e.stdin = stdin
	e.stdout = bufio.NewReader(stdout)
	e.stderr = stderr

	// The child answers {"status":"ready"} once the model is resident.
	ready := make(chan error, 1)
	go func() {
		var resp execResponse
		ready <- e.readResponse(&resp)
	}()

	select {
	case err := <-ready:
		if err != nil {
			e.kill()
			return e.classifySpawn(err)
		}
	case <-ctx.Done():
		e.kill()
		return &SpawnError{Key: e.key, DeviceID: e.deviceID, Err: ctx.Err()}
	}
	return nil
}

func (e *execEngine) Transcribe(ctx context.Context, req Request) ([]subtitle.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.child == nil {
		return nil, ErrEngineLost
	}

	payload, err := json.Marshal(execRequest{
		AudioPath: req.AudioPath,
		Language:  req.Language,
		Task:      req.Task,
		Prompt:    req.Prompt,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.stdin.Write(append(payload, '\n')); err != nil {
		return nil, e.classifyRuntime(fmt.Errorf("engine write: %w: %v", ErrEngineLost, err))
	}

	type answer struct {
		resp execResponse
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		var resp execResponse
		err := e.readResponse(&resp)
		done <- answer{resp: resp, err: err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			return nil, e.classifyRuntime(a.err)
		}
		if a.resp.Error != "" {
			return nil, e.classifyRuntime(fmt.Errorf("engine: %s", a.resp.Error))
		}
		return a.resp.Segments, nil
	case <-ctx.Done():
		// The inference call is opaque and non-interruptible; abandoning
		// the engine process is the only safe cancellation.
		e.kill()
		return nil, fmt.Errorf("%w: %v", ErrEngineLost, ctx.Err())
	}
}

func (e *execEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.child == nil {
		return nil
	}
	_ = e.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- e.child.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = e.child.Process.Kill()
		<-done
	}
	e.child = nil
	return nil
}

func (e *execEngine) readResponse(resp *execResponse) error {
	line, err := e.stdout.ReadBytes('\n')
	if err != nil {
		// A broken pipe means the backend process is gone.
		return fmt.Errorf("engine read: %w: %v", ErrEngineLost, err)
	}
	if err := json.Unmarshal(line, resp); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

func (e *execEngine) kill() {
	if e.child != nil && e.child.Process != nil {
		_ = e.child.Process.Kill()
		_ = e.child.Wait()
	}
	e.child = nil
}

func (e *execEngine) classifySpawn(err error) error {
	if e.exhausted(err) {
		return &ExhaustionError{DeviceID: e.deviceID, Err: err}
	}
	return &SpawnError{Key: e.key, DeviceID: e.deviceID, Err: err}
}

func (e *execEngine) classifyRuntime(err error) error {
	if e.exhausted(err) {
		return &ExhaustionError{DeviceID: e.deviceID, Err: err}
	}
	return err
}

func (e *execEngine) exhausted(err error) bool {
	text := strings.ToLower(err.Error())
	if e.stderr != nil {
		text += " " + strings.ToLower(e.stderr.String())
	}
	return strings.Contains(text, "out of memory") || strings.Contains(text, "cuda error")
}
