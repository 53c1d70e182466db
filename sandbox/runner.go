package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// ExecResult is the outcome of one code execution. Error holds whatever the
// run emitted on standard error plus any timeout marker; an empty Error
// does not certify a zero exit status, since exit status is not part of
// this contract.
type ExecResult struct {
	Output string
	Error  string
}

// ExecRunner runs one piece of user-supplied source text to completion (or
// timeout) inside an already-running container.
type ExecRunner struct {
	logger *zap.Logger
	engine Engine
	cfg    *Config
}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner(logger *zap.Logger, engine Engine, cfg *Config) *ExecRunner {
	return &ExecRunner{
		logger: logger,
		engine: engine,
		cfg:    cfg,
	}
}

// Run delivers the source into the container's workspace, executes it with
// the configured runtime command, and returns the captured, trimmed output.
// Engine-level failures are folded into the Error field so callers always
// get a well-formed result.
func (r *ExecRunner) Run(ctx context.Context, containerID, source string) ExecResult {
	if err := r.deliver(ctx, containerID, source); err != nil {
		r.logger.Warn("payload delivery failed",
			zap.String("container_id", containerID),
			zap.Error(err))
		return ExecResult{Error: strings.TrimSpace(err.Error())}
	}
	return r.run(ctx, containerID)
}

// deliver writes the source to the workspace code file through a short
// in-container shell. The payload is inert inside the single-quoted base64
// literal; only the decoded file ever contains the user's text.
func (r *ExecRunner) deliver(ctx context.Context, containerID, source string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(source))
	codePath := path.Join(r.cfg.WorkspaceDir, r.cfg.CodeFile)
	cmd := []string{"sh", "-c", fmt.Sprintf("echo '%s' | base64 -d > %s", encoded, codePath)}

	stream, err := r.engine.Exec(ctx, containerID, cmd)
	if err != nil {
		return err
	}
	defer stream.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, stream); err != nil {
		return err
	}
	return nil
}

// run launches the runtime command against the delivered file. Only this
// step is time-bounded; on expiry the stream is abandoned with whatever
// output accumulated so far, and the in-container process may keep running
// until the container is stopped.
func (r *ExecRunner) run(ctx context.Context, containerID string) ExecResult {
	stream, err := r.engine.Exec(ctx, containerID, r.cfg.RunCommand)
	if err != nil {
		return ExecResult{Error: strings.TrimSpace(err.Error())}
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, stream)
		done <- copyErr
	}()

	timer := time.NewTimer(r.cfg.ExecTimeout)
	defer timer.Stop()

	timedOut := false
	select {
	case copyErr := <-done:
		stream.Close()
		if copyErr != nil && !errors.Is(copyErr, io.EOF) {
			appendLine(&stderr, copyErr.Error())
		}
	case <-timer.C:
		timedOut = true
		stream.Close()
		<-done
	case <-ctx.Done():
		stream.Close()
		<-done
		appendLine(&stderr, ctx.Err().Error())
	}

	if timedOut {
		appendLine(&stderr, fmt.Sprintf("Execution timeout (%d seconds)", int(r.cfg.ExecTimeout.Seconds())))
		r.logger.Warn("execution timed out, stream abandoned",
			zap.String("container_id", containerID),
			zap.Duration("timeout", r.cfg.ExecTimeout))
	}

	return ExecResult{
		Output: strings.TrimSpace(stdout.String()),
		Error:  strings.TrimSpace(stderr.String()),
	}
}

func appendLine(buf *bytes.Buffer, line string) {
	if buf.Len() > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString(line)
}
