// Package process implements synchronous and background subprocess
// execution plus MQTT shell topics, grounded on
// original_source/openwrt-mcu-bridge/mcubridge/services/process.py and
// mcubridge/services/shell.py (a thin MQTT-facing wrapper over the former,
// folded in here since there is no separate Shell component to host it).
package process

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gopsutilprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/isantolin/mcubridge/pkg/components"
	"github.com/isantolin/mcubridge/pkg/config"
	"github.com/isantolin/mcubridge/pkg/dispatcher"
	"github.com/isantolin/mcubridge/pkg/mqttspool"
	"github.com/isantolin/mcubridge/pkg/policy"
	"github.com/isantolin/mcubridge/pkg/protocol"
	"github.com/isantolin/mcubridge/pkg/state"
)

const (
	invalidPID             = 0xFFFF
	processDefaultExitCode = 255
	uint8Mask              = 0xFF
	mqttExpiryShellSeconds = uint32(120)
	processKillWaitTimeout = 3 * time.Second
	// pollBudget mirrors _PROCESS_POLL_BUDGET: a poll response must fit a
	// single frame alongside its status/exit-code/length header bytes.
	pollBudget = protocol.MaxPayloadSize - 6
)

// Component encapsulates shell/process interactions.
type Component struct {
	ctx   components.Context
	state *state.RuntimeState
	log   *slog.Logger
	cfg   config.ProcessConfig

	slots chan struct{}
}

// New builds a Component. A zero cfg.MaxConcurrent means unlimited.
func New(ctx components.Context, st *state.RuntimeState, log *slog.Logger, cfg config.ProcessConfig) *Component {
	if log == nil {
		log = slog.Default()
	}
	c := &Component{ctx: ctx, state: st, log: log, cfg: cfg}
	if cfg.MaxConcurrent > 0 {
		c.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return c
}

func (c *Component) tryAcquireSlot() bool {
	if c.slots == nil {
		return true
	}
	select {
	case c.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Component) releaseSlot() {
	if c.slots == nil {
		return
	}
	select {
	case <-c.slots:
	default:
	}
}

func (c *Component) prepareCommand(commandStr string) ([]string, error) {
	tokens, err := policy.TokenizeShellCommand(commandStr)
	if err != nil {
		return nil, err
	}
	if !c.ctx.IsCommandAllowed(tokens[0]) {
		return nil, errors.New("command not allowed")
	}
	return tokens, nil
}

// HandleRun processes CMD_PROCESS_RUN, launching the command in the
// background and replying with CMD_PROCESS_RUN_RESP once it completes.
func (c *Component) HandleRun(ctx context.Context, payload []byte) (bool, error) {
	commandStr, ok := parseCommandPacket(payload)
	if !ok {
		c.log.WarnContext(ctx, "malformed process run payload")
		c.ctx.SendFrame(ctx, protocol.StatusMalformed, []byte("command_validation_failed"))
		return false, nil
	}

	tokens, err := c.prepareCommand(commandStr)
	if err != nil {
		c.log.WarnContext(ctx, "rejected sync command", slog.String("command", commandStr), slog.Any("error", err))
		c.ctx.SendFrame(ctx, protocol.StatusError, []byte("command_validation_failed"))
		return false, nil
	}

	if !c.tryAcquireSlot() {
		c.log.WarnContext(ctx, "concurrent process limit reached", slog.Int("limit", c.cfg.MaxConcurrent))
		c.ctx.SendFrame(ctx, protocol.StatusError, []byte("process_limit_reached"))
		return false, nil
	}

	go c.executeSyncCommand(commandStr, tokens)
	return true, nil
}

func (c *Component) executeSyncCommand(command string, tokens []string) {
	defer c.releaseSlot()
	bg := context.Background()
	status, stdout, stderr, exitCode := c.runSync(tokens)
	response := buildRunResponse(status, exitCode, stdout, stderr)
	c.ctx.SendFrame(bg, protocol.CmdProcessRunResp, response)
	c.log.Debug("sent process run response", slog.String("command", command), slog.Int("status", int(status)))
}

func (c *Component) runSync(tokens []string) (status uint16, stdout, stderr []byte, exitCode int) {
	var cmdCtx context.Context
	var cancel context.CancelFunc
	if c.cfg.Timeout > 0 {
		cmdCtx, cancel = context.WithTimeout(context.Background(), c.cfg.Timeout)
	} else {
		cmdCtx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, tokens[0], tokens[1:]...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()

	var exitErr *exec.ExitError
	startFailed := runErr != nil && !errors.As(runErr, &exitErr)

	stdout = limitSyncPayload(outBuf.Bytes(), c.cfg.MaxOutputBytes.Int64())
	stderr = limitSyncPayload(errBuf.Bytes(), c.cfg.MaxOutputBytes.Int64())

	switch {
	case startFailed:
		status = protocol.StatusError
		stderr = limitSyncPayload([]byte(runErr.Error()), c.cfg.MaxOutputBytes.Int64())
		exitCode = processDefaultExitCode
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		status = protocol.StatusTimeout
		exitCode = processDefaultExitCode
	default:
		status = protocol.StatusOK
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode() & uint8Mask
		} else {
			exitCode = processDefaultExitCode
		}
	}
	return status, stdout, stderr, exitCode
}

// HandleRunAsync processes CMD_PROCESS_RUN_ASYNC, starting a monitored
// background process and replying with its allocated PID.
func (c *Component) HandleRunAsync(ctx context.Context, payload []byte) (bool, error) {
	commandStr, ok := parseCommandPacket(payload)
	if !ok {
		c.log.WarnContext(ctx, "malformed process run_async payload")
		c.ctx.SendFrame(ctx, protocol.StatusMalformed, []byte("command_validation_failed"))
		return false, nil
	}

	tokens, err := c.prepareCommand(commandStr)
	if err != nil {
		c.log.WarnContext(ctx, "rejected async command", slog.String("command", commandStr), slog.Any("error", err))
		c.ctx.SendFrame(ctx, protocol.StatusError, []byte("command_validation_failed"))
		c.publishRunAsyncError(ctx, "command_validation_failed")
		return false, nil
	}

	pid, err := c.startAsync(commandStr, tokens)
	if err != nil {
		c.log.WarnContext(ctx, "failed to start async process", slog.String("command", commandStr), slog.Any("error", err))
		c.ctx.SendFrame(ctx, protocol.StatusError, []byte("process_run_async_failed"))
		c.publishRunAsyncError(ctx, "process_run_async_failed")
		return false, nil
	}

	response := make([]byte, 2)
	binary.BigEndian.PutUint16(response, uint16(pid))
	c.ctx.SendFrame(ctx, protocol.CmdProcessRunAsyncResp, response)

	expiry := mqttExpiryShellSeconds
	c.ctx.Publish(ctx, components.TopicPath(c.ctx.TopicPrefix(), "sh", "run_async", "response"),
		[]byte(strconv.Itoa(pid)), components.PublishOptions{MessageExpiryInterval: &expiry})
	return true, nil
}

func (c *Component) publishRunAsyncError(ctx context.Context, reason string) {
	payload, _ := json.Marshal(map[string]string{"status": "error", "reason": reason})
	c.ctx.Publish(ctx, components.TopicPath(c.ctx.TopicPrefix(), "sh", "run_async", "error"), payload,
		components.PublishOptions{ContentType: "application/json"})
}

func (c *Component) startAsync(command string, tokens []string) (int, error) {
	if !c.tryAcquireSlot() {
		return 0, errors.New("concurrent process limit reached")
	}

	managed := c.state.SpawnProcess(command, int(c.cfg.OutputLimit.Int64()))

	cmd := exec.Command(tokens[0], tokens[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.state.RemoveProcess(managed.PID)
		c.releaseSlot()
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.state.RemoveProcess(managed.PID)
		c.releaseSlot()
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		c.state.RemoveProcess(managed.PID)
		c.releaseSlot()
		return 0, err
	}

	go c.monitorAsyncProcess(managed, cmd, stdout, stderr)
	c.log.Info("started async process", slog.String("command", command), slog.Int("pid", managed.PID))
	return managed.PID, nil
}

func (c *Component) monitorAsyncProcess(managed *state.ManagedProcess, cmd *exec.Cmd, stdout, stderr interface {
	Read([]byte) (int, error)
}) {
	defer c.releaseSlot()

	var outBuf, errBuf bytes.Buffer
	done := make(chan struct{})
	go func() { drainInto(&outBuf, stdout); close(done) }()
	drainInto(&errBuf, stderr)
	<-done

	waitErr := cmd.Wait()
	managed.AppendOutput(outBuf.Bytes(), errBuf.Bytes())

	exitCode := processDefaultExitCode
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode() & uint8Mask
	} else if waitErr == nil {
		exitCode = 0
	}
	managed.ExitCode = &exitCode
	managed.State = state.ProcessFinished

	if managed.IsDrained() {
		c.state.RemoveProcess(managed.PID)
		c.log.Info("async process finished", slog.Int("pid", managed.PID), slog.Int("exit_code", exitCode))
	} else {
		managed.State = state.ProcessZombie
	}
}

func drainInto(buf *bytes.Buffer, r interface{ Read([]byte) (int, error) }) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// HandlePoll processes CMD_PROCESS_POLL, returning buffered output and
// publishing the same result to MQTT.
func (c *Component) HandlePoll(ctx context.Context, payload []byte) (bool, error) {
	pid, ok := parsePIDPacket(payload)
	if !ok {
		c.log.WarnContext(ctx, "invalid process poll payload")
		c.ctx.SendFrame(ctx, protocol.CmdProcessPollResp, buildPollResponse(protocol.StatusMalformed, processDefaultExitCode, nil, nil))
		return false, nil
	}

	status, exitCode, stdout, stderr, finished, found := c.collectOutput(pid)
	if !found {
		c.log.DebugContext(ctx, "poll for unknown pid", slog.Int("pid", pid))
		c.ctx.SendFrame(ctx, protocol.CmdProcessPollResp, buildPollResponse(protocol.StatusError, processDefaultExitCode, nil, nil))
		return false, nil
	}

	c.ctx.SendFrame(ctx, protocol.CmdProcessPollResp, buildPollResponse(status, exitCode, stdout, stderr))
	c.publishPollResult(ctx, pid, status, exitCode, stdout, stderr, finished)
	return true, nil
}

// collectOutput pops buffered output for pid, reaping the managed process
// once drained, mirroring collect_output/publish_poll_result's shared core.
func (c *Component) collectOutput(pid int) (status uint16, exitCode int, stdout, stderr []byte, finished, found bool) {
	managed, exists := c.state.Process(pid)
	if !exists {
		return protocol.StatusError, processDefaultExitCode, nil, nil, false, false
	}

	stdout, stderr, _, _ = managed.PopPayload(pollBudget)
	finished = managed.State != state.ProcessRunning
	exitCode = processDefaultExitCode
	if managed.ExitCode != nil {
		exitCode = *managed.ExitCode & uint8Mask
	}

	if finished && managed.IsDrained() {
		c.state.RemoveProcess(pid)
		c.log.Info("async process finished (final poll)", slog.Int("pid", pid), slog.Int("exit_code", exitCode))
	}

	return protocol.StatusOK, exitCode, stdout, stderr, finished, true
}

func (c *Component) publishPollResult(ctx context.Context, pid int, status uint16, exitCode int, stdout, stderr []byte, finished bool) {
	payload, _ := json.Marshal(map[string]any{
		"status":        status,
		"exit_code":     exitCode,
		"stdout":        string(stdout),
		"stderr":        string(stderr),
		"stdout_base64": encodeBase64(stdout),
		"stderr_base64": encodeBase64(stderr),
		"finished":      finished,
	})
	expiry := mqttExpiryShellSeconds
	c.ctx.Publish(ctx, components.TopicPath(c.ctx.TopicPrefix(), "sh", "poll", strconv.Itoa(pid), "response"), payload,
		components.PublishOptions{
			ContentType:           "application/json",
			MessageExpiryInterval: &expiry,
			Properties:            map[string]string{"bridge-process-pid": strconv.Itoa(pid)},
		})
}

// HandleKill processes CMD_PROCESS_KILL, terminating the process tree
// rooted at pid.
func (c *Component) HandleKill(ctx context.Context, payload []byte) (bool, error) {
	pid, ok := parsePIDPacket(payload)
	if !ok {
		c.log.WarnContext(ctx, "invalid process kill payload")
		c.ctx.SendFrame(ctx, protocol.StatusMalformed, []byte("process_kill_malformed"))
		return false, nil
	}

	if !c.killManaged(pid) {
		c.log.WarnContext(ctx, "attempted to kill non-existent pid", slog.Int("pid", pid))
		c.ctx.SendFrame(ctx, protocol.StatusError, []byte("process_not_found"))
		return false, nil
	}

	c.ctx.SendFrame(ctx, protocol.StatusOK, nil)
	return true, nil
}

// killManaged terminates the process tree rooted at pid and reaps the
// managed-process record. Returns false if pid is not tracked.
func (c *Component) killManaged(pid int) bool {
	managed, exists := c.state.Process(pid)
	if !exists {
		return false
	}

	killProcessTree(pid)
	exitCode := processDefaultExitCode
	managed.ExitCode = &exitCode
	managed.State = state.ProcessZombie
	if managed.IsDrained() {
		c.state.RemoveProcess(pid)
		c.releaseSlot()
	}
	return true
}

func killProcessTree(pid int) {
	proc, err := gopsutilprocess.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, _ := proc.Children()
	targets := append(children, proc)
	for _, p := range targets {
		_ = p.Terminate()
	}
	deadline := time.Now().Add(processKillWaitTimeout)
	for time.Now().Before(deadline) {
		allDead := true
		for _, p := range targets {
			if running, _ := p.IsRunning(); running {
				allDead = false
			}
		}
		if allDead {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	for _, p := range targets {
		_ = p.Kill()
	}
}

// HandleMQTT routes sh/run, sh/run_async, sh/poll/<pid>, sh/kill/<pid>,
// folding shell.py's MQTT-facing wrapper directly into this component.
func (c *Component) HandleMQTT(ctx context.Context, route dispatcher.TopicRoute, msg dispatcher.InboundMessage) (bool, error) {
	command := strings.TrimSpace(msg.PayloadString())

	switch route.Identifier {
	case "run":
		if command == "" {
			c.log.WarnContext(ctx, "rejected empty mqtt shell command")
			return true, nil
		}
		go c.runForMQTT(command, msg)
		return true, nil
	case "run_async":
		if command == "" {
			c.log.WarnContext(ctx, "rejected empty mqtt async shell command")
			return true, nil
		}
		c.runAsyncForMQTT(ctx, command, msg)
		return true, nil
	case "poll":
		pid, ok := pidFromSegments(route.Remainder)
		if !ok {
			return false, nil
		}
		status, exitCode, stdout, stderr, finished, found := c.collectOutput(pid)
		if found {
			c.publishPollResult(ctx, pid, status, exitCode, stdout, stderr, finished)
		}
		return true, nil
	case "kill":
		pid, ok := pidFromSegments(route.Remainder)
		if !ok {
			return false, nil
		}
		c.killManaged(pid)
		return true, nil
	default:
		return false, nil
	}
}

// runForMQTT runs command synchronously and publishes a human-readable
// transcript to the shell response topic, mirroring _handle_shell_run.
func (c *Component) runForMQTT(command string, msg dispatcher.InboundMessage) {
	bg := context.Background()
	topic := components.TopicPath(c.ctx.TopicPrefix(), "sh", "response")
	expiry := mqttExpiryShellSeconds

	tokens, err := c.prepareCommand(command)
	if err != nil {
		c.publishShellText(bg, topic, expiry, "Error: "+err.Error(), &msg)
		return
	}
	if !c.tryAcquireSlot() {
		c.publishShellText(bg, topic, expiry, "Error: too many concurrent commands", &msg)
		return
	}
	defer c.releaseSlot()

	status, stdout, stderr, exitCode := c.runSync(tokens)
	stdoutText := string(stdout)
	stderrText := string(stderr)

	var response string
	switch status {
	case protocol.StatusOK:
		response = "Exit Code: " + strconv.Itoa(exitCode) +
			"\n-- STDOUT --\n" + stdoutText + "\n-- STDERR --\n" + stderrText
	case protocol.StatusTimeout:
		response = "Error: Command timed out after " + c.cfg.Timeout.String() + "."
	case protocol.StatusMalformed:
		response = "Error: Empty command"
	default:
		detail := stderrText
		if detail == "" {
			detail = "Unexpected server error"
		}
		response = "Error: " + detail
	}

	c.publishShellText(bg, topic, expiry, response, &msg)
}

func (c *Component) publishShellText(ctx context.Context, topic string, expiry uint32, text string, replyTo *dispatcher.InboundMessage) {
	c.ctx.EnqueueMQTT(ctx, mqttspool.QueuedPublish{
		Topic:                 topic,
		Payload:               []byte(text),
		ContentType:           "text/plain; charset=utf-8",
		MessageExpiryInterval: &expiry,
	}, replyTo)
}

// runAsyncForMQTT mirrors _handle_run_async: it starts a background process
// and reports either its PID or a reason it could not be started.
func (c *Component) runAsyncForMQTT(ctx context.Context, command string, msg dispatcher.InboundMessage) {
	tokens, err := c.prepareCommand(command)
	if err != nil {
		errTopic := components.TopicPath(c.ctx.TopicPrefix(), "sh", "run_async", "error")
		c.ctx.EnqueueMQTT(ctx, mqttspool.QueuedPublish{
			Topic:   errTopic,
			Payload: []byte("error:" + err.Error()),
		}, &msg)
		return
	}

	responseTopic := components.TopicPath(c.ctx.TopicPrefix(), "sh", "run_async", "response")
	pid, err := c.startAsync(command, tokens)
	if err != nil {
		c.ctx.EnqueueMQTT(ctx, mqttspool.QueuedPublish{
			Topic:   responseTopic,
			Payload: []byte("error:" + err.Error()),
		}, &msg)
		return
	}

	c.ctx.EnqueueMQTT(ctx, mqttspool.QueuedPublish{
		Topic:   responseTopic,
		Payload: []byte(strconv.Itoa(pid)),
	}, &msg)
}

func pidFromSegments(segments []string) (int, bool) {
	if len(segments) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(segments[0])
	if err != nil {
		return 0, false
	}
	return pid, true
}

func limitSyncPayload(payload []byte, limit int64) []byte {
	if limit <= 0 || int64(len(payload)) <= limit {
		return payload
	}
	return payload[len(payload)-int(limit):]
}

func buildRunResponse(status uint16, exitCode int, stdout, stderr []byte) []byte {
	out := []byte{byte(status & uint8Mask), byte(exitCode & uint8Mask)}
	out = append(out, lengthPrefixed(stdout)...)
	out = append(out, lengthPrefixed(stderr)...)
	return out
}

func buildPollResponse(status uint16, exitCode int, stdout, stderr []byte) []byte {
	return buildRunResponse(status, exitCode, stdout, stderr)
}

func lengthPrefixed(data []byte) []byte {
	out := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(out, uint16(len(data)))
	copy(out[2:], data)
	return out
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func parseCommandPacket(payload []byte) (string, bool) {
	if len(payload) < 1 {
		return "", false
	}
	length := int(payload[0])
	if len(payload) < 1+length || length == 0 {
		return "", false
	}
	return string(payload[1 : 1+length]), true
}

func parsePIDPacket(payload []byte) (int, bool) {
	if len(payload) != 2 {
		return 0, false
	}
	pid := binary.BigEndian.Uint16(payload)
	if pid == invalidPID {
		return 0, false
	}
	return int(pid), true
}
