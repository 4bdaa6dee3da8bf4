package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/dagflow/types"
	"github.com/warriorguo/dagflow/utils"
)

const (
	MetaCommand = "command"

	EnvWorkflow = "DAGFLOW_WORKFLOW"
	EnvNode     = "DAGFLOW_NODE"
	EnvNodeName = "DAGFLOW_NODE_NAME"
	EnvInputs   = "DAGFLOW_INPUTS"
	EnvExports  = "DAGFLOW_EXPORTS"
	EnvConsume  = "DAGFLOW_CONSUME"
	EnvProduce  = "DAGFLOW_PRODUCE"

	ConsumeFile = "consume.json"
	ProduceFile = "produce.json"
)

var (
	_ types.Executor        = &Executor{}
	_ types.ResourceManager = &Executor{}
	_ types.Killer          = &Executor{}
)

type Option func(*Executor)

// WithBaseDir is where node working directories are created, os.TempDir by default.
func WithBaseDir(dir string) Option {
	return func(e *Executor) {
		e.baseDir = dir
	}
}

func WithShell(shell string) Option {
	return func(e *Executor) {
		e.shell = shell
	}
}

// WithEnv appends KEY=VALUE pairs to the environment of every node.
func WithEnv(env ...string) Option {
	return func(e *Executor) {
		e.env = append(e.env, env...)
	}
}

/**
 * Executor launches the "command" meta of a node through a shell, one OS
 * process group per dispatch. The working directory attached to a node is
 * its resource: manifests are written there and the process runs inside it.
 * Stop and kill signals go to the whole group, so the children of a
 * compound command are reached too.
 */
type Executor struct {
	mu sync.Mutex

	baseDir string
	shell   string
	env     []string

	procs map[types.Handle]*proc
}

type proc struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	status types.ExecStatus
}

func (p *proc) get() types.ExecStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

func New(opts ...Option) *Executor {
	e := &Executor{
		shell: "sh",
		procs: make(map[types.Handle]*proc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Attach(ctx context.Context, node types.NodeInfo) (string, error) {
	dir, err := os.MkdirTemp(e.baseDir, "dagflow-"+string(node.ID)+"-")
	if err != nil {
		return "", errors.Annotatef(err, "create working directory of node %s", node.ID)
	}
	log.Debugf("node %s works in %s", node.ID, dir)
	return dir, nil
}

func (e *Executor) Release(ctx context.Context, node types.NodeInfo) error {
	if node.Resource == "" {
		return nil
	}
	return errors.Annotatef(os.RemoveAll(node.Resource), "remove working directory of node %s", node.ID)
}

func (e *Executor) environ(d *types.Dispatch) []string {
	inputs := make([]string, 0, len(d.Inputs))
	for _, b := range d.Inputs {
		inputs = append(inputs, b.Input)
	}
	env := append(os.Environ(), e.env...)
	return append(env,
		EnvWorkflow+"="+string(d.Workflow),
		EnvNode+"="+string(d.Node.ID),
		EnvNodeName+"="+d.Node.Name,
		EnvInputs+"="+strings.Join(inputs, ","),
		EnvExports+"="+strings.Join(d.Exports, ","),
	)
}

func writeManifests(dir, name string, manifests []*types.Manifest) (string, error) {
	b, err := utils.Serialize(manifests)
	if err != nil {
		return "", errors.Trace(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", errors.Annotatef(err, "write %s", path)
	}
	return path, nil
}

func (e *Executor) Start(ctx context.Context, d *types.Dispatch) (types.Handle, error) {
	command := d.Node.Meta[MetaCommand]
	if command == "" {
		return "", errors.NotValidf("node %s without %q meta", d.Node.ID, MetaCommand)
	}

	cmd := exec.Command(e.shell, "-c", command)
	setProcessGroup(cmd)
	cmd.Env = e.environ(d)
	if dir := d.Node.Resource; dir != "" {
		cmd.Dir = dir
		consume, err := writeManifests(dir, ConsumeFile, d.Consume)
		if err != nil {
			return "", errors.Trace(err)
		}
		produce, err := writeManifests(dir, ProduceFile, d.Produce)
		if err != nil {
			return "", errors.Trace(err)
		}
		cmd.Env = append(cmd.Env, EnvConsume+"="+consume, EnvProduce+"="+produce)
	}

	logger := log.WithFields(log.Fields{"workflow": d.Workflow, "node": d.Node.Name})
	stdout := logger.WriterLevel(log.InfoLevel)
	stderr := logger.WriterLevel(log.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", errors.Annotatef(err, "start %q", command)
	}

	p := &proc{cmd: cmd, status: types.ExecStatus{Phase: types.ExecRunning}}
	handle := types.Handle(types.NewNodeID())
	e.mu.Lock()
	e.procs[handle] = p
	e.mu.Unlock()

	go wait(p, stdout, stderr)
	return handle, nil
}

func wait(p *proc, closers ...io.Closer) {
	err := p.cmd.Wait()
	for _, c := range closers {
		c.Close()
	}

	status := types.ExecStatus{Phase: types.ExecSucceeded}
	if err != nil {
		status.Phase = types.ExecFailed
		status.Code = p.cmd.ProcessState.ExitCode()
		if status.Code == 0 {
			status.Code = -1
		}
	}

	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

func (e *Executor) get(handle types.Handle) (*proc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, exists := e.procs[handle]
	if !exists {
		return nil, errors.NotFoundf("process %s", handle)
	}
	return p, nil
}

func (e *Executor) Status(ctx context.Context, handle types.Handle) (types.ExecStatus, error) {
	p, err := e.get(handle)
	if err != nil {
		return types.ExecStatus{}, errors.Trace(err)
	}
	status := p.get()
	if status.Phase.Terminal() {
		e.mu.Lock()
		delete(e.procs, handle)
		e.mu.Unlock()
	}
	return status, nil
}

// RequestStop sends SIGTERM to the group, the process decides how fast it exits.
func (e *Executor) RequestStop(ctx context.Context, handle types.Handle) error {
	p, err := e.get(handle)
	if err != nil {
		return errors.Trace(err)
	}
	if p.get().Phase.Terminal() {
		return nil
	}
	if err := signalGroup(p.cmd.Process, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Annotatef(err, "signal process group %d", p.cmd.Process.Pid)
	}
	return nil
}

// Kill sends SIGKILL to the group and forgets the handle.
func (e *Executor) Kill(ctx context.Context, handle types.Handle) error {
	p, err := e.get(handle)
	if err != nil {
		return errors.Trace(err)
	}
	e.mu.Lock()
	delete(e.procs, handle)
	e.mu.Unlock()

	log.Warnf("killing process group %d", p.cmd.Process.Pid)
	if err := signalGroup(p.cmd.Process, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Annotatef(err, "kill process group %d", p.cmd.Process.Pid)
	}
	return nil
}
