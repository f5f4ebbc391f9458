package agentrun

import (
	"context"
	"sync"
)

// pool keeps at most one live subprocess per session key, starting one
// lazily on first use and reusing it across turns.
type pool struct {
	command    string
	args       []string
	workingDir string

	mu       sync.Mutex
	sessions map[string]*process
}

func newPool(command string, args []string, workingDir string) *pool {
	return &pool{
		command:    command,
		args:       args,
		workingDir: workingDir,
		sessions:   make(map[string]*process),
	}
}

// getOrSpawn returns the live process for sessionKey, starting one if
// none exists or the existing one has already exited.
func (p *pool) getOrSpawn(ctx context.Context, sessionKey string) (*process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.sessions[sessionKey]; ok {
		select {
		case <-existing.done:
			delete(p.sessions, sessionKey)
		default:
			return existing, nil
		}
	}

	proc, err := spawn(ctx, p.command, p.args, p.workingDir, sessionKey)
	if err != nil {
		return nil, err
	}
	p.sessions[sessionKey] = proc
	return proc, nil
}

// Shutdown stops every live session process.
func (p *pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, proc := range p.sessions {
		proc.stop()
		delete(p.sessions, key)
	}
}
