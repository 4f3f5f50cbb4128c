package gpu

import "fmt"

// CommandOp is the kind of a recorded command.
type CommandOp int

const (
	OpCopy CommandOp = iota
	OpBarrier
	OpBindPipeline
	OpPushParams
	OpDispatch
)

func (op CommandOp) String() string {
	switch op {
	case OpCopy:
		return "copy"
	case OpBarrier:
		return "barrier"
	case OpBindPipeline:
		return "bind-pipeline"
	case OpPushParams:
		return "push-params"
	case OpDispatch:
		return "dispatch"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Command is one recorded step. Which fields are set depends on Op.
type Command struct {
	Op     CommandOp
	Src    DeviceBuffer
	Dst    DeviceBuffer
	Size   uint64
	Kernel DeviceKernel
	Set    DeviceBindingSet
	Params []byte
	Groups uint32
}

// CommandBuffer records commands between Begin and End. The engine owns a
// single one and resets it after every submission.
type CommandBuffer struct {
	recording bool
	ended     bool
	cmds      []Command
}

func (cb *CommandBuffer) Begin() error {
	if cb.recording {
		return fmt.Errorf("%w: command buffer already recording", ErrSubmissionFailed)
	}
	cb.cmds = cb.cmds[:0]
	cb.recording = true
	cb.ended = false
	return nil
}

func (cb *CommandBuffer) Recording() bool { return cb.recording }

func (cb *CommandBuffer) CopyBuffer(src, dst *Buffer, size uint64) {
	cb.record(Command{Op: OpCopy, Src: src.handle, Dst: dst.handle, Size: size})
}

// Barrier orders a preceding transfer before later kernel reads.
func (cb *CommandBuffer) Barrier() {
	cb.record(Command{Op: OpBarrier})
}

func (cb *CommandBuffer) BindPipeline(p *Pipeline) {
	cb.record(Command{Op: OpBindPipeline, Kernel: p.kernel, Set: p.set})
}

func (cb *CommandBuffer) PushParams(params []byte) {
	cb.record(Command{Op: OpPushParams, Params: append([]byte(nil), params...)})
}

func (cb *CommandBuffer) Dispatch(groups uint32) {
	cb.record(Command{Op: OpDispatch, Groups: groups})
}

func (cb *CommandBuffer) End() error {
	if !cb.recording {
		return fmt.Errorf("%w: command buffer not recording", ErrSubmissionFailed)
	}
	cb.recording = false
	cb.ended = true
	return nil
}

// Reset drops recorded commands and leaves the buffer ready for Begin.
func (cb *CommandBuffer) Reset() {
	cb.cmds = cb.cmds[:0]
	cb.recording = false
	cb.ended = false
}

func (cb *CommandBuffer) Commands() []Command { return cb.cmds }

func (cb *CommandBuffer) record(c Command) {
	if cb.recording {
		cb.cmds = append(cb.cmds, c)
	}
}

// Submit executes the ended command buffer, blocks until the queue is idle
// and resets it. There is no timeout: a hung device blocks the caller.
func (c *Context) Submit(cb *CommandBuffer) error {
	defer cb.Reset()
	if !cb.ended {
		return fmt.Errorf("%w: command buffer was not ended", ErrSubmissionFailed)
	}
	if err := c.device.Submit(cb.cmds); err != nil {
		return fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	return c.WaitIdle()
}

// WaitIdle blocks until the queue has drained.
func (c *Context) WaitIdle() error {
	if err := c.device.WaitIdle(); err != nil {
		return fmt.Errorf("%w: wait idle: %v", ErrSubmissionFailed, err)
	}
	return nil
}
