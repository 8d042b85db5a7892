package coordinator

import "fmt"

// EventListener receives the commands the Assignment emits. Implementations hand
// them to the messaging layer; they must not call back into the Assignment.
type EventListener interface {
	OnCommands(cmds []Command)
}

// ListenerFunc adapts a function to EventListener.
type ListenerFunc func(cmds []Command)

// OnCommands calls f.
func (f ListenerFunc) OnCommands(cmds []Command) {
	f(cmds)
}

// Handler has one method per command kind. DispatchCommand routes a command to it.
type Handler interface {
	AssignBucket(t Transfer) error
	BeginBucketTransfer(t Transfer) error
	FinishBucketTransfer(t Transfer) error
	CancelBucketTransfer(t Transfer, reason string) error
	OrphanBucket(t Transfer) error
}

// DispatchCommand calls the Handler method matching the command kind.
func DispatchCommand(cmd Command, h Handler) error {
	switch cmd.Kind {
	case CommandAssignBucket:
		return h.AssignBucket(cmd.Transfer)
	case CommandBeginBucketTransfer:
		return h.BeginBucketTransfer(cmd.Transfer)
	case CommandFinishBucketTransfer:
		return h.FinishBucketTransfer(cmd.Transfer)
	case CommandCancelBucketTransfer:
		return h.CancelBucketTransfer(cmd.Transfer, cmd.Reason)
	case CommandOrphanBucket:
		return h.OrphanBucket(cmd.Transfer)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownCommand, int(cmd.Kind))
	}
}
