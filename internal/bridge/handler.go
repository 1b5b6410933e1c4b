package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/simonreitinger/ableton-live-mcp-server/internal/correlate"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/ipc"
	"github.com/simonreitinger/ableton-live-mcp-server/internal/osc"
)

// Handle dispatches one control command.
func (d *Daemon) Handle(ctx context.Context, s *ipc.Session, cmd ipc.Command) ipc.Reply {
	switch cmd.Command {
	case ipc.CommandGetStatus:
		return d.statusReply()
	case ipc.CommandSendMessage:
		return d.sendMessage(ctx, s, cmd)
	default:
		return ipc.ErrorReply(ipc.ErrUnknownCommand)
	}
}

func (d *Daemon) sendMessage(ctx context.Context, s *ipc.Session, cmd ipc.Command) ipc.Reply {
	address := strings.TrimSpace(cmd.Address)
	if !strings.HasPrefix(address, "/") {
		return ipc.ErrorReply(fmt.Errorf("%w: address must start with /", ipc.ErrInvalidRequest))
	}

	if !d.cfg.ExpectsReply(address) {
		if err := d.transport.Send(address, cmd.Args); err != nil {
			if errors.Is(err, osc.ErrInvalidArgument) {
				return ipc.ErrorReply(fmt.Errorf("%w: %v", ipc.ErrInvalidRequest, err))
			}
			d.logger.Warn("osc send failed", "address", address, "error", err)
		}
		return ipc.Reply{Status: ipc.StatusSent}
	}

	pending, err := d.table.Register(address, s.ID)
	if err != nil {
		return ipc.ErrorReply(d.correlationError(address, err))
	}
	if err := d.transport.Send(address, cmd.Args); err != nil {
		d.table.Cancel(pending, err)
		if errors.Is(err, osc.ErrInvalidArgument) {
			return ipc.ErrorReply(fmt.Errorf("%w: %v", ipc.ErrInvalidRequest, err))
		}
		return ipc.ErrorReply(fmt.Errorf("%w: %v", ipc.ErrConnection, err))
	}

	msg, err := pending.Wait(ctx, d.cfg.Timeout)
	if err != nil {
		err = d.correlationError(address, err)
		d.logger.Debug("request unresolved", "session_id", s.ID, "address", address, "seq", pending.Seq, "error", err)
		return ipc.ErrorReply(err)
	}
	return ipc.Reply{Status: ipc.StatusSuccess, Address: msg.Address, Data: msg.Args}
}

func (d *Daemon) correlationError(address string, err error) error {
	switch {
	case errors.Is(err, correlate.ErrTimeout):
		return fmt.Errorf("%w waiting for response to %s", ipc.ErrTimeout, address)
	case errors.Is(err, correlate.ErrCollision):
		return fmt.Errorf("%w: too many outstanding requests for %s", ipc.ErrCorrelationCollision, address)
	case errors.Is(err, correlate.ErrClosed), errors.Is(err, context.Canceled):
		return ipc.ErrConnection
	default:
		return err
	}
}

// handleDatagram resolves the oldest request waiting on the address, or
// forwards the message to JSON-RPC sessions when nobody is waiting.
func (d *Daemon) handleDatagram(msg osc.Message) {
	if d.table.Resolve(msg.Address, msg) {
		return
	}
	delivered := d.server.Broadcast(ipc.NewNotification(msg.Address, msg.Args))
	d.logger.Debug("unsolicited osc message", "address", msg.Address, "args", len(msg.Args), "delivered", delivered)
}

// SessionOpened logs a new control client.
func (d *Daemon) SessionOpened(s *ipc.Session) {
	d.logger.Info("control client connected", "session_id", s.ID, "remote_addr", s.RemoteAddr)
}

// SessionClosed cancels every request the departing client still has
// outstanding, leaving other clients' requests in place.
func (d *Daemon) SessionClosed(s *ipc.Session) {
	cancelled := d.table.CancelOwner(s.ID, ipc.ErrConnection)
	d.logger.Info("control client disconnected", "session_id", s.ID, "cancelled", cancelled)
}

func (d *Daemon) statusReply() ipc.Reply {
	reply := ipc.Reply{
		Status:   ipc.StatusOK,
		State:    string(d.State()),
		Pending:  d.table.Len(),
		Sessions: d.server.SessionCount(),
	}
	if d.transport != nil {
		reply.AbletonPort = d.transport.Target().Port
		reply.ReceivePort = d.transport.ListenAddr().Port
	}
	return reply
}
