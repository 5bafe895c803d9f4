// internal/monitoring/handlers.go - Protocol request handlers
package monitoring

import (
	"context"
	"errors"
	"fmt"

	"alertd/internal/protocol"
)

// handleRequest answers the request in c.pkt. Storage failures are reported
// to the client as RESULT(ERROR); a malformed payload is returned as a
// ProtocolError so the client is dropped.
func (e *Engine) handleRequest(ctx context.Context, c *client) error {
	op := c.pkt.Opcode()
	e.metrics.RecordRequest(op.String())

	switch op {
	case protocol.OpNull:
		return e.reply(c, protocol.ResultOK)
	case protocol.OpAlertInsert:
		return e.handleAlertInsert(ctx, c)
	case protocol.OpAlertSelect:
		return e.handleAlertSelect(ctx, c)
	case protocol.OpAlertMarkAsResolved:
		return e.handleMarkAsResolved(ctx, c)
	case protocol.OpTypeRegister:
		return e.handleTypeRegister(ctx, c)
	case protocol.OpTypeDeregister:
		return e.handleTypeDeregister(ctx, c)
	case protocol.OpTypeList:
		return e.handleTypeList(c)
	case protocol.OpOverrideSet:
		return e.handleOverrideSet(ctx, c)
	case protocol.OpOverrideClear:
		return e.handleOverrideClear(ctx, c)
	case protocol.OpOverrideList:
		return e.handleOverrideList(c)
	}

	c.log().WithField("opcode", op.String()).Warn("Unhandled opcode")
	return e.reply(c, protocol.ResultInvalid)
}

func (e *Engine) handleAlertInsert(ctx context.Context, c *client) error {
	alert, err := c.pkt.Alert()
	if err != nil {
		return malformed(c, err)
	}
	alert.ID = 0

	if _, ok := e.alerts.Types().Name(alert.Type); !ok {
		c.log().WithField("type", alert.Type).Warn("Alert of unknown type rejected")
		return e.reply(c, protocol.ResultInvalid)
	}

	if _, err := e.alerts.Insert(ctx, alert); err != nil {
		return e.replyError(c, err)
	}

	c.pkt.ResetResult(protocol.ResultOK)
	c.pkt.PutInt64(alert.ID)
	return c.pkt.Write(c.conn)
}

func (e *Engine) handleAlertSelect(ctx context.Context, c *client) error {
	query, err := c.pkt.AlertQuery()
	if err != nil {
		return malformed(c, err)
	}

	alerts, err := e.alerts.Select(ctx, query)
	if err != nil {
		return e.replyError(c, err)
	}

	c.pkt.ResetResult(protocol.ResultAlertMatches)
	c.pkt.PutUint32(uint32(len(alerts)))
	if err := c.pkt.Write(c.conn); err != nil {
		return err
	}

	for i := range alerts {
		c.pkt.Reset(protocol.OpAlertRecord)
		if err := c.pkt.PutAlert(&alerts[i]); err != nil {
			return fmt.Errorf("failed to encode alert %d: %w", alerts[i].ID, err)
		}
		if err := c.pkt.Write(c.conn); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleMarkAsResolved(ctx context.Context, c *client) error {
	alertType, err := c.pkt.Uint32()
	if err != nil {
		return malformed(c, err)
	}

	count, err := e.alerts.MarkAsResolved(ctx, alertType)
	if err != nil {
		return e.replyError(c, err)
	}

	c.pkt.ResetResult(protocol.ResultOK)
	c.pkt.PutUint32(uint32(count))
	return c.pkt.Write(c.conn)
}

func (e *Engine) handleTypeRegister(ctx context.Context, c *client) error {
	name, err := c.pkt.Text()
	if err != nil {
		return malformed(c, err)
	}

	t, err := e.alerts.RegisterType(ctx, name)
	if err != nil {
		return e.replyError(c, err)
	}

	c.pkt.ResetResult(protocol.ResultOK)
	c.pkt.PutUint32(t.ID)
	return c.pkt.Write(c.conn)
}

func (e *Engine) handleTypeDeregister(ctx context.Context, c *client) error {
	name, err := c.pkt.Text()
	if err != nil {
		return malformed(c, err)
	}

	deleted, err := e.alerts.DeregisterType(ctx, name)
	if err != nil {
		return e.replyError(c, err)
	}
	if !deleted {
		return e.reply(c, protocol.ResultNotFound)
	}
	return e.reply(c, protocol.ResultOK)
}

func (e *Engine) handleTypeList(c *client) error {
	types := e.alerts.Types().Types()

	c.pkt.ResetResult(protocol.ResultTypeMatches)
	c.pkt.PutUint32(uint32(len(types)))
	if err := c.pkt.Write(c.conn); err != nil {
		return err
	}

	for _, t := range types {
		c.pkt.Reset(protocol.OpTypeRecord)
		if err := c.pkt.PutAlertType(t); err != nil {
			return fmt.Errorf("failed to encode type %d: %w", t.ID, err)
		}
		if err := c.pkt.Write(c.conn); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleOverrideSet(ctx context.Context, c *client) error {
	o, err := c.pkt.Override()
	if err != nil {
		return malformed(c, err)
	}

	if err := e.alerts.SetOverride(ctx, o); err != nil {
		return e.replyError(c, err)
	}
	return e.reply(c, protocol.ResultOK)
}

func (e *Engine) handleOverrideClear(ctx context.Context, c *client) error {
	alertType, err := c.pkt.Uint32()
	if err != nil {
		return malformed(c, err)
	}

	deleted, err := e.alerts.ClearOverride(ctx, alertType)
	if err != nil {
		return e.replyError(c, err)
	}
	if !deleted {
		return e.reply(c, protocol.ResultNotFound)
	}
	return e.reply(c, protocol.ResultOK)
}

func (e *Engine) handleOverrideList(c *client) error {
	overrides := e.alerts.Overrides()

	c.pkt.ResetResult(protocol.ResultOverrideMatches)
	c.pkt.PutUint32(uint32(len(overrides)))
	if err := c.pkt.Write(c.conn); err != nil {
		return err
	}

	for _, o := range overrides {
		c.pkt.Reset(protocol.OpOverrideRecord)
		c.pkt.PutOverride(o)
		if err := c.pkt.Write(c.conn); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) reply(c *client, code protocol.Result) error {
	c.pkt.ResetResult(code)
	return c.pkt.Write(c.conn)
}

// replyError maps a handler failure to a result code. Validation errors
// become INVALID, everything else ERROR.
func (e *Engine) replyError(c *client, err error) error {
	code := protocol.ResultErr
	switch {
	case errors.Is(err, ErrStaticType),
		errors.Is(err, ErrInvalidTypeName),
		errors.Is(err, ErrInvalidOverride):
		code = protocol.ResultInvalid
		c.log().WithError(err).Debug("Invalid request")
	default:
		c.log().WithError(err).Error("Request failed")
	}
	return e.reply(c, code)
}

func malformed(c *client, err error) error {
	return &protocol.ProtocolError{
		FD:  c.conn.FD(),
		Msg: fmt.Sprintf("malformed %s request", c.pkt.Opcode()),
		Err: err,
	}
}
