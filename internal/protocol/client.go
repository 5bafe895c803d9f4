// internal/protocol/client.go - Client side of the alert protocol
package protocol

import (
	"errors"
	"fmt"
	"time"

	"alertd/internal/database"
	"alertd/internal/transport"
)

// ResultError is returned when the server answers with an unexpected result code.
type ResultError struct {
	Op   Opcode
	Code Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s: server returned %s", e.Op, e.Code)
}

// IsNotFound reports whether the server answered NOT_FOUND.
func IsNotFound(err error) bool {
	var re *ResultError
	return errors.As(err, &re) && re.Code == ResultNotFound
}

// Conn is a Stream that can be closed.
type Conn interface {
	Stream
	Close() error
}

type Client struct {
	conn    Conn
	pkt     *Packet
	version uint32
}

// Dial connects to the daemon socket and negotiates the protocol version.
func Dial(path string, attempts int, timeout time.Duration) (*Client, error) {
	conn, err := transport.Dial(path, attempts, timeout)
	if err != nil {
		return nil, err
	}

	c := NewClient(conn)
	if err := c.Negotiate(Version); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func NewClient(conn Conn) *Client {
	return &Client{conn: conn, pkt: NewPacket()}
}

// Negotiate declares version to the server.
func (c *Client) Negotiate(version uint32) error {
	c.pkt.Reset(OpVersion)
	c.pkt.PutUint32(version)
	if err := c.pkt.Write(c.conn); err != nil {
		return err
	}

	code, err := c.readResult()
	if err != nil {
		return err
	}
	switch code {
	case ResultOK:
		c.version = version
		return nil
	case ResultVersionMismatch:
		serverVersion, _ := c.pkt.Uint32()
		return fmt.Errorf("%w: client %#x, server %#x", ErrVersionMismatch, version, serverVersion)
	}
	return &ResultError{Op: OpVersion, Code: code}
}

func (c *Client) Version() uint32 {
	return c.version
}

// InsertAlert submits an alert and returns its id. The id is 0 when the
// alert's type is suppressed by an override.
func (c *Client) InsertAlert(alert *database.Alert) (int64, error) {
	c.pkt.Reset(OpAlertInsert)
	if err := c.pkt.PutAlert(alert); err != nil {
		return 0, err
	}
	if err := c.expect(ResultOK); err != nil {
		return 0, err
	}
	return c.pkt.Int64()
}

func (c *Client) SelectAlerts(query database.AlertQuery) ([]database.Alert, error) {
	c.pkt.Reset(OpAlertSelect)
	c.pkt.PutAlertQuery(query)
	if err := c.expect(ResultAlertMatches); err != nil {
		return nil, err
	}

	count, err := c.pkt.Uint32()
	if err != nil {
		return nil, c.protocolError("alert count", err)
	}

	alerts := make([]database.Alert, 0, count)
	for i := uint32(0); i < count; i++ {
		if err := c.readRecord(OpAlertRecord); err != nil {
			return nil, err
		}
		alert, err := c.pkt.Alert()
		if err != nil {
			return nil, c.protocolError("alert record", err)
		}
		alerts = append(alerts, *alert)
	}
	return alerts, nil
}

// MarkAsResolved resolves every open alert of alertType and returns how many changed.
func (c *Client) MarkAsResolved(alertType uint32) (uint32, error) {
	c.pkt.Reset(OpAlertMarkAsResolved)
	c.pkt.PutUint32(alertType)
	if err := c.expect(ResultOK); err != nil {
		return 0, err
	}
	return c.pkt.Uint32()
}

func (c *Client) RegisterType(name string) (uint32, error) {
	c.pkt.Reset(OpTypeRegister)
	if err := c.pkt.PutString(name); err != nil {
		return 0, err
	}
	if err := c.expect(ResultOK); err != nil {
		return 0, err
	}
	return c.pkt.Uint32()
}

func (c *Client) DeregisterType(name string) error {
	c.pkt.Reset(OpTypeDeregister)
	if err := c.pkt.PutString(name); err != nil {
		return err
	}
	return c.expect(ResultOK)
}

func (c *Client) ListTypes() ([]database.AlertType, error) {
	c.pkt.Reset(OpTypeList)
	if err := c.expect(ResultTypeMatches); err != nil {
		return nil, err
	}

	count, err := c.pkt.Uint32()
	if err != nil {
		return nil, c.protocolError("type count", err)
	}

	types := make([]database.AlertType, 0, count)
	for i := uint32(0); i < count; i++ {
		if err := c.readRecord(OpTypeRecord); err != nil {
			return nil, err
		}
		t, err := c.pkt.AlertType()
		if err != nil {
			return nil, c.protocolError("type record", err)
		}
		types = append(types, t)
	}
	return types, nil
}

func (c *Client) SetOverride(alertType, flags uint32) error {
	c.pkt.Reset(OpOverrideSet)
	c.pkt.PutOverride(database.Override{Type: alertType, Flags: flags})
	return c.expect(ResultOK)
}

func (c *Client) ClearOverride(alertType uint32) error {
	c.pkt.Reset(OpOverrideClear)
	c.pkt.PutUint32(alertType)
	return c.expect(ResultOK)
}

func (c *Client) ListOverrides() ([]database.Override, error) {
	c.pkt.Reset(OpOverrideList)
	if err := c.expect(ResultOverrideMatches); err != nil {
		return nil, err
	}

	count, err := c.pkt.Uint32()
	if err != nil {
		return nil, c.protocolError("override count", err)
	}

	overrides := make([]database.Override, 0, count)
	for i := uint32(0); i < count; i++ {
		if err := c.readRecord(OpOverrideRecord); err != nil {
			return nil, err
		}
		o, err := c.pkt.Override()
		if err != nil {
			return nil, c.protocolError("override record", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// expect sends the pending request and checks the result code.
func (c *Client) expect(want Result) error {
	op := c.pkt.Opcode()
	if err := c.pkt.Write(c.conn); err != nil {
		return err
	}
	code, err := c.readResult()
	if err != nil {
		return err
	}
	if code != want {
		return &ResultError{Op: op, Code: code}
	}
	return nil
}

func (c *Client) readResult() (Result, error) {
	if err := c.readRecord(OpResult); err != nil {
		return 0, err
	}
	code, err := c.pkt.Uint8()
	if err != nil {
		return 0, c.protocolError("result code", err)
	}
	return Result(code), nil
}

func (c *Client) readRecord(op Opcode) error {
	if err := c.pkt.Read(c.conn); err != nil {
		return err
	}
	if c.pkt.Opcode() != op {
		return &ProtocolError{
			FD:  c.conn.FD(),
			Msg: fmt.Sprintf("expected %s, got %s", op, c.pkt.Opcode()),
		}
	}
	return nil
}

func (c *Client) protocolError(what string, err error) error {
	return &ProtocolError{FD: c.conn.FD(), Msg: "malformed " + what, Err: err}
}
