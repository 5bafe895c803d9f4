// internal/protocol/records.go - Record encodings carried in packet payloads
package protocol

import (
	"fmt"
	"time"

	"alertd/internal/database"
)

// PutAlert appends an alert record:
// id i64, stamp u32, flags u32, type u32, user u32, u8 ngroups, u32 groups,
// then origin, basename, uuid and desc as strings.
func (p *Packet) PutAlert(a *database.Alert) error {
	if len(a.Groups) > MaxStringLength {
		return fmt.Errorf("%w: %d", ErrTooManyGroups, len(a.Groups))
	}
	strs := []string{a.Origin, a.Basename, a.UUID, a.Desc}
	for _, s := range strs {
		if len(s) > MaxStringLength {
			return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
		}
	}

	var stamp uint32
	if !a.Updated.IsZero() {
		stamp = uint32(a.Updated.Unix())
	}

	p.PutInt64(a.ID)
	p.PutUint32(stamp)
	p.PutUint32(a.Flags)
	p.PutUint32(a.Type)
	p.PutUint32(a.User)
	p.PutUint8(uint8(len(a.Groups)))
	for _, gid := range a.Groups {
		p.PutUint32(gid)
	}

	for _, s := range strs {
		p.PutString(s)
	}
	return nil
}

// Alert reads an alert record.
func (p *Packet) Alert() (*database.Alert, error) {
	var (
		a     database.Alert
		stamp uint32
		err   error
	)

	if a.ID, err = p.Int64(); err != nil {
		return nil, err
	}
	if stamp, err = p.Uint32(); err != nil {
		return nil, err
	}
	if stamp != 0 {
		a.Updated = time.Unix(int64(stamp), 0)
	}
	if a.Flags, err = p.Uint32(); err != nil {
		return nil, err
	}
	if a.Type, err = p.Uint32(); err != nil {
		return nil, err
	}
	if a.User, err = p.Uint32(); err != nil {
		return nil, err
	}

	ngroups, err := p.Uint8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(ngroups); i++ {
		gid, err := p.Uint32()
		if err != nil {
			return nil, err
		}
		a.Groups = append(a.Groups, gid)
	}

	for _, dst := range []*string{&a.Origin, &a.Basename, &a.UUID, &a.Desc} {
		if *dst, err = p.Text(); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

// PutAlertQuery appends a select request:
// type u32, flags u32, resolved u8, since u32, limit u32, newest_first u8.
func (p *Packet) PutAlertQuery(q database.AlertQuery) {
	var since uint32
	if !q.Since.IsZero() {
		since = uint32(q.Since.Unix())
	}
	p.PutUint32(q.Type)
	p.PutUint32(q.Flags)
	p.PutUint8(boolByte(q.Resolved))
	p.PutUint32(since)
	p.PutUint32(uint32(q.Limit))
	p.PutUint8(boolByte(q.NewestFirst))
}

func (p *Packet) AlertQuery() (database.AlertQuery, error) {
	var (
		q                   database.AlertQuery
		since, limit        uint32
		resolved, newestFst uint8
		err                 error
	)
	if q.Type, err = p.Uint32(); err != nil {
		return q, err
	}
	if q.Flags, err = p.Uint32(); err != nil {
		return q, err
	}
	if resolved, err = p.Uint8(); err != nil {
		return q, err
	}
	if since, err = p.Uint32(); err != nil {
		return q, err
	}
	if limit, err = p.Uint32(); err != nil {
		return q, err
	}
	if newestFst, err = p.Uint8(); err != nil {
		return q, err
	}

	q.Resolved = resolved != 0
	q.NewestFirst = newestFst != 0
	q.Limit = int(limit)
	if since != 0 {
		q.Since = time.Unix(int64(since), 0)
	}
	return q, nil
}

func (p *Packet) PutAlertType(t database.AlertType) error {
	p.PutUint32(t.ID)
	return p.PutString(t.Name)
}

func (p *Packet) AlertType() (database.AlertType, error) {
	var (
		t   database.AlertType
		err error
	)
	if t.ID, err = p.Uint32(); err != nil {
		return t, err
	}
	t.Name, err = p.Text()
	return t, err
}

func (p *Packet) PutOverride(o database.Override) {
	p.PutUint32(o.Type)
	p.PutUint32(o.Flags)
}

func (p *Packet) Override() (database.Override, error) {
	var (
		o   database.Override
		err error
	)
	if o.Type, err = p.Uint32(); err != nil {
		return o, err
	}
	o.Flags, err = p.Uint32()
	return o, err
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
