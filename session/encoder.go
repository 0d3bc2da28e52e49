package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Binary layout v1, offsets relative to the user id length u:
//
//	[0]        version
//	[1]        len(userID)
//	[2:2+u]    userID
//	[2+u]      revoked flag
//	[3+u]      revokedAt (int64 BE)
//	[11+u]     refreshHash (32)
//	[43+u]     ipHash (32)
//	[75+u]     userAgentHash (32)
//	[107+u]    createdAt (int64 BE)
//	[115+u]    expiresAt (int64 BE)
//
// The rotate script parses this layout in Lua; any change here must be
// mirrored there.
const formatVersionV1 = 1

var errCorruptRecord = errors.New("corrupt session record")

func Encode(s *Session) ([]byte, error) {
	if len(s.UserID) == 0 || len(s.UserID) > 255 {
		return nil, errors.New("invalid userID length")
	}

	var buf bytes.Buffer

	buf.WriteByte(formatVersionV1)
	buf.WriteByte(byte(len(s.UserID)))
	buf.WriteString(s.UserID)

	if s.Revoked {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if err := binary.Write(&buf, binary.BigEndian, s.RevokedAt); err != nil {
		return nil, err
	}

	buf.Write(s.RefreshHash[:])
	buf.Write(s.IPHash[:])
	buf.Write(s.UserAgentHash[:])

	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, errCorruptRecord
	}
	if version != formatVersionV1 {
		return nil, errCorruptRecord
	}

	userLen, err := reader.ReadByte()
	if err != nil || userLen == 0 {
		return nil, errCorruptRecord
	}
	userID := make([]byte, userLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, errCorruptRecord
	}

	s := &Session{UserID: string(userID)}

	revoked, err := reader.ReadByte()
	if err != nil || revoked > 1 {
		return nil, errCorruptRecord
	}
	s.Revoked = revoked == 1

	if err := binary.Read(reader, binary.BigEndian, &s.RevokedAt); err != nil {
		return nil, errCorruptRecord
	}
	if _, err := io.ReadFull(reader, s.RefreshHash[:]); err != nil {
		return nil, errCorruptRecord
	}
	if _, err := io.ReadFull(reader, s.IPHash[:]); err != nil {
		return nil, errCorruptRecord
	}
	if _, err := io.ReadFull(reader, s.UserAgentHash[:]); err != nil {
		return nil, errCorruptRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, errCorruptRecord
	}
	if err := binary.Read(reader, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, errCorruptRecord
	}
	if reader.Len() != 0 {
		return nil, errCorruptRecord
	}

	return s, nil
}
