// Copyright 2018 The xfsgo Authors
// This file is part of the xfsgo library.
//
// The xfsgo library is free software: you can redistribute it and/or modify
// it under the terms of the MIT Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The xfsgo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// MIT Lesser General Public License for more details.
//
// You should have received a copy of the MIT Lesser General Public License
// along with the xfsgo library. If not, see <https://mit-license.org/>.

package common

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/sirupsen/logrus"
)

// PutUint64LE appends v to buf as 8 little-endian bytes. All hashed
// artifacts encode integers little-endian; nothing in this codebase should
// reach for a host textual format when computing a hash.
func PutUint64LE(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func PutUint32LE(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// PutBytesMixed writes a 4-byte little-endian length prefix followed by
// src, giving every hashed field an unambiguous boundary.
func PutBytesMixed(buf *bytes.Buffer, src []byte) error {
	if uint64(len(src)) > math.MaxUint32 {
		return errors.New("data too long")
	}
	PutUint32LE(buf, uint32(len(src)))
	buf.Write(src)
	return nil
}

func ReadMixedBytes(buf *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := buf.Read(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	dst := make([]byte, n)
	if _, err := buf.Read(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

func Safeclose(fn func() error) {
	if err := fn(); err != nil {
		logrus.Error(err)
	}
}
