package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHandshakeRoundTrip(t *testing.T) {
	h := Handshake{Tag: TagDev, DataLength: 9}
	buf, err := EncodeHandshake(h)
	require.NoError(t, err)
	require.Len(t, buf, HandshakeSize)

	got, err := DecodeHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHandshakeBadMagic(t *testing.T) {
	buf, err := EncodeHandshake(Handshake{Tag: TagSys, DataLength: 1})
	require.NoError(t, err)
	buf[0] = 0x00
	_, err = DecodeHandshake(buf)
	assert.Error(t, err)
}

func TestDecodeHandshakeBadTerminator(t *testing.T) {
	buf, err := EncodeHandshake(Handshake{Tag: TagNetif, DataLength: 4})
	require.NoError(t, err)
	buf[1+TagSize] = 0x01
	_, err = DecodeHandshake(buf)
	assert.Error(t, err)
}

func TestDecodeHandshakeZeroLength(t *testing.T) {
	_, err := EncodeHandshake(Handshake{Tag: TagMac, DataLength: 0})
	assert.Error(t, err)

	buf := []byte{Magic, 'm', 'a', 'c', 0, 0, 0, 0x00, 0x00, 0x00}
	_, err = DecodeHandshake(buf)
	assert.Error(t, err)
}

func TestDecodeHandshakeWrongSize(t *testing.T) {
	_, err := DecodeHandshake([]byte{Magic, 0, 0})
	assert.Error(t, err)
}

func TestDecodeHandshakeNonNulPadding(t *testing.T) {
	buf := []byte{Magic, 'u', 's', 'b', 0, 'x', 0, 0x00, 0x01, 0x00}
	_, err := DecodeHandshake(buf)
	assert.Error(t, err)
}

func TestIsKnownTag(t *testing.T) {
	assert.True(t, IsKnownTag(TagDev))
	assert.True(t, IsKnownTag(TagUSB))
	assert.True(t, IsKnownTag(TagDump))
	assert.False(t, IsKnownTag(Tag("bogus")))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "available", StatusAvailable.String())
	assert.Equal(t, "unavailable", StatusUnavailable.String())
}

func TestEncodeDecodeDumpRecordRoundTrip(t *testing.T) {
	records := []DumpRecord{
		{Syspath: "/sys/devices/foo", Subsystem: "block", Name: "/dev/sda", Mac: "", HasTag: true, Removed: false},
		{Syspath: "aaaa:bbbb", Subsystem: "usb", Name: "", Mac: "", HasTag: false, Removed: true},
	}

	var buf []byte
	for _, r := range records {
		buf = append(buf, EncodeDumpRecord(r)...)
	}

	got, rest, err := DecodeDumpRecords(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, records, got)
}

func TestDecodeDumpRecordsPartialTrailing(t *testing.T) {
	full := EncodeDumpRecord(DumpRecord{Syspath: "/sys/a", Subsystem: "net", Name: "eth0", Mac: "de:ad:be:ef:00:01"})
	buf := append(full, full[:len(full)-2]...)

	got, rest, err := DecodeDumpRecords(buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/sys/a", got[0].Syspath)
	assert.Equal(t, full[:len(full)-2], rest)
}

func TestDecodeDumpRecordsMalformedFieldCount(t *testing.T) {
	body := append([]byte("only-one-field"), 0x00)
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	_, _, err := DecodeDumpRecords(buf)
	assert.Error(t, err)
}
