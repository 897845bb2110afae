package store

import (
	"testing"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/stretchr/testify/require"
)

func TestInfoHash(t *testing.T) {
	hexEncoded := "ff503e9ca036f1647c2dfc1337b163e2c54f13f8"
	bytes := []byte{
		0xff, 0x50, 0x3e, 0x9c, 0xa0, 0x36, 0xf1, 0x64, 0x7c, 0x2d,
		0xfc, 0x13, 0x37, 0xb1, 0x63, 0xe2, 0xc5, 0x4f, 0x13, 0xf8}
	var ih1 InfoHash
	require.NoError(t, InfoHashFromHex(&ih1, hexEncoded))
	require.Equal(t, hexEncoded, ih1.String())
	require.Equal(t, bytes, ih1.Bytes())

	var ih2 InfoHash
	require.NoError(t, ih2.Scan(bytes))
	require.Equal(t, ih1, ih2)
	require.Equal(t, consts.ErrInvalidInfoHash, ih2.Scan(bytes[1:]))
	require.Equal(t, consts.ErrInvalidInfoHash, InfoHashFromHex(&ih2, "ff50"))
	require.Error(t, ih2.Scan(42))
}

func TestRow(t *testing.T) {
	r := Row{ColID: int64(7), ColTorrentID: []byte("12"), "name": "x", ColInfoHash: nil}
	require.Equal(t, int64(7), r.ID())
	require.Equal(t, int64(12), r.Int64(ColTorrentID))
	require.Equal(t, int64(0), r.Int64("name"))
	require.Equal(t, []interface{}{"x", nil}, r.Values([]string{"name", "missing"}))
	_, err := r.InfoHash()
	require.Equal(t, consts.ErrInvalidInfoHash, err)

	for _, v := range []interface{}{int64(3), int32(3), 3, int16(3), uint32(3), uint64(3), "3", []byte("3")} {
		n, ok := ToInt64(v)
		require.True(t, ok, "%T", v)
		require.Equal(t, int64(3), n)
	}
	_, ok := ToInt64(3.5)
	require.False(t, ok)
}
