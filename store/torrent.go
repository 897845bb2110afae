package store

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/pkg/errors"
)

// InfoHash is a unique 20byte identifier for a torrent
type InfoHash [20]byte

// InfoHashFromHex returns a binary infohash from a hex string
func InfoHashFromHex(infoHash *InfoHash, h string) error {
	if len(h) != 40 {
		return consts.ErrInvalidInfoHash
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return err
	}
	copy(infoHash[:], b)
	return nil
}

// InfoHashFromBytes returns a binary infohash from a byte array
func InfoHashFromBytes(infoHash *InfoHash, b []byte) error {
	if len(b) != 20 {
		return consts.ErrInvalidInfoHash
	}
	copy(infoHash[:], b)
	return nil
}

// Value implements the database.Valuer interface
func (ih InfoHash) Value() (driver.Value, error) {
	return ih.Bytes(), nil
}

// Scan implements the sql.Scanner interface for conversion to our custom type
func (ih *InfoHash) Scan(v interface{}) error {
	switch vt := v.(type) {
	case []byte:
		return InfoHashFromBytes(ih, vt)
	case string:
		return InfoHashFromBytes(ih, []byte(vt))
	default:
		return errors.Errorf("failed to convert %T to infohash", v)
	}
}

// Bytes returns the raw bytes of the info_hash. This is primarily useful for inserting to SQL stores since
// they have trouble with the sized variant
func (ih InfoHash) Bytes() []byte {
	return ih[:]
}

// String implements fmt.Stringer, returning the base16 encoded info hash.
func (ih InfoHash) String() string {
	return fmt.Sprintf("%x", ih[:])
}

// Row is a single torrents or files row keyed by column name
type Row map[string]interface{}

// ID returns the surrogate id of the row
func (r Row) ID() int64 {
	return r.Int64(ColID)
}

// Int64 returns the integer value of col, 0 when it is missing or not numeric
func (r Row) Int64(col string) int64 {
	v, _ := ToInt64(r[col])
	return v
}

// InfoHash returns the info_hash of a torrents row
func (r Row) InfoHash() (InfoHash, error) {
	var ih InfoHash
	v, found := r[ColInfoHash]
	if !found || v == nil {
		return ih, consts.ErrInvalidInfoHash
	}
	if err := ih.Scan(v); err != nil {
		return ih, err
	}
	return ih, nil
}

// Values returns the values of columns in order
func (r Row) Values(columns []string) []interface{} {
	values := make([]interface{}, len(columns))
	for i, c := range columns {
		values[i] = r[c]
	}
	return values
}

// ToInt64 converts the integer representations returned by the drivers
func ToInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
