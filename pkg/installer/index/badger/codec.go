package badger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
)

// Key layout
//
//	s:<id>  session record, id zero-padded to 10 digits so that key order
//	        matches numeric order for the positive int32 id space
const prefixSession = "s:"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("index: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("index: CBOR decoder initialization failed: " + err.Error())
	}
}

func keySession(id int) []byte {
	return []byte(fmt.Sprintf("%s%010d", prefixSession, id))
}

func idFromKey(key []byte) (int, error) {
	s, ok := strings.CutPrefix(string(key), prefixSession)
	if !ok {
		return 0, fmt.Errorf("unexpected key %q", key)
	}
	return strconv.Atoi(s)
}

func encodeRecord(r index.Record) ([]byte, error) {
	data, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %d: %w", r.ID, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (index.Record, error) {
	var r index.Record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return index.Record{}, fmt.Errorf("failed to decode session record: %w", err)
	}
	return r, nil
}
