package stores

import (
	"encoding/json"

	"github.com/vmpool/vmpool/pkg/engine"
)

// diskColumn is the JSON encoding of a request's additional disks. It always
// encodes as an array so the column never holds "null".
type diskColumn []engine.Disk

func (d diskColumn) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]engine.Disk(d))
}

// stringList is the JSON encoding of resource IDs and addresses.
type stringList []string

func (l stringList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}
