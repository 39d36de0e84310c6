package gateway

import "encoding/json"

func decodeRecord(raw []byte, dest interface{}) error {
	return json.Unmarshal(raw, dest)
}
