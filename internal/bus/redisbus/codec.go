package redisbus

import "encoding/json"

// envelope carries the partition key alongside the opaque record bytes
// so a subscriber on a shared shard channel can still recover which
// logical key a record belongs to.
type envelope struct {
	Key    string `json:"key"`
	Record []byte `json:"record"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return envelope{}, err
	}
	return e, nil
}
