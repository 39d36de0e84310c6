package chatservice

import (
	"strconv"

	"github.com/tinode/snowflake"
)

// SnowflakeGenerator is an IDGenerator backed by a worker-id-scoped
// sequence, used to mint sortable fallback message ids when a client
// submits a message without its own.
type SnowflakeGenerator struct {
	gen *snowflake.IdGenerator
}

// NewSnowflakeGenerator builds a generator scoped to workerID, which
// must be unique per running gateway instance.
func NewSnowflakeGenerator(workerID uint) (*SnowflakeGenerator, error) {
	gen, err := snowflake.NewIdGenerator(workerID, 0)
	if err != nil {
		return nil, err
	}
	return &SnowflakeGenerator{gen: gen}, nil
}

func (g *SnowflakeGenerator) NextID() string {
	return strconv.FormatInt(g.gen.Get(), 36)
}

var _ IDGenerator = (*SnowflakeGenerator)(nil)
