package campaign

import (
	"math/big"
	"time"

	"crowdfund/internal/metadata"

	"github.com/ethereum/go-ethereum/common"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusWithdrawn  Status = "withdrawn"
)

// Campaign is a read-only projection of one campaign contract, taken at Block.
type Campaign struct {
	Address          common.Address
	Creator          common.Address
	Goal             *big.Int
	Deadline         time.Time
	TotalContributed *big.Int
	Withdrawn        bool
	MetaURI          string
	Metadata         *metadata.Document
	Block            uint64
}

func (c *Campaign) GoalReached() bool {
	if c.Goal == nil || c.TotalContributed == nil {
		return false
	}
	return c.TotalContributed.Cmp(c.Goal) >= 0
}

// Progress is the funded percentage, capped at 100.
func (c *Campaign) Progress() int {
	if c.Goal == nil || c.Goal.Sign() <= 0 || c.TotalContributed == nil {
		return 0
	}
	pct := new(big.Int).Mul(c.TotalContributed, big.NewInt(100))
	pct.Quo(pct, c.Goal)
	if pct.Cmp(big.NewInt(100)) > 0 {
		return 100
	}
	return int(pct.Int64())
}

func (c *Campaign) Status(now time.Time) Status {
	switch {
	case c.Withdrawn:
		return StatusWithdrawn
	case now.Before(c.Deadline):
		return StatusActive
	case c.GoalReached():
		return StatusSuccessful
	default:
		return StatusFailed
	}
}
