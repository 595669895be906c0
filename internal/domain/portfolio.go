package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position 是用户在某个机会中的持仓记录。ExitTimestamp 为空表示仍在持有。
type Position struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Ref            OpportunityRef  `json:"ref"`
	Principal      decimal.Decimal `json:"principal"`
	EntryTimestamp time.Time       `json:"entry_timestamp"`
	ExitTimestamp  *time.Time      `json:"exit_timestamp,omitempty"`
}

// Open 判断持仓是否仍未退出。
func (p Position) Open() bool { return p.ExitTimestamp == nil }

// Clone 返回深拷贝。
func (p Position) Clone() Position {
	clone := p
	if p.ExitTimestamp != nil {
		ts := *p.ExitTimestamp
		clone.ExitTimestamp = &ts
	}
	return clone
}

// PositionSnapshot 是持仓与实时重算的指标。Priced 为 false 表示当前数据中找不到该机会。
type PositionSnapshot struct {
	Position     Position        `json:"position"`
	CurrentValue decimal.Decimal `json:"current_value"`
	CurrentAPY   decimal.Decimal `json:"current_apy"`
	Risk         *RiskScore      `json:"risk,omitempty"`
	Priced       bool            `json:"priced"`
	AsOf         time.Time       `json:"as_of"`
}
