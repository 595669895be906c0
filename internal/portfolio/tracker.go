// Package portfolio 记录用户持仓，并基于当前数据重新估算持仓价值与风险。
//
// 持仓是唯一跨查询共享的状态：同一用户的写操作串行执行，不同用户互不影响。
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"YieldScout/internal/analysis"
	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
	"YieldScout/pkg/logger"
)

// NodeName 是持仓跟踪节点在降级记录中使用的名称。
const NodeName = "track"

var (
	daysPerYear = decimal.NewFromInt(365)
	hoursPerDay = decimal.NewFromInt(24)
)

// Tracker 是持仓 Agent。
type Tracker struct {
	store  Store
	scorer analysis.Scorer
	now    func() time.Time
	log    *slog.Logger

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock 在最后一个持有者释放后从表中移除。
type userLock struct {
	mu   sync.Mutex
	refs int
}

// Option 调整 Tracker。
type Option func(*Tracker)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker 创建持仓跟踪器。
func NewTracker(store Store, scorer analysis.Scorer, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		scorer: scorer,
		now:    time.Now,
		log:    logger.Named("portfolio"),
		locks:  make(map[string]*userLock),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Tracker) lock(userID string) func() {
	t.mu.Lock()
	l, ok := t.locks[userID]
	if !ok {
		l = &userLock{}
		t.locks[userID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, userID)
		}
		t.mu.Unlock()
	}
}

// RecordEntry 记录一次入场。at 为零值时使用当前时间。
func (t *Tracker) RecordEntry(ctx context.Context, userID string, ref domain.OpportunityRef, principal decimal.Decimal, at time.Time) (domain.Position, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Position{}, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	if strings.TrimSpace(ref.ProtocolID) == "" || strings.TrimSpace(ref.PoolID) == "" {
		return domain.Position{}, xerrors.New(xerrors.CodeInvalidArgument, "持仓必须指定协议与池子")
	}
	if !principal.IsPositive() {
		return domain.Position{}, xerrors.New(xerrors.CodeInvalidArgument, "本金必须为正数")
	}
	if at.IsZero() {
		at = t.now()
	}

	unlock := t.lock(userID)
	defer unlock()

	position := domain.Position{
		ID:             uuid.NewString(),
		UserID:         userID,
		Ref:            ref,
		Principal:      principal,
		EntryTimestamp: at.UTC(),
	}
	if err := t.store.Create(ctx, position); err != nil {
		return domain.Position{}, err
	}
	t.log.Info("记录入场",
		slog.String("user_id", userID),
		slog.String("position_id", position.ID),
		slog.String("opportunity", ref.Key()),
		logger.Decimal("principal", principal))
	return position, nil
}

// RecordExit 关闭一个仍在持有的仓位。
func (t *Tracker) RecordExit(ctx context.Context, userID, positionID string, at time.Time) (domain.Position, error) {
	if at.IsZero() {
		at = t.now()
	}

	unlock := t.lock(userID)
	defer unlock()

	position, err := t.store.Get(ctx, positionID)
	if err != nil {
		return domain.Position{}, err
	}
	if position.UserID != userID {
		return domain.Position{}, ErrPositionNotFound
	}
	if !position.Open() {
		return domain.Position{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("持仓 %s 已退出", positionID))
	}
	if at.Before(position.EntryTimestamp) {
		return domain.Position{}, xerrors.New(xerrors.CodeInvalidArgument, "退出时间早于入场时间")
	}
	exit := at.UTC()
	position.ExitTimestamp = &exit
	if err := t.store.Update(ctx, position); err != nil {
		return domain.Position{}, err
	}
	t.log.Info("记录退出",
		slog.String("user_id", userID),
		slog.String("position_id", positionID))
	return position, nil
}

// Positions 返回用户全部持仓。
func (t *Tracker) Positions(ctx context.Context, userID string) ([]domain.Position, error) {
	return t.store.ListByUser(ctx, userID)
}

// Snapshot 用当前机会数据为用户仍持有的仓位重新估值。
func (t *Tracker) Snapshot(ctx context.Context, userID string, opportunities []domain.Opportunity) ([]domain.PositionSnapshot, []domain.Degradation, error) {
	positions, err := t.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	snapshots, degradations := t.Price(positions, opportunities)
	return snapshots, degradations, nil
}

// Price 对仍在持有的仓位逐个调用评分逻辑重算当前价值，不做任何 I/O。
// 当前数据中找不到的仓位按本金返回并记为未定价。
func (t *Tracker) Price(positions []domain.Position, opportunities []domain.Opportunity) ([]domain.PositionSnapshot, []domain.Degradation) {
	index := domain.IndexOpportunities(opportunities)
	now := t.now().UTC()

	var snapshots []domain.PositionSnapshot
	var degradations []domain.Degradation
	for _, position := range positions {
		if !position.Open() {
			continue
		}
		snap := domain.PositionSnapshot{
			Position:     position.Clone(),
			CurrentValue: position.Principal,
			CurrentAPY:   decimal.Zero,
			AsOf:         now,
		}
		opp, ok := index[position.Ref.Key()]
		if !ok {
			degradations = append(degradations, domain.Degradation{
				Kind:    domain.DegradeUnpriced,
				Node:    NodeName,
				Subject: position.Ref.Key(),
				Detail:  fmt.Sprintf("持仓 %s 的机会不在当前数据中", position.ID),
			})
			snapshots = append(snapshots, snap)
			continue
		}
		risk, yield := t.scorer.Score(opp)
		snap.CurrentAPY = yield.EffectiveAPY
		snap.CurrentValue = CurrentValue(position.Principal, yield.EffectiveAPY, position.EntryTimestamp, now)
		snap.Risk = &risk
		snap.Priced = true
		snapshots = append(snapshots, snap)
	}
	return snapshots, degradations
}

// CurrentValue 按单利估算：principal × (1 + APY × 持有天数 / 365)。
func CurrentValue(principal, apy decimal.Decimal, entry, now time.Time) decimal.Decimal {
	elapsed := now.Sub(entry)
	if elapsed < 0 {
		elapsed = 0
	}
	days := decimal.NewFromFloat(elapsed.Hours()).Div(hoursPerDay)
	growth := apy.Mul(days).Div(daysPerYear)
	return principal.Mul(decimal.NewFromInt(1).Add(growth)).Round(6)
}
