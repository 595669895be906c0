package provider

import (
	"context"
	stdErrors "errors"
	"strings"

	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
)

// Adapter 将某个外部数据源的异构响应归一化为 RawRecord。
//
// Fetch 在没有数据时返回空切片而不是错误；只有传输、鉴权或解析等硬性失败才返回错误。
// 实现必须是无状态的，允许被并发调用。
type Adapter interface {
	ID() string
	Covers(protocolID string) bool
	Fetch(ctx context.Context, scope domain.ScopeEntry) ([]domain.RawRecord, error)
}

// Coverage 描述适配器负责的协议集合，空集合表示覆盖全部协议。
type Coverage []string

// NewCoverage 规范化协议列表。
func NewCoverage(protocols []string) Coverage {
	out := make(Coverage, 0, len(protocols))
	for _, p := range protocols {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && p != domain.Wildcard {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Covers 判断协议是否在覆盖范围内。
func (c Coverage) Covers(protocolID string) bool {
	if len(c) == 0 {
		return true
	}
	protocolID = strings.ToLower(strings.TrimSpace(protocolID))
	if protocolID == "" || protocolID == domain.Wildcard {
		return true
	}
	for _, p := range c {
		if p == protocolID {
			return true
		}
	}
	return false
}

// Failure 把底层错误包装为数据源错误；上下文超时会被识别为 TIMEOUT。
func Failure(providerID string, err error, message string) *xerrors.Error {
	if err == nil {
		return nil
	}
	if e, ok := xerrors.From(err); ok && (e.Code() == xerrors.CodeProviderFailure || e.Code() == xerrors.CodeTimeout) {
		return e
	}
	code := xerrors.CodeProviderFailure
	if stdErrors.Is(err, context.DeadlineExceeded) {
		code = xerrors.CodeTimeout
	}
	return xerrors.Wrap(code, err, message, xerrors.WithMetadata("provider", providerID))
}

// LimitFailure 包装限流等待失败。rate.Limiter 在剩余时限不够等待令牌时提前返回普通错误，
// 调用带有时限且未被取消时按 TIMEOUT 处理。
func LimitFailure(ctx context.Context, providerID string, err error) *xerrors.Error {
	if err == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); ok && !stdErrors.Is(ctx.Err(), context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "限流等待超出调用时限", xerrors.WithMetadata("provider", providerID))
	}
	return Failure(providerID, err, "等待限流令牌失败")
}

// IsTimeout 判断数据源错误是否由超时引起。
func IsTimeout(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeTimeout || stdErrors.Is(err, context.DeadlineExceeded)
}
