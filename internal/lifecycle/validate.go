package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"order-bridge/internal/protocol"
	"order-bridge/order"
	"order-bridge/venue"
)

// newOrder 把请求转换为订单。即使请求无效也返回订单，以便生成 FAILED 事件。
func (m *Manager) newOrder(req *protocol.TradeRequest) *order.PendingOrder {
	id := strings.TrimSpace(req.TradeID)
	if id == "" {
		id = uuid.NewString()
	}
	created := m.now()
	if req.Timestamp > 0 {
		sec := int64(req.Timestamp)
		created = time.Unix(sec, int64((req.Timestamp-float64(sec))*1e9))
	}
	return &order.PendingOrder{
		ID:          id,
		UserID:      req.UserID,
		AccountType: order.ParseAccountType(req.AccountType),
		AccountName: req.AccountName,
		Symbol:      req.Symbol,
		Side:        order.Side(strings.ToUpper(req.TradeType)),
		Kind:        order.Kind(strings.ToUpper(req.OrderType)),
		Leverage:    req.Leverage,
		Volume:      req.Volume,
		EntryPrice:  req.EntryPrice,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		Expiration:  req.Expiration,
		CreatedAt:   created,
		Status:      order.StatusPending,
		Magic:       order.Magic(id),
	}
}

// validateRequest 校验请求形状（字段、枚举、符号），再按交易场所约束校验数量与价格。
func (m *Manager) validateRequest(ctx context.Context, req *protocol.TradeRequest, o *order.PendingOrder) (order.SymbolConstraints, error) {
	norm := *req
	norm.TradeType = string(o.Side)
	norm.OrderType = string(o.Kind)
	norm.AccountType = string(o.AccountType)
	if err := m.validate.Struct(&norm); err != nil {
		return order.SymbolConstraints{}, fieldError(err)
	}

	c, err := m.venue.SymbolConstraints(ctx, o.Symbol)
	if err != nil {
		return c, validationf(venue.RetcodeInvalid, "invalid symbol %s", o.Symbol)
	}
	if err := c.ValidateVolume(o.Volume); err != nil {
		return c, validationf(venue.RetcodeInvalidVolume, "invalid volume: %v", err)
	}
	if !o.Kind.IsMarket() && o.Kind.Side() != o.Side {
		return c, validationf(venue.RetcodeInvalid, "order type %s does not match trade type %s", o.Kind, o.Side)
	}
	if !o.PriceConsistent() {
		if o.Kind.IsMarket() {
			return c, validationf(venue.RetcodeInvalidPrice, "market order must not carry an entry price")
		}
		return c, validationf(venue.RetcodeInvalidPrice, "%s order requires entry price > 0", o.Kind)
	}
	if o.Expiration != 0 && o.Expiration <= m.now().Unix() {
		return c, validationf(venue.RetcodeInvalidExpiration, "expiration %d is not in the future", o.Expiration)
	}
	return c, nil
}

// newValidator 字段错误使用 json 字段名，与协议消息一致
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldError 取第一个字段错误生成可读原因
func fieldError(err error) *Error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		retcode := venue.RetcodeInvalid
		switch fe.Field() {
		case "volume":
			retcode = venue.RetcodeInvalidVolume
		case "entry_price":
			retcode = venue.RetcodeInvalidPrice
		case "stop_loss", "take_profit":
			retcode = venue.RetcodeInvalidStops
		case "expiration":
			retcode = venue.RetcodeInvalidExpiration
		}
		return validationf(retcode, "invalid %s: %s", fe.Field(), describe(fe))
	}
	return &Error{Kind: KindValidation, Reason: "invalid trade parameters", Retcode: venue.RetcodeInvalid, Err: err}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return fmt.Sprintf("%v not one of [%s]", fe.Value(), fe.Param())
	case "gt":
		return fmt.Sprintf("%v must be > %s", fe.Value(), fe.Param())
	case "gte":
		return fmt.Sprintf("%v must be >= %s", fe.Value(), fe.Param())
	}
	return fe.Tag()
}

// checkFundsLocked 余额与保证金检查，调用方持有 mu
func (m *Manager) checkFundsLocked(ctx context.Context, o *order.PendingOrder, volume float64) error {
	balance, err := m.venue.Balance(ctx)
	if err != nil {
		return venueError(err)
	}
	if balance <= 0 {
		return &Error{Kind: KindInsufficientFunds, Reason: "insufficient balance", Retcode: venue.RetcodeNoMoney}
	}
	ok, err := m.venue.CheckMargin(ctx, o.Symbol, volume, o.Side)
	if err != nil {
		return venueError(err)
	}
	if !ok {
		return &Error{Kind: KindInsufficientMargin, Reason: "insufficient margin", Retcode: venue.RetcodeNoMoney}
	}
	return nil
}
