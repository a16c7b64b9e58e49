package order

import (
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"
)

var errNoQuoteSource = errors.New("no quotes to process the request")

// Magic 由订单 ID 确定性地派生交易场所侧的关联号，重启后保持不变。
func Magic(orderID string) int64 {
	return int64(xxhash.Sum64String(orderID) & math.MaxInt64)
}
