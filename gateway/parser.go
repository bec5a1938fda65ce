package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNonMarketData 订阅应答等非行情消息。
var ErrNonMarketData = errors.New("non market data message")

// EventKind 上游行情事件类型。
type EventKind int

const (
	EventBookTicker EventKind = iota + 1 // 最优买卖价
	EventTrade                           // 成交，只有价格
	EventMiniTicker                      // 24h 统计，用于估算点差
)

func (k EventKind) String() string {
	switch k {
	case EventBookTicker:
		return "bookTicker"
	case EventTrade:
		return "trade"
	case EventMiniTicker:
		return "miniTicker"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event 解析后的行情事件。Bid/Ask 仅 bookTicker 有；High/Low 仅 miniTicker 有。
type Event struct {
	Kind   EventKind
	Symbol string
	Price  decimal.Decimal // trade 成交价、miniTicker 收盘价、bookTicker 中间价
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Time   time.Time // 上游未提供时为零值
}

// fields 按原样保存一条消息的键值。
//
// encoding/json 解到结构体时键名大小写不敏感，bookTicker 的数量键 "B"/"A"
// 会覆盖价格键 "b"/"a"，aggTrade 的 "a"/"l" 又是数字 id，所以逐键精确读取。
type fields map[string]json.RawMessage

// str 读取字符串字段，缺失或类型不符时返回空串。
func (f fields) str(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

// millis 读取毫秒时间戳，缺失或类型不符时返回 0。
func (f fields) millis(key string) int64 {
	raw, ok := f[key]
	if !ok {
		return 0
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v
}

// ParseEvent 解析单条上游消息，兼容 combined stream 包装。
func ParseEvent(raw []byte) (Event, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, fmt.Errorf("decode message: %w", err)
	}
	if _, ok := f["result"]; ok {
		return Event{}, ErrNonMarketData
	}
	if data, ok := f["data"]; ok {
		if _, ok := f["stream"]; ok {
			f = nil
			if err := json.Unmarshal(data, &f); err != nil {
				return Event{}, fmt.Errorf("decode event: %w", err)
			}
		}
	}

	symbol := f.str("s")
	if symbol == "" {
		return Event{}, ErrNonMarketData
	}

	ev := Event{Symbol: strings.ToUpper(symbol)}
	if ts := f.millis("T"); ts > 0 {
		ev.Time = time.UnixMilli(ts).UTC()
	} else if ts := f.millis("E"); ts > 0 {
		ev.Time = time.UnixMilli(ts).UTC()
	}

	var err error
	switch f.str("e") {
	case "trade", "aggTrade":
		ev.Kind = EventTrade
		if ev.Price, err = positive("p", f.str("p")); err != nil {
			return Event{}, err
		}
	case "24hrMiniTicker":
		ev.Kind = EventMiniTicker
		if ev.Price, err = positive("c", f.str("c")); err != nil {
			return Event{}, err
		}
		if ev.High, err = positive("h", f.str("h")); err != nil {
			return Event{}, err
		}
		if ev.Low, err = positive("l", f.str("l")); err != nil {
			return Event{}, err
		}
	case "bookTicker", "":
		// 现货 bookTicker 没有 "e" 字段
		bid, ask := f.str("b"), f.str("a")
		if bid == "" || ask == "" {
			return Event{}, ErrNonMarketData
		}
		ev.Kind = EventBookTicker
		if ev.Bid, err = positive("b", bid); err != nil {
			return Event{}, err
		}
		if ev.Ask, err = positive("a", ask); err != nil {
			return Event{}, err
		}
		if ev.Bid.GreaterThan(ev.Ask) {
			return Event{}, fmt.Errorf("crossed book %s: bid %s > ask %s", ev.Symbol, ev.Bid, ev.Ask)
		}
		ev.Price = ev.Bid.Add(ev.Ask).Div(decimal.NewFromInt(2))
	default:
		return Event{}, ErrNonMarketData
	}
	return ev, nil
}

func positive(field, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %s: %w", field, err)
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("field %s: non-positive value %s", field, s)
	}
	return v, nil
}

// StreamNames 一个品种对应的上游流名。
func StreamNames(symbol string) []string {
	s := strings.ToLower(symbol)
	return []string{s + "@bookTicker", s + "@trade", s + "@miniTicker"}
}

// controlMessage SUBSCRIBE / UNSUBSCRIBE 请求。
type controlMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}
