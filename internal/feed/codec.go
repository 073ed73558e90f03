package feed

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FEED CODEC - protobuf wire format for broker tick frames
// ═══════════════════════════════════════════════════════════════════════════════
//
// The broker pushes length-delimited protobuf frames. We parse the wire format
// directly with protowire against the field numbers below; unknown fields are
// skipped so schema additions on the broker side never break the decoder.
//
//   FeedResponse: 1=type 2=feeds(map<string,Feed>) 3=currentTs 4=marketInfo
//   Feed:         1=ltpc 2=full 3=greeks            (union, one set)
//   LTPC:         1=ltp 2=ltt 3=ltq 4=cp
//   FullFeed:     1=ltpc 2=bidQ 3=bidP 4=askQ 5=askP 6=oi 7=vtt 8=atp
//                 9=ohlc 10=openInterest (alias of 6)
//   GreeksFeed:   1=ltpc 2=iv 3=delta 4=gamma 5=theta 6=vega 7=rho 8=oi
//   OHLC:         1=interval 2=open 3=high 4=low 5=close 6=volume 7=oi
//   MarketInfo:   1=status 2=segment
//
// ═══════════════════════════════════════════════════════════════════════════════

// Frame type strings sent by the broker.
const (
	TypeInitialFeed = "initial_feed"
	TypeLiveFeed    = "live_feed"
	TypeMarketInfo  = "market_info"
)

// ErrReconnectRequested is returned by Decoder.Decode after three consecutive
// malformed frames.
var ErrReconnectRequested = errors.New("feed: repeated malformed frames, reconnect requested")

// DecodeError reports a single malformed frame. The frame is dropped; the
// stream continues.
type DecodeError struct {
	FrameLen int
	Cause    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("feed: malformed frame (%d bytes): %v", e.FrameLen, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// LTPC is the lightweight price mode.
type LTPC struct {
	LTP float64
	LTT int64 // last trade time, ms epoch
	LTQ int64
	CP  float64 // previous close
}

// OHLC is a broker-side candle attached to a full feed.
type OHLC struct {
	Interval string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   int64
	OI       float64
	HasOI    bool
}

// FullFeed is the full market mode with depth top and open interest.
type FullFeed struct {
	LTPC  LTPC
	BidQ  int64
	BidP  float64
	AskQ  int64
	AskP  float64
	OI    float64
	HasOI bool
	VTT   int64 // volume traded today
	ATP   float64
	OHLC  *OHLC
}

// GreeksFeed carries broker-computed greeks alongside the price.
type GreeksFeed struct {
	LTPC  LTPC
	IV    float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	Rho   float64
	OI    float64
	HasOI bool
}

// Feed is the per-instrument union. Exactly one member is non-nil in a
// well-formed frame; when several are present the richest wins.
type Feed struct {
	LTPC   *LTPC
	Full   *FullFeed
	Greeks *GreeksFeed
}

// MarketInfo is a market status event.
type MarketInfo struct {
	Status  string
	Segment string
}

// FeedResponse is one decoded frame.
type FeedResponse struct {
	Type      string
	Feeds     map[string]Feed
	CurrentTs int64
	Market    *MarketInfo
}

// ═══════════════════════════════════════════════════════════════════════════════
// DECODE
// ═══════════════════════════════════════════════════════════════════════════════

// Decoder tracks consecutive failures so the client can escalate to a
// reconnect after persistent garbage. No I/O happens here.
type Decoder struct {
	consecutiveFailures int
}

// Decode parses one frame. On a malformed frame it returns *DecodeError; on
// the third consecutive failure it returns ErrReconnectRequested instead.
func (d *Decoder) Decode(frame []byte) (*FeedResponse, error) {
	resp, err := Unmarshal(frame)
	if err != nil {
		d.consecutiveFailures++
		if d.consecutiveFailures >= 3 {
			d.consecutiveFailures = 0
			return nil, ErrReconnectRequested
		}
		return nil, &DecodeError{FrameLen: len(frame), Cause: err}
	}
	d.consecutiveFailures = 0
	return resp, nil
}

// Unmarshal parses a FeedResponse from protobuf wire bytes.
func Unmarshal(b []byte) (*FeedResponse, error) {
	resp := &FeedResponse{Feeds: make(map[string]Feed)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			resp.Type, b = s, b[n:]
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return nil, err
			}
			key, fd, err := unmarshalFeedEntry(v)
			if err != nil {
				return nil, err
			}
			resp.Feeds[key] = fd
			b = b[n:]
		case 3:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return nil, err
			}
			resp.CurrentTs, b = int64(v), b[n:]
		case 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return nil, err
			}
			mi, err := unmarshalMarketInfo(v)
			if err != nil {
				return nil, err
			}
			resp.Market, b = mi, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return resp, nil
}

// unmarshalFeedEntry parses one map<string,Feed> entry (1=key, 2=value).
func unmarshalFeedEntry(b []byte) (string, Feed, error) {
	var key string
	var fd Feed
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", fd, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			if err != nil {
				return "", fd, err
			}
			key, b = s, b[n:]
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return "", fd, err
			}
			f, err := unmarshalFeed(v)
			if err != nil {
				return "", fd, err
			}
			fd, b = f, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", fd, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if key == "" {
		return "", fd, errors.New("feed entry without instrument key")
	}
	return key, fd, nil
}

func unmarshalFeed(b []byte) (Feed, error) {
	var fd Feed
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fd, protowire.ParseError(n)
		}
		b = b[n:]
		v, vn, err := consumeBytes(typ, b)
		if err != nil {
			// Union members are all messages; anything else is skipped.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fd, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		switch num {
		case 1:
			l, err := unmarshalLTPC(v)
			if err != nil {
				return fd, err
			}
			fd.LTPC = l
		case 2:
			f, err := unmarshalFullFeed(v)
			if err != nil {
				return fd, err
			}
			fd.Full = f
		case 3:
			g, err := unmarshalGreeksFeed(v)
			if err != nil {
				return fd, err
			}
			fd.Greeks = g
		}
		b = b[vn:]
	}
	return fd, nil
}

func unmarshalLTPC(b []byte) (*LTPC, error) {
	l := &LTPC{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			f, n, err := consumeDouble(typ, b)
			if err != nil {
				return nil, err
			}
			l.LTP, b = f, b[n:]
		case 2:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return nil, err
			}
			l.LTT, b = int64(v), b[n:]
		case 3:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return nil, err
			}
			l.LTQ, b = int64(v), b[n:]
		case 4:
			f, n, err := consumeDouble(typ, b)
			if err != nil {
				return nil, err
			}
			l.CP, b = f, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return l, nil
}

func unmarshalFullFeed(b []byte) (*FullFeed, error) {
	f := &FullFeed{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return nil, err
			}
			l, err := unmarshalLTPC(v)
			if err != nil {
				return nil, err
			}
			f.LTPC, b = *l, b[n:]
		case 2:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return nil, err
			}
			f.BidQ, b = int64(v), b[n:]
		case 3:
			d, n, err := consumeDouble(typ, b)
			if err != nil {
				return nil, err
			}
			f.BidP, b = d, b[n:]
		case 4:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return nil, err
			}
			f.AskQ, b = int64(v), b[n:]
		case 5:
			d, n, err := consumeDouble(typ, b)
			if err != nil {
				return nil, err
			}
			f.AskP, b = d, b[n:]
		case 6, 10:
			d, n, err := consumeDouble(typ, b)
			if err != nil {
				return nil, err
			}
			f.OI, f.HasOI, b = d, true, b[n:]
		case 7:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return nil, err
			}
			f.VTT, b = int64(v), b[n:]
		case 8:
			d, n, err := consumeDouble(typ, b)
			if err != nil {
				return nil, err
			}
			f.ATP, b = d, b[n:]
		case 9:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return nil, err
			}
			o, err := unmarshalOHLC(v)
			if err != nil {
				return nil, err
			}
			f.OHLC, b = o, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return f, nil
}

func unmarshalGreeksFeed(b []byte) (*GreeksFeed, error) {
	g := &GreeksFeed{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 {
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return nil, err
			}
			l, err := unmarshalLTPC(v)
			if err != nil {
				return nil, err
			}
			g.LTPC, b = *l, b[n:]
			continue
		}
		if num >= 2 && num <= 8 {
			d, n, err := consumeDouble(typ, b)
			if err != nil {
				return nil, err
			}
			switch num {
			case 2:
				g.IV = d
			case 3:
				g.Delta = d
			case 4:
				g.Gamma = d
			case 5:
				g.Theta = d
			case 6:
				g.Vega = d
			case 7:
				g.Rho = d
			case 8:
				g.OI, g.HasOI = d, true
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return g, nil
}

func unmarshalOHLC(b []byte) (*OHLC, error) {
	o := &OHLC{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			o.Interval, b = s, b[n:]
		case 2, 3, 4, 5:
			d, n, err := consumeDouble(typ, b)
			if err != nil {
				return nil, err
			}
			switch num {
			case 2:
				o.Open = d
			case 3:
				o.High = d
			case 4:
				o.Low = d
			case 5:
				o.Close = d
			}
			b = b[n:]
		case 6:
			v, n, err := consumeVarint(typ, b)
			if err != nil {
				return nil, err
			}
			o.Volume, b = int64(v), b[n:]
		case 7:
			d, n, err := consumeDouble(typ, b)
			if err != nil {
				return nil, err
			}
			o.OI, o.HasOI, b = d, true, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return o, nil
}

func unmarshalMarketInfo(b []byte) (*MarketInfo, error) {
	mi := &MarketInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			s, n, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			mi.Status, b = s, b[n:]
		case 2:
			s, n, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			mi.Segment, b = s, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return mi, nil
}

// wire-type checked consumers

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(typ, b)
	return string(v), n, err
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d for bytes field", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d for varint field", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeDouble(typ protowire.Type, b []byte) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("unexpected wire type %d for double field", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENCODE - deterministic, used by the paper feed and test fixtures
// ═══════════════════════════════════════════════════════════════════════════════

// Marshal encodes a FeedResponse. Zero values are omitted and map entries are
// written in sorted key order, so encoding is deterministic and
// Marshal(Unmarshal(Marshal(x))) is byte-identical.
func Marshal(r *FeedResponse) []byte {
	var b []byte
	if r.Type != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Type)
	}
	keys := make([]string, 0, len(r.Feeds))
	for k := range r.Feeds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fd := r.Feeds[k]
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, marshalFeed(fd))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if r.CurrentTs != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.CurrentTs))
	}
	if r.Market != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalMarketInfo(r.Market))
	}
	return b
}

func marshalFeed(fd Feed) []byte {
	var b []byte
	if fd.LTPC != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalLTPC(*fd.LTPC))
	}
	if fd.Full != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalFullFeed(fd.Full))
	}
	if fd.Greeks != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalGreeksFeed(fd.Greeks))
	}
	return b
}

func marshalLTPC(l LTPC) []byte {
	var b []byte
	b = appendDouble(b, 1, l.LTP)
	b = appendVarint(b, 2, l.LTT)
	b = appendVarint(b, 3, l.LTQ)
	b = appendDouble(b, 4, l.CP)
	return b
}

func marshalFullFeed(f *FullFeed) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalLTPC(f.LTPC))
	b = appendVarint(b, 2, f.BidQ)
	b = appendDouble(b, 3, f.BidP)
	b = appendVarint(b, 4, f.AskQ)
	b = appendDouble(b, 5, f.AskP)
	if f.HasOI {
		b = protowire.AppendTag(b, 6, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f.OI))
	}
	b = appendVarint(b, 7, f.VTT)
	b = appendDouble(b, 8, f.ATP)
	if f.OHLC != nil {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOHLC(f.OHLC))
	}
	return b
}

func marshalGreeksFeed(g *GreeksFeed) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalLTPC(g.LTPC))
	b = appendDouble(b, 2, g.IV)
	b = appendDouble(b, 3, g.Delta)
	b = appendDouble(b, 4, g.Gamma)
	b = appendDouble(b, 5, g.Theta)
	b = appendDouble(b, 6, g.Vega)
	b = appendDouble(b, 7, g.Rho)
	if g.HasOI {
		b = protowire.AppendTag(b, 8, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(g.OI))
	}
	return b
}

func marshalOHLC(o *OHLC) []byte {
	var b []byte
	if o.Interval != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, o.Interval)
	}
	b = appendDouble(b, 2, o.Open)
	b = appendDouble(b, 3, o.High)
	b = appendDouble(b, 4, o.Low)
	b = appendDouble(b, 5, o.Close)
	b = appendVarint(b, 6, o.Volume)
	if o.HasOI {
		b = protowire.AppendTag(b, 7, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(o.OI))
	}
	return b
}

func marshalMarketInfo(mi *MarketInfo) []byte {
	var b []byte
	if mi.Status != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, mi.Status)
	}
	if mi.Segment != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, mi.Segment)
	}
	return b
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// ═══════════════════════════════════════════════════════════════════════════════
// FLATTENING
// ═══════════════════════════════════════════════════════════════════════════════

// Ticks flattens a frame into one Tick per instrument. The richest mode
// present wins; OI may come from the full feed, its OHLC, or the greeks feed
// (outermost present wins).
func (r *FeedResponse) Ticks() []types.Tick {
	if len(r.Feeds) == 0 {
		return nil
	}
	out := make([]types.Tick, 0, len(r.Feeds))
	for key, fd := range r.Feeds {
		t := types.Tick{InstrumentKey: key, Ts: r.CurrentTs}
		switch {
		case fd.Full != nil:
			f := fd.Full
			t.LTP, t.LTQ = f.LTPC.LTP, f.LTPC.LTQ
			if f.LTPC.LTT != 0 {
				t.Ts = f.LTPC.LTT
			}
			t.Bid, t.Ask = f.BidP, f.AskP
			t.Volume = f.VTT
			if f.HasOI {
				t.OI, t.HasOI = f.OI, true
			} else if f.OHLC != nil && f.OHLC.HasOI {
				t.OI, t.HasOI = f.OHLC.OI, true
			}
		case fd.Greeks != nil:
			g := fd.Greeks
			t.LTP, t.LTQ = g.LTPC.LTP, g.LTPC.LTQ
			if g.LTPC.LTT != 0 {
				t.Ts = g.LTPC.LTT
			}
			if g.HasOI {
				t.OI, t.HasOI = g.OI, true
			}
		case fd.LTPC != nil:
			t.LTP, t.LTQ = fd.LTPC.LTP, fd.LTPC.LTQ
			if fd.LTPC.LTT != 0 {
				t.Ts = fd.LTPC.LTT
			}
		default:
			continue
		}
		out = append(out, t)
	}
	return out
}

// Status returns the market status event carried by a market_info frame.
func (r *FeedResponse) Status() *types.MarketStatus {
	if r.Market == nil {
		return nil
	}
	return &types.MarketStatus{Status: r.Market.Status, Segment: r.Market.Segment, Ts: r.CurrentTs}
}
