package instruments

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"nifty-options-bot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INSTRUMENT REGISTRY - contract master resolution
// ═══════════════════════════════════════════════════════════════════════════════
//
// Loads the broker contract master (gzipped CSV), indexes it, and swaps the
// whole index atomically so readers never observe a partial build. A failed
// refresh keeps the previous registry.
//
// ═══════════════════════════════════════════════════════════════════════════════

// refresh policy
const maxAge = 24 * time.Hour

// strikePair is the CE/PE pair at one strike.
type strikePair struct {
	Strike float64
	CE     *types.Instrument
	PE     *types.Instrument
}

// index is one immutable build of the master. Replaced wholesale on refresh.
type index struct {
	byKey map[string]*types.Instrument
	// (symbol, expiry date) → strike-sorted pairs
	chains   map[chainKey][]strikePair
	expiries map[string][]time.Time // symbol → sorted expiries
	loadedAt time.Time
}

type chainKey struct {
	symbol string
	expiry string // yyyy-mm-dd
}

// Registry resolves instruments from the periodically refreshed master.
type Registry struct {
	mu      sync.RWMutex
	current *index

	url    string
	client *resty.Client
}

// NewRegistry creates a registry that fetches the master from url.
func NewRegistry(url string) *Registry {
	client := resty.New().
		SetTimeout(60 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Registry{url: url, client: client}
}

// Refresh downloads and swaps in a new master. On failure the previous
// registry stays active and a warning is logged.
func (r *Registry) Refresh(ctx context.Context) error {
	resp, err := r.client.R().SetContext(ctx).Get(r.url)
	if err != nil {
		log.Warn().Err(err).Msg("Instrument master download failed, keeping previous registry")
		return fmt.Errorf("download instrument master: %w", err)
	}
	if resp.StatusCode() != 200 {
		log.Warn().Int("status", resp.StatusCode()).Msg("Instrument master download failed, keeping previous registry")
		return fmt.Errorf("download instrument master: status %d", resp.StatusCode())
	}

	idx, err := buildIndex(resp.Body())
	if err != nil {
		log.Warn().Err(err).Msg("Instrument master parse failed, keeping previous registry")
		return fmt.Errorf("parse instrument master: %w", err)
	}

	r.swap(idx)
	log.Info().Int("instruments", len(idx.byKey)).Msg("📋 Instrument registry refreshed")
	return nil
}

// LoadFrom builds the registry from raw master bytes (plain or gzipped CSV).
func (r *Registry) LoadFrom(data []byte) error {
	idx, err := buildIndex(data)
	if err != nil {
		return err
	}
	r.swap(idx)
	return nil
}

func (r *Registry) swap(idx *index) {
	r.mu.Lock()
	r.current = idx
	r.mu.Unlock()
}

func (r *Registry) snapshot() *index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Stale reports whether the registry is older than the refresh policy allows.
func (r *Registry) Stale(now time.Time) bool {
	idx := r.snapshot()
	return idx == nil || now.Sub(idx.loadedAt) > maxAge
}

// Lookup resolves an instrument key.
func (r *Registry) Lookup(key string) (*types.Instrument, bool) {
	idx := r.snapshot()
	if idx == nil {
		return nil, false
	}
	inst, ok := idx.byKey[key]
	return inst, ok
}

// NearestExpiry returns the soonest expiry of symbol on or after now.
func (r *Registry) NearestExpiry(symbol string, now time.Time) (time.Time, bool) {
	idx := r.snapshot()
	if idx == nil {
		return time.Time{}, false
	}
	day := now.Truncate(24 * time.Hour)
	for _, exp := range idx.expiries[symbol] {
		if !exp.Before(day) {
			return exp, true
		}
	}
	return time.Time{}, false
}

// ATMStrike rounds spot to the nearest strike step.
func ATMStrike(spot, step float64) float64 {
	if step <= 0 {
		step = 50
	}
	return math.Round(spot/step) * step
}

// PCRWindow enumerates every CE and PE key of (symbol, expiry) with strike in
// [atm-rng, atm+rng]. The result is strike-sorted, CE before PE at each
// strike, so the subscription set is stable across master reloads.
func (r *Registry) PCRWindow(symbol string, expiry time.Time, atm, rng float64) []string {
	idx := r.snapshot()
	if idx == nil {
		return nil
	}
	pairs := idx.chains[chainKey{symbol: symbol, expiry: expiry.Format("2006-01-02")}]
	keys := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		if p.Strike < atm-rng || p.Strike > atm+rng {
			continue
		}
		if p.CE != nil {
			keys = append(keys, p.CE.Key)
		}
		if p.PE != nil {
			keys = append(keys, p.PE.Key)
		}
	}
	return keys
}

// ATMPair returns the CE and PE instruments at the ATM strike, when listed.
func (r *Registry) ATMPair(symbol string, expiry time.Time, atm float64) (ce, pe *types.Instrument) {
	idx := r.snapshot()
	if idx == nil {
		return nil, nil
	}
	pairs := idx.chains[chainKey{symbol: symbol, expiry: expiry.Format("2006-01-02")}]
	for _, p := range pairs {
		if p.Strike == atm {
			return p.CE, p.PE
		}
	}
	return nil, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MASTER PARSING
// ═══════════════════════════════════════════════════════════════════════════════

var gzipMagic = []byte{0x1f, 0x8b}

func buildIndex(data []byte) (*index, error) {
	var reader io.Reader = bytes.NewReader(data)
	if bytes.HasPrefix(data, gzipMagic) {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("gunzip master: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	cr := csv.NewReader(reader)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read master header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	required := []string{"instrument_key", "tradingsymbol", "exchange_segment", "instrument_type", "strike", "expiry", "lot_size", "tick_size"}
	for _, name := range required {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("master missing column %q", name)
		}
	}

	idx := &index{
		byKey:    make(map[string]*types.Instrument),
		chains:   make(map[chainKey][]strikePair),
		expiries: make(map[string][]time.Time),
		loadedAt: time.Now(),
	}

	field := func(rec []string, name string) string {
		i := col[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var dropped int
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			dropped++
			continue
		}

		inst := &types.Instrument{
			Key:    field(rec, "instrument_key"),
			Symbol: field(rec, "tradingsymbol"),
		}
		if inst.Key == "" || inst.Symbol == "" {
			dropped++
			continue
		}

		switch strings.ToUpper(field(rec, "instrument_type")) {
		case "CE":
			inst.Segment = types.SegmentOption
			inst.OptionType = types.OptionCE
		case "PE":
			inst.Segment = types.SegmentOption
			inst.OptionType = types.OptionPE
		case "INDEX":
			inst.Segment = types.SegmentIndex
		default:
			continue // futures and equity rows are out of universe
		}

		inst.Strike, _ = strconv.ParseFloat(field(rec, "strike"), 64)
		inst.TickSize, _ = strconv.ParseFloat(field(rec, "tick_size"), 64)
		if ls, err := strconv.Atoi(field(rec, "lot_size")); err == nil {
			inst.LotSize = ls
		}

		if inst.Segment == types.SegmentOption {
			exp, err := time.Parse("2006-01-02", field(rec, "expiry"))
			if err != nil {
				dropped++
				log.Debug().Str("key", inst.Key).Msg("Option row without parseable expiry dropped")
				continue
			}
			inst.Expiry = exp
		}

		idx.byKey[inst.Key] = inst

		if inst.Segment == types.SegmentOption {
			root := optionRoot(inst.Symbol)
			ck := chainKey{symbol: root, expiry: inst.Expiry.Format("2006-01-02")}
			idx.chains[ck] = upsertPair(idx.chains[ck], inst)
			idx.expiries[root] = appendExpiry(idx.expiries[root], inst.Expiry)
		}
	}

	for ck := range idx.chains {
		pairs := idx.chains[ck]
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].Strike < pairs[j].Strike })
		idx.chains[ck] = pairs
	}
	for sym := range idx.expiries {
		sort.Slice(idx.expiries[sym], func(i, j int) bool { return idx.expiries[sym][i].Before(idx.expiries[sym][j]) })
	}

	if dropped > 0 {
		log.Warn().Int("rows", dropped).Msg("Instrument master rows dropped")
	}
	if len(idx.byKey) == 0 {
		return nil, fmt.Errorf("master contained no usable instruments")
	}
	return idx, nil
}

// optionRoot strips the strike/type suffix from a trading symbol, e.g.
// "NIFTY24O1024500CE" → "NIFTY". The master encodes the underlying as the
// leading alphabetic run.
func optionRoot(symbol string) string {
	for i, r := range symbol {
		if r >= '0' && r <= '9' {
			return symbol[:i]
		}
	}
	return symbol
}

func upsertPair(pairs []strikePair, inst *types.Instrument) []strikePair {
	for i := range pairs {
		if pairs[i].Strike == inst.Strike {
			if inst.OptionType == types.OptionCE {
				pairs[i].CE = inst
			} else {
				pairs[i].PE = inst
			}
			return pairs
		}
	}
	p := strikePair{Strike: inst.Strike}
	if inst.OptionType == types.OptionCE {
		p.CE = inst
	} else {
		p.PE = inst
	}
	return append(pairs, p)
}

func appendExpiry(expiries []time.Time, exp time.Time) []time.Time {
	for _, e := range expiries {
		if e.Equal(exp) {
			return expiries
		}
	}
	return append(expiries, exp)
}
