package store

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/clarisma/geodesk-tilebuild/internal/model"
)

// tileEntry is everything MemTileCatalog knows about one pile.
type tileEntry struct {
	tile                   Tile
	tip                    Tip
	minX, minY, maxX, maxY int32
}

// MemTileCatalog is an in-memory TileCatalog for tests and the demo
// cmd/ binaries: an authoritative map plus a bounded
// github.com/hashicorp/golang-lru/v2 cache over TileOfTip lookups. A real
// catalog would be a
// store-backed index the pipeline hits once per foreign reference; the
// LRU wrapper mirrors that access pattern even though every entry here
// already lives in the backing map, grounded in the teacher's
// `cog.NewTileCache` (a bounded cache ahead of a slower lookup) and the
// same library `trillian-tessera` and `go-ethereum` use for hot
// read-mostly indexes (SPEC_FULL.md §6).
type MemTileCatalog struct {
	mu         sync.RWMutex
	byPile     map[int]*tileEntry
	byTip      map[Tip]*tileEntry
	byTile     map[Tile]*tileEntry
	tipCache   *lru.Cache[Tip, *tileEntry]
}

// NewMemTileCatalog returns an empty catalog whose TileOfTip cache holds
// up to cacheSize entries.
func NewMemTileCatalog(cacheSize int) *MemTileCatalog {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, err := lru.New[Tip, *tileEntry](cacheSize)
	if err != nil {
		panic(fmt.Errorf("store: lru.New(%d): %v", cacheSize, err))
	}
	return &MemTileCatalog{
		byPile:   make(map[int]*tileEntry),
		byTip:    make(map[Tip]*tileEntry),
		byTile:   make(map[Tile]*tileEntry),
		tipCache: c,
	}
}

// Add registers one pile's tile address, TIP and world-space bounds
// (bounds are only used by TipOfCoordSlow; coordinate projection from
// zoom/x/y itself stays out of scope per spec §1 Non-goals).
func (c *MemTileCatalog) Add(pile int, tile Tile, tip Tip, minX, minY, maxX, maxY int32) {
	e := &tileEntry{tile: tile, tip: tip, minX: minX, minY: minY, maxX: maxX, maxY: maxY}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPile[pile] = e
	c.byTip[tip] = e
	c.byTile[tile] = e
}

func (c *MemTileCatalog) TileOfPile(pile int) (Tile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byPile[pile]
	if !ok {
		return Tile{}, false
	}
	return e.tile, true
}

func (c *MemTileCatalog) TipOfPile(pile int) (Tip, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byPile[pile]
	if !ok {
		return 0, false
	}
	return e.tip, true
}

func (c *MemTileCatalog) TileOfTip(tip Tip) (Tile, bool) {
	if e, ok := c.tipCache.Get(tip); ok {
		return e.tile, true
	}
	c.mu.RLock()
	e, ok := c.byTip[tip]
	c.mu.RUnlock()
	if !ok {
		return Tile{}, false
	}
	c.tipCache.Add(tip, e)
	return e.tile, true
}

func (c *MemTileCatalog) PileOfTile(t Tile) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for pile, e := range c.byPile {
		if e.tile == t {
			return pile, true
		}
	}
	return 0, false
}

// TipOfCoordSlow scans every registered tile's bounds for one containing
// (x, y); "slow" per spec §6, since a real implementation would walk a
// zoom-ordered spatial index instead of every tile in the store.
func (c *MemTileCatalog) TipOfCoordSlow(x, y int32) (Tip, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.byTip {
		if x >= e.minX && x <= e.maxX && y >= e.minY && y <= e.maxY {
			return e.tip, true
		}
	}
	return 0, false
}

// MemStringCatalog is an in-memory, bidirectional StringCatalog.
type MemStringCatalog struct {
	mu       sync.RWMutex
	codeOf   map[string]int32
	stringOf map[int32]string
	next     int32
}

// NewMemStringCatalog returns an empty catalog.
func NewMemStringCatalog() *MemStringCatalog {
	return &MemStringCatalog{
		codeOf:   make(map[string]int32),
		stringOf: make(map[int32]string),
	}
}

// Intern assigns s a global code if it doesn't already have one, and
// returns its code either way.
func (c *MemStringCatalog) Intern(s string) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code, ok := c.codeOf[s]; ok {
		return code
	}
	code := c.next
	c.next++
	c.codeOf[s] = code
	c.stringOf[code] = s
	return code
}

func (c *MemStringCatalog) GlobalCode(s string) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	code, ok := c.codeOf[s]
	return code, ok
}

func (c *MemStringCatalog) GlobalString(code int32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stringOf[code]
	return s, ok
}

// MemAreaClassifier decides AREA by Settings.AreaRules: a tag matches a
// rule if its key matches and either the rule's Value is empty (match
// any value) or equal to the tag's value.
type MemAreaClassifier struct {
	Rules []AreaRule
}

// NewMemAreaClassifier builds a classifier from a Settings' AreaRules.
func NewMemAreaClassifier(settings Settings) *MemAreaClassifier {
	return &MemAreaClassifier{Rules: settings.AreaRules}
}

func (c *MemAreaClassifier) IsArea(tags []model.TagValue) AreaDecision {
	for _, t := range tags {
		for _, rule := range c.Rules {
			if t.Key != rule.Key {
				continue
			}
			if rule.Value != "" && (t.IsNumeric || t.Str != rule.Value) {
				continue
			}
			return AreaDecision{ForWay: true, ForRelation: true}
		}
	}
	return AreaDecision{}
}

// MemExportFile is an in-memory ExportFile, keyed by (pile, relation id).
type MemExportFile struct {
	mu      sync.RWMutex
	texOf   map[int]map[int64]Tex
}

// NewMemExportFile returns an empty export file.
func NewMemExportFile() *MemExportFile {
	return &MemExportFile{texOf: make(map[int]map[int64]Tex)}
}

// Set records relation id's TEX within pile.
func (f *MemExportFile) Set(pile int, id int64, tex Tex) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.texOf[pile]
	if !ok {
		m = make(map[int64]Tex)
		f.texOf[pile] = m
	}
	m[id] = tex
}

func (f *MemExportFile) TexOfRelation(pile int, id int64) (Tex, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.texOf[pile]
	if !ok {
		return 0, false
	}
	tex, ok := m[id]
	return tex, ok
}

// MemFeatureStoreTx is an in-memory FeatureStoreTx: it appends committed
// blobs to a slice (the "page" is the slice index) and records each
// TIP's page, for tests and the demo cmd/ binaries to inspect after a
// run. No real blob store or page allocator backs it (spec §1
// Non-goals).
type MemFeatureStoreTx struct {
	mu       sync.Mutex
	open     bool
	pages    [][]byte
	tipPage  map[Tip]int64
}

// NewMemFeatureStoreTx returns a transaction with nothing committed yet.
func NewMemFeatureStoreTx() *MemFeatureStoreTx {
	return &MemFeatureStoreTx{tipPage: make(map[Tip]int64)}
}

func (tx *MemFeatureStoreTx) Begin() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.open {
		return fmt.Errorf("store: transaction already open")
	}
	tx.open = true
	return nil
}

func (tx *MemFeatureStoreTx) AddBlob(b []byte) (int64, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.open {
		return 0, fmt.Errorf("store: AddBlob outside a transaction")
	}
	page := int64(len(tx.pages))
	cp := make([]byte, len(b))
	copy(cp, b)
	tx.pages = append(tx.pages, cp)
	return page, nil
}

func (tx *MemFeatureStoreTx) SetTileIndex(tip Tip, page int64) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.open {
		return fmt.Errorf("store: SetTileIndex outside a transaction")
	}
	tx.tipPage[tip] = page
	return nil
}

func (tx *MemFeatureStoreTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.open {
		return fmt.Errorf("store: Commit outside a transaction")
	}
	tx.open = false
	return nil
}

// Blob returns the committed blob for tip, for test assertions.
func (tx *MemFeatureStoreTx) Blob(tip Tip) ([]byte, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	page, ok := tx.tipPage[tip]
	if !ok {
		return nil, false
	}
	return tx.pages[page], true
}
