package canvas

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/inkwire/inkwire/protocol"
)

// The layer stack is an arena of layer records in document order (topmost
// root first) with computed modified-preorder traversal indices, not a
// pointer tree. For any two layers A and B, A is an ancestor of B iff
// A.Left < B.Left <= B.Right < A.Right; sibling iteration is O(children)
// via the indices and never needs a full walk.

var (
	ErrNotFound     = errors.New("layer not found")
	ErrDuplicateId  = errors.New("layer id already in use")
	ErrInvalidOrder = errors.New("order does not match the layer set")
	ErrBadOperation = errors.New("invalid layer operation")
)

type LayerItem struct {
	Id      uint16
	Title   string
	Opacity uint8
	Blend   protocol.Blend

	// local only, never replicated
	Hidden bool

	Censored bool
	Fixed    bool
	Isolated bool
	Group    bool

	// direct child count
	Children uint16
	// position among siblings, topmost first
	RelIndex uint16
	// MPTT interval
	Left  int
	Right int
}

func (self LayerItem) CreatorId() uint8 {
	return LayerCreator(self.Id)
}

func (self LayerItem) AttributeFlags() uint8 {
	var flags uint8
	if self.Censored {
		flags |= protocol.LayerAttrFlagCensor
	}
	if self.Fixed {
		flags |= protocol.LayerAttrFlagFixed
	}
	if self.Isolated {
		flags |= protocol.LayerAttrFlagIsolated
	}
	return flags
}

func (self LayerItem) descendants() int {
	return (self.Right - self.Left - 1) / 2
}

type LayerStack struct {
	width  int
	height int

	backgroundColor uint32
	backgroundTile  *Tile

	items    []LayerItem
	contents map[uint16]*tileContent
}

func NewLayerStack(width, height int) *LayerStack {
	return &LayerStack{
		width:    width,
		height:   height,
		contents: map[uint16]*tileContent{},
	}
}

// Clone is a cheap structural copy: layer records are copied, tile content
// is shared copy-on-write. Used for snapshots and read-only derived work.
func (self *LayerStack) Clone() *LayerStack {
	clone := &LayerStack{
		width:           self.width,
		height:          self.height,
		backgroundColor: self.backgroundColor,
		backgroundTile:  self.backgroundTile,
		items:           slices.Clone(self.items),
		contents:        map[uint16]*tileContent{},
	}
	for id, content := range self.contents {
		clone.contents[id] = content.clone()
	}
	return clone
}

func (self *LayerStack) Size() (int, int) {
	return self.width, self.height
}

func (self *LayerStack) LayerCount() int {
	return len(self.items)
}

// Items returns the layer records in document order, topmost root first.
func (self *LayerStack) Items() []LayerItem {
	return slices.Clone(self.items)
}

func (self *LayerStack) indexOf(id uint16) int {
	for i := range self.items {
		if self.items[i].Id == id {
			return i
		}
	}
	return -1
}

func (self *LayerStack) Layer(id uint16) (LayerItem, bool) {
	i := self.indexOf(id)
	if i < 0 {
		return LayerItem{}, false
	}
	return self.items[i], true
}

// Parent returns the parent layer of id, or false for root layers.
func (self *LayerStack) Parent(id uint16) (LayerItem, bool) {
	i := self.indexOf(id)
	if i < 0 {
		return LayerItem{}, false
	}
	j := self.parentIndex(i)
	if j < 0 {
		return LayerItem{}, false
	}
	return self.items[j], true
}

// nearest earlier item whose interval encloses this one
func (self *LayerStack) parentIndex(i int) int {
	right := self.items[i].Right
	for j := i - 1; 0 <= j; j -= 1 {
		if right < self.items[j].Right {
			return j
		}
	}
	return -1
}

// ChildIndices returns arena indices of a node's direct children in
// document order, in O(children) hops over subtree spans.
func (self *LayerStack) childIndices(i int) []int {
	children := []int{}
	j := i + 1
	for c := 0; c < int(self.items[i].Children); c += 1 {
		children = append(children, j)
		j += 1 + self.items[j].descendants()
	}
	return children
}

func (self *LayerStack) rootIndices() []int {
	roots := []int{}
	j := 0
	for j < len(self.items) {
		roots = append(roots, j)
		j += 1 + self.items[j].descendants()
	}
	return roots
}

func (self *LayerStack) RootLayerCount() int {
	return len(self.rootIndices())
}

func (self *LayerStack) reindex() {
	counter := 1
	var walk func(i int, relIndex int) int
	walk = func(i int, relIndex int) int {
		item := &self.items[i]
		item.RelIndex = uint16(relIndex)
		item.Left = counter
		counter += 1
		j := i + 1
		for c := 0; c < int(item.Children); c += 1 {
			j = walk(j, c)
		}
		item.Right = counter
		counter += 1
		return j
	}
	i := 0
	root := 0
	for i < len(self.items) {
		i = walk(i, root)
		root += 1
	}
}

// CreateLayer inserts a new layer node. With a zero target the layer goes
// topmost in the root stack; with the into flag it becomes the topmost child
// of target (which must be a group); otherwise it is inserted directly above
// target as a sibling. A nonzero source duplicates that layer's tiles
// copy-on-write. A fill color with nonzero alpha prefills the canvas area.
func (self *LayerStack) CreateLayer(id uint16, sourceId uint16, targetId uint16, fill uint32, flags uint8, title string) error {
	if 0 <= self.indexOf(id) {
		return fmt.Errorf("%w: 0x%04x", ErrDuplicateId, id)
	}

	group := flags&protocol.LayerCreateFlagGroup != 0
	into := flags&protocol.LayerCreateFlagInto != 0

	var content *tileContent
	if !group {
		if sourceId != 0 {
			source := self.contents[sourceId]
			if source == nil {
				return fmt.Errorf("%w: source 0x%04x", ErrNotFound, sourceId)
			}
			content = source.clone()
		} else {
			content = newTileContent()
		}
	}

	insertAt := 0
	if targetId != 0 {
		ti := self.indexOf(targetId)
		if ti < 0 {
			return fmt.Errorf("%w: target 0x%04x", ErrNotFound, targetId)
		}
		if into {
			if !self.items[ti].Group {
				return fmt.Errorf("%w: target 0x%04x is not a group", ErrBadOperation, targetId)
			}
			self.items[ti].Children += 1
			insertAt = ti + 1
		} else {
			if pi := self.parentIndex(ti); 0 <= pi {
				self.items[pi].Children += 1
			}
			insertAt = ti
		}
	}

	item := LayerItem{
		Id:      id,
		Title:   title,
		Opacity: 255,
		Blend:   protocol.BlendNormal,
		Group:   group,
	}
	self.items = slices.Insert(self.items, insertAt, item)
	if content != nil {
		self.contents[id] = content
		if alphaOf(fill) != 0 {
			self.fillCanvasArea(content, fill)
		}
	}
	self.reindex()
	return nil
}

func (self *LayerStack) fillCanvasArea(content *tileContent, color uint32) {
	cols := (self.width + TileSize - 1) / TileSize
	rows := (self.height + TileSize - 1) / TileSize
	for row := 0; row < rows; row += 1 {
		for col := 0; col < cols; col += 1 {
			content.put(TileIndex{Col: col, Row: row}, NewSolidTile(color))
		}
	}
}

// DeleteLayer removes a layer (and, for groups, its whole subtree). A
// nonzero mergeInto composites the deleted content onto that layer first so
// the flattened result is unchanged.
func (self *LayerStack) DeleteLayer(id uint16, mergeInto uint16) error {
	i := self.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: 0x%04x", ErrNotFound, id)
	}
	span := 1 + self.items[i].descendants()

	if mergeInto != 0 {
		mi := self.indexOf(mergeInto)
		if mi < 0 {
			return fmt.Errorf("%w: merge target 0x%04x", ErrNotFound, mergeInto)
		}
		if i <= mi && mi < i+span {
			return fmt.Errorf("%w: merge target inside deleted subtree", ErrBadOperation)
		}
		if self.items[mi].Group {
			return fmt.Errorf("%w: merge target 0x%04x is a group", ErrBadOperation, mergeInto)
		}
		self.mergeSubtreeOnto(i, mergeInto)
	}

	if pi := self.parentIndex(i); 0 <= pi {
		self.items[pi].Children -= 1
	}
	for j := i; j < i+span; j += 1 {
		delete(self.contents, self.items[j].Id)
	}
	self.items = slices.Delete(self.items, i, i+span)
	self.reindex()
	return nil
}

// mergeSubtreeOnto composites the subtree rooted at arena index i onto the
// raster layer mergeInto, exactly as the compositor would blend them.
func (self *LayerStack) mergeSubtreeOnto(i int, mergeInto uint16) {
	target := self.contents[mergeInto]
	for _, ti := range maps.Keys(self.subtreeTileSet(i)) {
		dst := target.writable(ti)
		self.compositeItem(dst, i, ti, 255, false)
		target.freeIfBlank(ti)
	}
}

func (self *LayerStack) subtreeTileSet(i int) map[TileIndex]bool {
	set := map[TileIndex]bool{}
	span := 1 + self.items[i].descendants()
	for j := i; j < i+span; j += 1 {
		if content := self.contents[self.items[j].Id]; content != nil {
			for ti := range content.tiles {
				set[ti] = true
			}
		}
	}
	return set
}

// ReorderLayers atomically reassigns the tree order to match the given
// bottom-to-top id list. The wire and storage convention is bottom to top;
// UI-facing callers reverse their top-to-bottom view at this boundary. The
// id set must match the existing layer set exactly. Each group keeps its
// child count and adopts the items that follow it in the new order, so a
// reorder can also reparent.
func (self *LayerStack) ReorderLayers(bottomToTop []uint16) error {
	if len(bottomToTop) != len(self.items) {
		return ErrInvalidOrder
	}

	// top-first document order
	order := slices.Clone(bottomToTop)
	slices.Reverse(order)

	byId := map[uint16]int{}
	for i := range self.items {
		byId[self.items[i].Id] = i
	}
	newItems := make([]LayerItem, 0, len(order))
	seen := map[uint16]bool{}
	for _, id := range order {
		i, ok := byId[id]
		if !ok || seen[id] {
			return ErrInvalidOrder
		}
		seen[id] = true
		newItems = append(newItems, self.items[i])
	}

	// validate that each group is immediately followed by a full set of
	// children subtrees
	type expect struct {
		remaining int
	}
	stack := []expect{}
	for i := range newItems {
		for 0 < len(stack) && stack[len(stack)-1].remaining == 0 {
			stack = stack[:len(stack)-1]
		}
		if 0 < len(stack) {
			stack[len(stack)-1].remaining -= 1
		}
		if newItems[i].Group {
			stack = append(stack, expect{remaining: int(newItems[i].Children)})
		}
	}
	for 0 < len(stack) && stack[len(stack)-1].remaining == 0 {
		stack = stack[:len(stack)-1]
	}
	if 0 < len(stack) {
		return ErrInvalidOrder
	}

	self.items = newItems
	self.reindex()
	return nil
}

func (self *LayerStack) SetLayerAttributes(id uint16, flags uint8, opacity uint8, blend protocol.Blend) error {
	i := self.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: 0x%04x", ErrNotFound, id)
	}
	item := &self.items[i]
	item.Censored = flags&protocol.LayerAttrFlagCensor != 0
	item.Fixed = flags&protocol.LayerAttrFlagFixed != 0
	item.Isolated = flags&protocol.LayerAttrFlagIsolated != 0
	item.Opacity = opacity
	item.Blend = blend
	return nil
}

func (self *LayerStack) SetLayerTitle(id uint16, title string) error {
	i := self.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: 0x%04x", ErrNotFound, id)
	}
	self.items[i].Title = title
	return nil
}

// SetLayerHidden toggles the local-only hidden flag.
func (self *LayerStack) SetLayerHidden(id uint16, hidden bool) error {
	i := self.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: 0x%04x", ErrNotFound, id)
	}
	self.items[i].Hidden = hidden
	return nil
}

// GetAvailableId scans the 256 ids in the user's namespace and returns the
// first unused one, or 0 when the namespace is exhausted. Callers must treat
// 0 as a hard failure to surface, not retry.
func (self *LayerStack) GetAvailableId(user uint8) uint16 {
	prefix := uint16(user) << 8
	taken := map[uint16]bool{}
	for i := range self.items {
		if self.items[i].Id&0xff00 == prefix {
			taken[self.items[i].Id] = true
		}
	}
	for i := 0; i < 256; i += 1 {
		id := prefix | uint16(i)
		if !taken[id] {
			return id
		}
	}
	return 0
}

var titleSuffixRe = regexp.MustCompile(`(\d+)$`)

// GetAvailableName strips a trailing numeric suffix from base and returns
// "<stem> <n+1>" where n is the biggest suffix among titles sharing the
// stem; a bare stem title counts as suffix 1. The O(n^2) scan is fine for
// the typical layer counts here.
func (self *LayerStack) GetAvailableName(base string) string {
	stem := base
	if m := titleSuffixRe.FindStringIndex(stem); m != nil {
		stem = strings.TrimSpace(stem[:m[0]])
	}

	suffix := 0
	for i := range self.items {
		title := self.items[i].Title
		if title == stem {
			suffix = max(suffix, 1)
		} else if strings.HasPrefix(title, stem) {
			if n, err := strconv.Atoi(strings.TrimSpace(title[len(stem):])); err == nil {
				suffix = max(suffix, n)
			}
		}
	}
	return fmt.Sprintf("%s %d", stem, suffix+1)
}

// Tile returns a layer's tile for reading, nil when untouched or a group.
func (self *LayerStack) Tile(layerId uint16, ti TileIndex) *Tile {
	content := self.contents[layerId]
	if content == nil {
		return nil
	}
	return content.tile(ti)
}

func (self *LayerStack) SetBackgroundColor(color uint32) {
	self.backgroundColor = color
	self.backgroundTile = nil
}

func (self *LayerStack) SetBackgroundTile(t *Tile) {
	self.backgroundTile = t
}

func (self *LayerStack) backgroundFor(ti TileIndex) *Tile {
	if self.backgroundTile != nil {
		return self.backgroundTile
	}
	if self.backgroundColor != 0 {
		return NewSolidTile(self.backgroundColor)
	}
	return nil
}

// PutTile replaces whole tiles on a raster layer. A nil tile clears to
// transparent. Repeat stamps the same content on the following tiles in
// row-major order within the canvas tile grid.
func (self *LayerStack) PutTile(layerId uint16, col, row, repeat int, t *Tile) ([]TileIndex, error) {
	content := self.contents[layerId]
	if content == nil {
		return nil, fmt.Errorf("%w: 0x%04x", ErrNotFound, layerId)
	}
	cols := (self.width + TileSize - 1) / TileSize
	rows := (self.height + TileSize - 1) / TileSize
	if cols <= col || rows <= row || col < 0 || row < 0 {
		return nil, fmt.Errorf("%w: tile %d,%d out of range", ErrBadOperation, col, row)
	}

	dirty := []TileIndex{}
	linear := row*cols + col
	for n := 0; n <= repeat && linear < cols*rows; n += 1 {
		ti := TileIndex{Col: linear % cols, Row: linear / cols}
		if t == nil || t.Blank() {
			content.put(ti, nil)
		} else {
			content.put(ti, t.Clone())
		}
		dirty = append(dirty, ti)
		linear += 1
	}
	return dirty, nil
}

// BlitImage blends a w*h block of ARGB pixels onto a raster layer at (x, y),
// clipped to the canvas.
func (self *LayerStack) BlitImage(layerId uint16, mode protocol.Blend, x, y, w, h int, pixels []uint32) ([]TileIndex, error) {
	content := self.contents[layerId]
	if content == nil {
		return nil, fmt.Errorf("%w: 0x%04x", ErrNotFound, layerId)
	}
	if len(pixels) != w*h {
		return nil, fmt.Errorf("%w: image size mismatch", ErrBadOperation)
	}
	return self.blend(content, mode, x, y, w, h, func(px, py int) uint32 {
		return pixels[(py-y)*w+(px-x)]
	}), nil
}

// FillRect blends a solid rectangle onto a raster layer.
func (self *LayerStack) FillRect(layerId uint16, mode protocol.Blend, x, y, w, h int, color uint32) ([]TileIndex, error) {
	content := self.contents[layerId]
	if content == nil {
		return nil, fmt.Errorf("%w: 0x%04x", ErrNotFound, layerId)
	}
	return self.blend(content, mode, x, y, w, h, func(px, py int) uint32 {
		return color
	}), nil
}

func (self *LayerStack) blend(content *tileContent, mode protocol.Blend, x, y, w, h int, source func(px, py int) uint32) []TileIndex {
	x0 := max(x, 0)
	y0 := max(y, 0)
	x1 := min(x+w, self.width)
	y1 := min(y+h, self.height)
	if x1 <= x0 || y1 <= y0 {
		return nil
	}

	dirty := []TileIndex{}
	for trow := floorDiv(y0, TileSize); trow <= floorDiv(y1-1, TileSize); trow += 1 {
		for tcol := floorDiv(x0, TileSize); tcol <= floorDiv(x1-1, TileSize); tcol += 1 {
			ti := TileIndex{Col: tcol, Row: trow}
			t := content.writable(ti)
			px0 := max(x0, tcol*TileSize)
			py0 := max(y0, trow*TileSize)
			px1 := min(x1, (tcol+1)*TileSize)
			py1 := min(y1, (trow+1)*TileSize)
			for py := py0; py < py1; py += 1 {
				for px := px0; px < px1; px += 1 {
					tx := px - tcol*TileSize
					ty := py - trow*TileSize
					t.Set(tx, ty, BlendPixel(mode, t.At(tx, ty), source(px, py), 255))
				}
			}
			content.freeIfBlank(ti)
			dirty = append(dirty, ti)
		}
	}
	return dirty
}

// Resize grows or crops the canvas by the given edge offsets; existing
// content shifts by (left, top) pixels.
func (self *LayerStack) Resize(top, right, bottom, left int) error {
	newWidth := self.width + left + right
	newHeight := self.height + top + bottom
	if newWidth <= 0 || newHeight <= 0 {
		return fmt.Errorf("%w: resize to %dx%d", ErrBadOperation, newWidth, newHeight)
	}

	for id, content := range self.contents {
		moved := newTileContent()
		for ti, t := range content.tiles {
			for py := 0; py < TileSize; py += 1 {
				for px := 0; px < TileSize; px += 1 {
					p := t.At(px, py)
					if p == 0 {
						continue
					}
					nx := ti.Col*TileSize + px + left
					ny := ti.Row*TileSize + py + top
					if nx < 0 || ny < 0 || newWidth <= nx || newHeight <= ny {
						continue
					}
					moved.writable(tileIndexAt(nx, ny)).Set(nx%TileSize, ny%TileSize, p)
				}
			}
		}
		self.contents[id] = moved
	}
	self.width = newWidth
	self.height = newHeight
	return nil
}
