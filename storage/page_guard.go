package storage

// BasicPageGuard holds one pin on a page and releases it on Drop. It does
// not latch the page.
type BasicPageGuard struct {
	bpm     *BufferPoolManager
	page    *Page
	isDirty bool
}

// PageID returns the guarded page id, or InvalidPageID after Drop.
func (g *BasicPageGuard) PageID() PageID {
	if g.page == nil {
		return InvalidPageID
	}
	return g.page.GetPageId()
}

// Page returns the guarded page, or nil after Drop.
func (g *BasicPageGuard) Page() *Page {
	return g.page
}

// GetData returns the page bytes.
func (g *BasicPageGuard) GetData() []byte {
	return g.page.GetData()
}

// GetDataMut returns the page bytes and marks the page dirty on Drop.
func (g *BasicPageGuard) GetDataMut() []byte {
	g.isDirty = true
	return g.page.GetData()
}

// Drop unpins the page. Calling it again does nothing.
func (g *BasicPageGuard) Drop() error {
	if g.page == nil {
		return nil
	}
	err := g.bpm.UnpinPage(g.page.GetPageId(), g.isDirty)
	g.page = nil
	g.bpm = nil
	g.isDirty = false
	return err
}

// release hands the pin over to another guard and empties g.
func (g *BasicPageGuard) release() BasicPageGuard {
	moved := *g
	*g = BasicPageGuard{}
	return moved
}

// UpgradeRead takes the page read latch and moves the pin into a
// ReadPageGuard. g is empty afterwards.
func (g *BasicPageGuard) UpgradeRead() *ReadPageGuard {
	if g.page == nil {
		return &ReadPageGuard{}
	}
	g.page.RLatch()
	return &ReadPageGuard{guard: g.release()}
}

// UpgradeWrite takes the page write latch and moves the pin into a
// WritePageGuard. g is empty afterwards.
func (g *BasicPageGuard) UpgradeWrite() *WritePageGuard {
	if g.page == nil {
		return &WritePageGuard{}
	}
	g.page.WLatch()
	moved := g.release()
	moved.isDirty = true
	return &WritePageGuard{guard: moved}
}

// ReadPageGuard holds a pin and the page read latch.
type ReadPageGuard struct {
	guard BasicPageGuard
}

func (g *ReadPageGuard) PageID() PageID  { return g.guard.PageID() }
func (g *ReadPageGuard) GetData() []byte { return g.guard.GetData() }

// Drop releases the read latch, then the pin. Calling it again does nothing.
func (g *ReadPageGuard) Drop() error {
	if g.guard.page == nil {
		return nil
	}
	g.guard.page.RUnlatch()
	return g.guard.Drop()
}

// WritePageGuard holds a pin and the page write latch. The page is
// unpinned dirty.
type WritePageGuard struct {
	guard BasicPageGuard
}

func (g *WritePageGuard) PageID() PageID     { return g.guard.PageID() }
func (g *WritePageGuard) GetData() []byte    { return g.guard.GetData() }
func (g *WritePageGuard) GetDataMut() []byte { return g.guard.GetDataMut() }

// Drop releases the write latch, then the pin. Calling it again does nothing.
func (g *WritePageGuard) Drop() error {
	if g.guard.page == nil {
		return nil
	}
	g.guard.page.WUnlatch()
	return g.guard.Drop()
}

// NewPageGuarded is NewPage returning a BasicPageGuard.
func (bpm *BufferPoolManager) NewPageGuarded() (*BasicPageGuard, error) {
	page, err := bpm.NewPage()
	if err != nil {
		return nil, err
	}
	return &BasicPageGuard{bpm: bpm, page: page}, nil
}

// FetchPageBasic is FetchPage returning a BasicPageGuard.
func (bpm *BufferPoolManager) FetchPageBasic(pageID PageID) (*BasicPageGuard, error) {
	page, err := bpm.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return &BasicPageGuard{bpm: bpm, page: page}, nil
}

// FetchPageRead fetches pageID and read-latches it.
func (bpm *BufferPoolManager) FetchPageRead(pageID PageID) (*ReadPageGuard, error) {
	guard, err := bpm.FetchPageBasic(pageID)
	if err != nil {
		return nil, err
	}
	return guard.UpgradeRead(), nil
}

// FetchPageWrite fetches pageID and write-latches it.
func (bpm *BufferPoolManager) FetchPageWrite(pageID PageID) (*WritePageGuard, error) {
	guard, err := bpm.FetchPageBasic(pageID)
	if err != nil {
		return nil, err
	}
	return guard.UpgradeWrite(), nil
}
