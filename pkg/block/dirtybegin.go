package block

// DirtyBegin marks every block in refs as dirty and returns the single
// (possibly merged) dirty set that now owns them, still holding
// SET_DIRTYING. The caller must pass the returned set to DirtyEnd exactly
// once it has finished mutating the blocks' buffers.
func (c *Cache) DirtyBegin(refs []*Ref) (*DirtySet, error) {
	c.waitAdmission()

restart:
	var large *DirtySet
	var touched []*Block // blocks CAS-linked straight into large this pass

	for _, ref := range refs {
		b := ref.block

		bs := b.set.Load()
		if large != nil && bs == large {
			continue
		}

		if bs == nil && large != nil {
			if b.set.CompareAndSwap(nil, large) {
				large.mu.Lock()
				large.blocks = append(large.blocks, b)
				large.mu.Unlock()
				large.size.Add(1)
				touched = append(touched, b)
				continue
			}
			bs = b.set.Load()
		}

		var small *DirtySet
		if bs != nil {
			small = bs
			small.addRef()
		} else {
			small = newDirtySet(c)
			small.appendBlock(b)
		}

		if small.testAndSetState(setDirtying) {
			rollbackTouched(large, touched)
			if large != nil {
				large.clearState(setDirtying)
			}
			small.wait.Wait(func() bool { return !small.hasState(setDirtying) })
			small.release()
			goto restart
		}
		if small.hasState(setWriteback) {
			small.clearState(setDirtying)
			rollbackTouched(large, touched)
			if large != nil {
				large.clearState(setDirtying)
			}
			small.wait.Wait(func() bool { return !small.hasState(setWriteback) })
			small.release()
			goto restart
		}

		if large == nil {
			large = small
			continue
		}

		if small.len() > large.len() {
			large, small = small, large
		}

		if large.len()+small.len() > SetLimit {
			seq := large.dirtySeq
			large.clearState(setDirtying)
			small.clearState(setDirtying)
			small.release()
			c.syncUpTo(seq)
			goto restart
		}

		merged := small.takeBlocks()
		for _, sb := range merged {
			sb.set.Store(large)
		}
		large.mu.Lock()
		large.blocks = append(large.blocks, merged...)
		large.mu.Unlock()
		large.size.Add(int32(len(merged)))

		small.clearState(setDirty)
		small.clearState(setDirtying)
		small.wait.Broadcast()
		small.release()
	}

	if large == nil {
		// refs was empty; nothing to do.
		return nil, nil
	}

	large.mu.Lock()
	blocks := make([]*Block, len(large.blocks))
	copy(blocks, large.blocks)
	large.mu.Unlock()
	for i := len(blocks) - 1; i >= 0; i-- {
		if !blocks[i].testAndSetState(stateDirty) {
			c.nrDirty.Add(1)
		}
	}
	c.met.nrDirty.Set(float64(c.nrDirty.Load()))

	if !large.testAndSetState(setDirty) {
		large.addRef() // writeback-list-presence reference
		large.dirtySeq = c.dirtySeq.Add(1)
		large.listed.Store(true)
		c.writebackQueue.Push(large)
		c.kickWriteback()
	}

	return large, nil
}

// DirtyEnd releases the ownership of set's SET_DIRTYING handed back by
// DirtyBegin. The caller must have finished writing every block's buffer
// before calling this.
func (c *Cache) DirtyEnd(set *DirtySet) {
	if set == nil {
		return
	}
	set.clearState(setDirtying)
	set.wait.Broadcast()
	set.release()
}

// rollbackTouched undoes the direct-CAS links made into large during the
// current (about to be restarted) pass; it leaves any earlier, already
// merged membership untouched.
func rollbackTouched(large *DirtySet, touched []*Block) {
	if large == nil || len(touched) == 0 {
		return
	}
	set := make(map[*Block]bool, len(touched))
	for _, b := range touched {
		set[b] = true
		b.set.Store(nil)
	}
	large.mu.Lock()
	kept := large.blocks[:0:0]
	for _, b := range large.blocks {
		if !set[b] {
			kept = append(kept, b)
		}
	}
	large.blocks = kept
	large.mu.Unlock()
	large.size.Add(-int32(len(touched)))
}
